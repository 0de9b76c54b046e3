package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and parks the CPU in a hlt loop. Calls to Halt
// never return.
func Halt()

// EnableInterruptsAndHalt enables interrupts and halts the CPU until the next
// interrupt arrives. The two instructions execute back to back (sti; hlt) so
// an interrupt that becomes pending while interrupts are disabled is taken
// only after the CPU has halted, waking it up immediately.
func EnableInterruptsAndHalt()

// InterruptsEnabled returns true if the interrupt flag (RFLAGS.IF) is set.
func InterruptsEnabled() bool

// Breakpoint raises a breakpoint exception (int3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadGDT loads the GDT register with the 10-byte descriptor (16-bit limit
// followed by the 64-bit table address) located at descAddr.
func LoadGDT(descAddr uintptr)

// LoadIDT loads the IDT register with the 10-byte descriptor located at
// descAddr.
func LoadIDT(descAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(sel uint16)

// SetCodeSegment reloads CS with the supplied selector using a far return.
func SetCodeSegment(sel uint16)

// SetDataSegments loads DS, ES and SS with the supplied selector. FS and GS
// are left untouched as the Go runtime keeps its TLS base in FS.
func SetDataSegments(sel uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
