// Package gate populates the interrupt descriptor table and routes every
// interrupt vector to a Go handler.
package gate

//go:generate go run coopos/tools/gengate -out gate_amd64.s

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
	"encoding/binary"
	"io"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs. The layout matches the frame built by the entry stubs in
// gate_amd64.s.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt vector that was raised.
	Vector uint64

	// Info contains the error code pushed by the CPU for exceptions that
	// provide one; it is 0 for all other vectors.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction. Execution resumes
	// after the instruction once the handler returns.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	vectorCount = 256

	// interruptGate clears IF on entry so handlers are not nested.
	interruptGate = 0xe
	gatePresent   = 1 << 15
)

// idtEntry is a 16-byte gate descriptor.
type idtEntry [2]uint64

var (
	idt      [vectorCount]idtEntry
	handlers [vectorCount]func(*Registers)
	istIndex [vectorCount]uint8

	// codeSelector is set by Init; until then HandleInterrupt only
	// records the handler.
	codeSelector uint16

	// idtr holds the 10-byte operand for LIDT.
	idtr [10]byte

	// The following functions are mocked by tests.
	loadIDTFn        = cpu.LoadIDT
	entryTableFn     = gateEntryTable
	unhandledFn      = unhandledInterrupt
	errUnhandledTrap = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// Init populates every IDT slot with a present interrupt gate that points
// to the matching entry stub and loads the IDT. Handlers registered via
// HandleInterrupt before Init keep their IST settings.
func Init(kernelCodeSelector uint16) {
	codeSelector = kernelCodeSelector

	entries := (*[vectorCount]uintptr)(unsafe.Pointer(entryTableFn()))
	for vector := 0; vector < vectorCount; vector++ {
		idt[vector].set(entries[vector], codeSelector, istIndex[vector])
	}

	binary.LittleEndian.PutUint16(idtr[0:], uint16(unsafe.Sizeof(idt)-1))
	binary.LittleEndian.PutUint64(idtr[2:], uint64(uintptr(unsafe.Pointer(&idt))))
	loadIDTFn(uintptr(unsafe.Pointer(&idtr[0])))
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
	istIndex[intNumber] = istOffset

	if codeSelector != 0 {
		entries := (*[vectorCount]uintptr)(unsafe.Pointer(entryTableFn()))
		idt[intNumber].set(entries[intNumber], codeSelector, istOffset)
	}
}

// set encodes an interrupt gate for the supplied entry point.
func (e *idtEntry) set(entry uintptr, selector uint16, ist uint8) {
	w0 := uint32(selector)<<16 | uint32(entry&0xffff)
	w1 := uint32(entry&0xffff0000) | gatePresent | interruptGate<<8 | uint32(ist&0x7)
	e[0] = uint64(w1)<<32 | uint64(w0)
	e[1] = uint64(entry >> 32)
}

// dispatchInterrupt is invoked by the entry stubs with a pointer to the
// register snapshot saved on the stack.
//
//go:nosplit
func dispatchInterrupt(regs *Registers) {
	if handler := handlers[uint8(regs.Vector)]; handler != nil {
		handler(regs)
		return
	}

	unhandledFn(regs)
}

// unhandledInterrupt reports an interrupt without a registered handler and
// halts the system.
func unhandledInterrupt(regs *Registers) {
	kfmt.Printf("\nunhandled interrupt: vector %d, error code 0x%x\n", regs.Vector, regs.Info)
	kfmt.Diagf("unhandled interrupt: vector %d, error code 0x%x\n", regs.Vector, regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnhandledTrap)
}

// gateEntryTable returns the address of a table with the entry stub
// address for each vector.
func gateEntryTable() uintptr
