// Package gdt builds the global descriptor table and the task state segment.
// Segmentation is mostly disabled in long mode but the CPU still needs a code
// segment to run in and a TSS to locate the interrupt stack table.
package gdt

import (
	"coopos/kernel/cpu"
	"encoding/binary"
	"unsafe"
)

// Descriptor table slots.
const (
	// Mandatory null descriptor.
	_ = iota
	// Ring 0 code (64-bit).
	segmentCode0
	// Ring 0 data.
	segmentData0
	// TSS; a 64-bit TSS descriptor occupies two slots.
	segmentTSS0
	segmentTSS0High
	// End sentinel for determining the table limit.
	segmentEnd
)

const (
	// KernelCodeSelector selects the ring 0 code segment.
	KernelCodeSelector = uint16(segmentCode0 << 3)

	// KernelDataSelector selects the ring 0 data segment.
	KernelDataSelector = uint16(segmentData0 << 3)

	// TSSSelector selects the task state segment.
	TSSSelector = uint16(segmentTSS0 << 3)

	// DoubleFaultIST is the interrupt stack table slot whose stack is
	// switched to when a double fault occurs.
	DoubleFaultIST = uint8(1)

	// doubleFaultStackSize is the size of the stack used while handling
	// double faults.
	doubleFaultStackSize = 5 * 4096
)

type segmentFlags uint32

const (
	segFlagAccess  segmentFlags = 1 << 8
	segFlagWrite                = 1 << 9
	segFlagCode                 = 1 << 11
	segFlagSystem               = 1 << 12
	segFlagPresent              = 1 << 15
	segFlagLong                 = 1 << 21
)

// segmentDescriptor is a 64-bit segment descriptor.
type segmentDescriptor uint64

// tss is the 104-byte amd64 task state segment. Hardware task switching is
// not available in long mode; the TSS only supplies the privilege and
// interrupt stack pointers.
type tss [26]uint32

var (
	globalGDT [segmentEnd]segmentDescriptor
	globalTSS tss

	// doubleFaultStack is the static stack installed into the
	// DoubleFaultIST slot. It lives outside the heap so that it remains
	// usable when the regular stack has overflowed.
	doubleFaultStack [doubleFaultStackSize]byte

	// gdtr holds the 10-byte operand for LGDT: a 16-bit limit followed by
	// the 64-bit table address.
	gdtr [10]byte

	// The following functions are mocked by tests.
	loadGDTFn          = cpu.LoadGDT
	setCodeSegmentFn   = cpu.SetCodeSegment
	setDataSegmentsFn  = cpu.SetDataSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister
)

// Init populates the GDT and TSS, loads the GDT, reloads the segment
// registers and loads the task register.
func Init() {
	build()

	loadGDTFn(uintptr(unsafe.Pointer(&gdtr[0])))
	setCodeSegmentFn(KernelCodeSelector)
	setDataSegmentsFn(KernelDataSelector)
	loadTaskRegisterFn(TSSSelector)
}

// DoubleFaultStackTop returns the initial stack pointer for the double fault
// stack.
func DoubleFaultStackTop() uintptr {
	return (uintptr(unsafe.Pointer(&doubleFaultStack[0])) + doubleFaultStackSize) &^ 15
}

// build fills in the descriptor table, the TSS and the LGDT operand.
func build() {
	globalTSS = tss{}
	globalTSS.setIST(DoubleFaultIST, uint64(DoubleFaultStackTop()))

	tssAddr := uintptr(unsafe.Pointer(&globalTSS))
	tssLimit := uint32(unsafe.Sizeof(globalTSS) - 1)

	// An I/O map base past the TSS limit denies all port access from
	// lower privilege levels.
	globalTSS.setIOMapBase(uint16(tssLimit + 1))

	globalGDT[segmentCode0] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagCode|segFlagLong)
	globalGDT[segmentData0] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagWrite)
	globalGDT[segmentTSS0] = newSegmentDescriptor(uint32(tssAddr), tssLimit, segFlagAccess|segFlagCode)
	globalGDT[segmentTSS0High] = segmentDescriptor(tssAddr >> 32)

	binary.LittleEndian.PutUint16(gdtr[0:], uint16(unsafe.Sizeof(globalGDT)-1))
	binary.LittleEndian.PutUint64(gdtr[2:], uint64(uintptr(unsafe.Pointer(&globalGDT))))
}

// setIST sets the stack pointer for the 1-based interrupt stack table slot.
func (t *tss) setIST(index uint8, rsp uint64) {
	t[7+int(index)*2] = uint32(rsp)
	t[7+int(index)*2+1] = uint32(rsp >> 32)
}

// ist returns the stack pointer stored in an interrupt stack table slot.
func (t *tss) ist(index uint8) uint64 {
	return uint64(t[7+int(index)*2]) | uint64(t[7+int(index)*2+1])<<32
}

func (t *tss) setIOMapBase(offset uint16) {
	t[25] = uint32(offset) << 16
}

// newSegmentDescriptor encodes a present ring 0 descriptor.
func newSegmentDescriptor(base, limit uint32, flags segmentFlags) segmentDescriptor {
	flags |= segFlagPresent
	w0 := base<<16 | limit&0xffff
	w1 := base&0xff000000 | limit&0xf0000 | uint32(flags) | (base>>16)&0xff
	return segmentDescriptor(uint64(w1)<<32 | uint64(w0))
}
