package gdt

import (
	"coopos/kernel/cpu"
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"
)

func TestInit(t *testing.T) {
	defer func() {
		loadGDTFn = cpu.LoadGDT
		setCodeSegmentFn = cpu.SetCodeSegment
		setDataSegmentsFn = cpu.SetDataSegments
		loadTaskRegisterFn = cpu.LoadTaskRegister
	}()

	var (
		calls       []string
		gdtBase     uint64
		gdtLimit    uint16
		codeSel     uint16
		dataSel     uint16
		taskSel     uint16
		expGDTBase  = uint64(uintptr(unsafe.Pointer(&globalGDT)))
		expGDTLimit = uint16(segmentEnd*8 - 1)
	)

	loadGDTFn = func(descAddr uintptr) {
		calls = append(calls, "lgdt")
		operand := (*[10]byte)(unsafe.Pointer(descAddr))
		gdtLimit = binary.LittleEndian.Uint16(operand[0:])
		gdtBase = binary.LittleEndian.Uint64(operand[2:])
	}
	setCodeSegmentFn = func(sel uint16) { calls = append(calls, "cs"); codeSel = sel }
	setDataSegmentsFn = func(sel uint16) { calls = append(calls, "ds"); dataSel = sel }
	loadTaskRegisterFn = func(sel uint16) { calls = append(calls, "ltr"); taskSel = sel }

	Init()

	if exp, got := "lgdt,cs,ds,ltr", strings.Join(calls, ","); got != exp {
		t.Errorf("expected call sequence %q; got %q", exp, got)
	}

	if gdtBase != expGDTBase || gdtLimit != expGDTLimit {
		t.Errorf("expected lgdt operand (base 0x%x, limit %d); got (base 0x%x, limit %d)", expGDTBase, expGDTLimit, gdtBase, gdtLimit)
	}

	if codeSel != 0x08 || dataSel != 0x10 || taskSel != 0x18 {
		t.Errorf("unexpected selectors: cs=0x%x ds=0x%x tr=0x%x", codeSel, dataSel, taskSel)
	}
}

func TestDescriptors(t *testing.T) {
	build()

	specs := []struct {
		slot int
		exp  segmentDescriptor
	}{
		{0, 0},
		// present, code, 64-bit
		{segmentCode0, 0x0020980000000000},
		// present, writable data
		{segmentData0, 0x0000920000000000},
	}

	for specIndex, spec := range specs {
		if got := globalGDT[spec.slot]; got != spec.exp {
			t.Errorf("[spec %d] expected descriptor 0x%016x; got 0x%016x", specIndex, spec.exp, got)
		}
	}

	tssAddr := uint64(uintptr(unsafe.Pointer(&globalTSS)))
	low, high := uint64(globalGDT[segmentTSS0]), uint64(globalGDT[segmentTSS0High])

	base := (low>>16)&0xffffff | (low>>56)<<24 | high<<32
	if base != tssAddr {
		t.Errorf("expected TSS descriptor base to be 0x%x; got 0x%x", tssAddr, base)
	}

	if exp, got := uint64(103), low&0xffff; got != exp {
		t.Errorf("expected TSS limit to be %d; got %d", exp, got)
	}

	if exp, got := uint64(0x89), (low>>40)&0xff; got != exp {
		t.Errorf("expected TSS access byte to be 0x%x; got 0x%x", exp, got)
	}
}

func TestDoubleFaultStack(t *testing.T) {
	build()

	top := DoubleFaultStackTop()
	if top&15 != 0 {
		t.Errorf("expected stack top to be 16-byte aligned; got 0x%x", top)
	}

	bottom := uintptr(unsafe.Pointer(&doubleFaultStack[0]))
	if size := top - bottom; size < 4096 {
		t.Errorf("expected at least 4096 bytes of double fault stack; got %d", size)
	}

	if got := globalTSS.ist(DoubleFaultIST); got != uint64(top) {
		t.Errorf("expected IST slot %d to point to 0x%x; got 0x%x", DoubleFaultIST, top, got)
	}

	if exp, got := uint32(104)<<16, globalTSS[25]; got != exp {
		t.Errorf("expected I/O map base to be past the TSS limit; got 0x%x", got)
	}
}
