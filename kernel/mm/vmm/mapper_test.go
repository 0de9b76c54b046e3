package vmm

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/mm"
	"runtime"
	"testing"
	"unsafe"
)

var errArenaExhausted = &kernel.Error{Module: "test", Message: "arena out of frames"}

// physArena simulates physical memory with a page-aligned Go byte slice. Frame
// N lives at base + N*PageSize; frame 0 holds the root page table.
type physArena struct {
	buf   []byte
	base  uintptr
	next  mm.Frame
	limit mm.Frame
}

func newPhysArena(frames int) *physArena {
	buf := make([]byte, (frames+1)*int(mm.PageSize))
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return &physArena{buf: buf, base: base, next: 1, limit: mm.Frame(frames)}
}

func (a *physArena) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.next >= a.limit {
		return mm.InvalidFrame, errArenaExhausted
	}

	a.next++
	return a.next - 1, nil
}

func (a *physArena) mapper() *Mapper {
	return &Mapper{physOffset: a.base}
}

func (a *physArena) entryAt(table mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(a.base + table.Address() + index<<mm.PointerShift))
}

func (a *physArena) fill(value byte) {
	start := a.base - uintptr(unsafe.Pointer(&a.buf[0]))
	for i := start + mm.PageSize; i < uintptr(len(a.buf)); i++ {
		a.buf[i] = value
	}
}

func TestMapTranslateRoundTrip(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
	}(flushTLBEntryFn)

	flushCount := 0
	flushTLBEntryFn = func(_ uintptr) { flushCount++ }

	arena := newPhysArena(32)
	defer runtime.KeepAlive(arena)
	m := arena.mapper()

	specs := []struct {
		virtAddr uintptr
		frame    mm.Frame
	}{
		{0x0, mm.Frame(0x10)},
		{0x1000, mm.Frame(0x11)},
		{0x200000, mm.Frame(0xabc)},
		{0x40000000, mm.Frame(0x1)},
		{0x7ffffffff000, mm.Frame(0xfffff)},
		{0x444444440000, mm.Frame(0x2000)},
		{0xffff800000000000, mm.Frame(0x42)},
	}

	for specIndex, spec := range specs {
		if err := m.Map(mm.PageFromAddress(spec.virtAddr), spec.frame, FlagRW, arena); err != nil {
			t.Fatalf("[spec %d] map failed: %v", specIndex, err)
		}
	}

	for specIndex, spec := range specs {
		for _, offset := range []uintptr{0, 0x123, mm.PageSize - 1} {
			got, err := m.Translate(spec.virtAddr + offset)
			if err != nil {
				t.Errorf("[spec %d] translate failed: %v", specIndex, err)
				continue
			}

			if exp := spec.frame.Address() + offset; got != exp {
				t.Errorf("[spec %d] expected virtual address 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr+offset, exp, got)
			}
		}
	}

	if exp := len(specs); flushCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushCount)
	}

	if _, err := m.Translate(0x3000); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping for unmapped address; got %v", err)
	}
}

func TestMapExistingPage(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
	}(flushTLBEntryFn)
	flushTLBEntryFn = func(_ uintptr) {}

	arena := newPhysArena(8)
	defer runtime.KeepAlive(arena)
	m := arena.mapper()

	page := mm.PageFromAddress(0xb8000)
	if err := m.Map(page, mm.Frame(0xb8), FlagRW, arena); err != nil {
		t.Fatal(err)
	}

	// same frame: flags are updated
	if err := m.Map(page, mm.Frame(0xb8), FlagRW|FlagDoNotCache, arena); err != nil {
		t.Fatalf("expected remapping to the same frame to succeed; got %v", err)
	}

	// leaf table is the last allocated frame
	leaf := arena.entryAt(arena.next-1, (page.Address()>>pageLevelShifts[pageLevels-1])&511)
	if !leaf.HasFlags(FlagPresent | FlagRW | FlagDoNotCache) {
		t.Errorf("expected leaf entry flags to be updated; got 0x%x", uintptr(*leaf))
	}

	if err := m.Map(page, mm.Frame(0xb9), FlagRW, arena); err != ErrPageAlreadyMapped {
		t.Fatalf("expected ErrPageAlreadyMapped; got %v", err)
	}

	if got, _ := m.Translate(page.Address()); got != 0xb8000 {
		t.Errorf("expected original mapping to be preserved; got 0x%x", got)
	}
}

func TestMapClearsNewTables(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
	}(flushTLBEntryFn)
	flushTLBEntryFn = func(_ uintptr) {}

	arena := newPhysArena(8)
	defer runtime.KeepAlive(arena)
	arena.fill(0xff)
	m := arena.mapper()

	if err := m.Map(mm.PageFromAddress(0x1000), mm.Frame(0x123), FlagRW, arena); err != nil {
		t.Fatal(err)
	}

	if exp, got := mm.Frame(4), arena.next; got != exp {
		t.Fatalf("expected 3 table frames to be allocated; next frame is %d", got)
	}

	for table := mm.Frame(1); table < arena.next; table++ {
		used := 0
		for index := uintptr(0); index < 512; index++ {
			if *arena.entryAt(table, index) != 0 {
				used++
			}
		}

		if used != 1 {
			t.Errorf("[table %d] expected exactly 1 populated entry; got %d", table, used)
		}
	}
}

func TestMapFrameAllocatorError(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
	}(flushTLBEntryFn)
	flushTLBEntryFn = func(_ uintptr) {}

	arena := newPhysArena(3)
	defer runtime.KeepAlive(arena)
	m := arena.mapper()

	if err := m.Map(mm.PageFromAddress(0x1000), mm.Frame(0x123), FlagRW, arena); err != errArenaExhausted {
		t.Fatalf("expected errArenaExhausted; got %v", err)
	}

	if _, err := m.Translate(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestHugePages(t *testing.T) {
	arena := newPhysArena(4)
	defer runtime.KeepAlive(arena)
	m := arena.mapper()

	// P4[0] -> frame 1; P3[1] -> 1G page at 2G; P3[2] -> frame 2; P2[3] -> 2M page at 6M
	*arena.entryAt(0, 0) = pageTableEntry(mm.Frame(1).Address() | uintptr(FlagPresent|FlagRW))
	*arena.entryAt(1, 1) = pageTableEntry(0x80000000 | uintptr(FlagPresent|FlagRW|FlagHugePage))
	*arena.entryAt(1, 2) = pageTableEntry(mm.Frame(2).Address() | uintptr(FlagPresent|FlagRW))
	*arena.entryAt(2, 3) = pageTableEntry(0x600000 | uintptr(FlagPresent|FlagRW|FlagHugePage))

	specs := []struct {
		virtAddr, expPhys uintptr
	}{
		{0x40000000, 0x80000000},
		{0x40001234, 0x80001234},
		{0x7fffffff, 0xbfffffff},
		{0x80600000, 0x600000},
		{0x80601234, 0x601234},
		{0x807fffff, 0x7fffff},
	}

	for specIndex, spec := range specs {
		got, err := m.Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] translate failed: %v", specIndex, err)
			continue
		}

		if got != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expPhys, got)
		}
	}

	if err := m.Map(mm.PageFromAddress(0x40001000), mm.Frame(1), FlagRW, arena); err != errNoHugePageSupport {
		t.Errorf("expected errNoHugePageSupport when mapping inside a 1G page; got %v", err)
	}

	if _, err := m.Unmap(mm.PageFromAddress(0x80600000)); err != errNoHugePageSupport {
		t.Errorf("expected errNoHugePageSupport when unmapping inside a 2M page; got %v", err)
	}
}

func TestUnmap(t *testing.T) {
	defer func(origFlushTLBEntry func(uintptr)) {
		flushTLBEntryFn = origFlushTLBEntry
	}(flushTLBEntryFn)

	var flushedAddr uintptr
	flushTLBEntryFn = func(addr uintptr) { flushedAddr = addr }

	arena := newPhysArena(8)
	defer runtime.KeepAlive(arena)
	m := arena.mapper()

	page := mm.PageFromAddress(0x5000)
	if err := m.Map(page, mm.Frame(0x99), FlagRW, arena); err != nil {
		t.Fatal(err)
	}

	frame, err := m.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}

	if frame != mm.Frame(0x99) {
		t.Errorf("expected Unmap to return frame 0x99; got 0x%x", frame)
	}

	if flushedAddr != page.Address() {
		t.Errorf("expected TLB entry for 0x%x to be flushed; got 0x%x", page.Address(), flushedAddr)
	}

	if _, err = m.Translate(page.Address()); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping after Unmap; got %v", err)
	}

	if _, err = m.Unmap(page); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping when unmapping twice; got %v", err)
	}

	if _, err = m.Unmap(mm.PageFromAddress(0xffff800000000000)); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping for missing tables; got %v", err)
	}
}

func TestInit(t *testing.T) {
	defer func() {
		activePDTFn = cpu.ActivePDT
		mapperInitialized = 0
		kernelMapper = Mapper{}
	}()

	mapperInitialized = 0
	activePDTFn = func() uintptr {
		// frame 5 plus PWT/PCD bits
		return 0x5018
	}

	m, err := Init(0xffff800000000000)
	if err != nil {
		t.Fatal(err)
	}

	if m.root != mm.Frame(5) {
		t.Errorf("expected root table frame to be 5; got %d", m.root)
	}

	if exp, got := uintptr(0xffff8000000b8000), m.PhysToVirt(0xb8000); got != exp {
		t.Errorf("expected PhysToVirt to return 0x%x; got 0x%x", exp, got)
	}

	if _, err = Init(0); err != ErrMapperInitialized {
		t.Errorf("expected ErrMapperInitialized on second Init call; got %v", err)
	}
}

func TestReserveRegion(t *testing.T) {
	defer func() {
		reserveLastUsed = reserveWindowEnd
	}()

	reserveLastUsed = reserveWindowEnd

	addr, err := ReserveRegion(mm.PageSize + 1)
	if err != nil {
		t.Fatal(err)
	}

	if exp := reserveWindowEnd - 2*mm.PageSize; addr != exp {
		t.Errorf("expected reserved region to start at 0x%x; got 0x%x", exp, addr)
	}

	if _, err = ReserveRegion(reserveWindowEnd - reserveWindowStart); err != errReserveNoSpace {
		t.Errorf("expected errReserveNoSpace; got %v", err)
	}

	if next, _ := ReserveRegion(1); next != addr-mm.PageSize {
		t.Errorf("expected failed reservation to leave the window untouched; got 0x%x", next)
	}
}
