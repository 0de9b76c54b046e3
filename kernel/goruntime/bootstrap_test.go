package goruntime

import (
	"coopos/kernel"
	"coopos/kernel/irq"
	"coopos/kernel/mm"
	"coopos/kernel/mm/heap"
	"coopos/kernel/mm/vmm"
	"reflect"
	"testing"
	"unsafe"
)

func restoreFns() {
	mapFn = mapPage
	translateFn = translate
	reserveRegionFn = vmm.ReserveRegion
	memsetFn = kernel.Memset
	heapAllocFn = heap.Alloc
	heapFreeFn = heap.Free
	heapContainsFn = heap.Contains
	ticksFn = irq.Ticks
}

func TestSysReserve(t *testing.T) {
	defer restoreFns()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 100 << mm.PageShift},
			// size should be rounded up to nearest page size
			{2*mm.PageSize - 1, 2 * mm.PageSize},
		}

		for specIndex, spec := range specs {
			reserveRegionFn = func(rsvSize uintptr) (uintptr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}

				return 0xbadf000, nil
			}

			if ptr := sysReserve(nil, spec.reqSize); uintptr(ptr) != 0xbadf000 {
				t.Errorf("[spec %d] expected sysReserve to return 0xbadf000; got 0x%x", specIndex, uintptr(ptr))
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "consumed available address space"}
		defer func() {
			if err := recover(); err != expErr {
				t.Fatalf("expected sysReserve to panic with %v; got %v", expErr, err)
			}
		}()

		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return 0, expErr
		}

		sysReserve(nil, 0xf00)
	})
}

// fakeHeap serves page-aligned blocks from consecutive addresses and
// records the pages aliased to them. Heap page N is backed by frame
// 0x100+N.
type fakeHeap struct {
	next     uintptr
	requests [][2]uintptr
	cleared  [][2]uintptr
	aliases  map[mm.Page]mm.Frame

	exhausted, translateFails, mapFails bool
}

const fakeHeapStart = uintptr(0x444444440000)

func (h *fakeHeap) install(t *testing.T) {
	h.next = fakeHeapStart
	h.aliases = make(map[mm.Page]mm.Frame)

	heapAllocFn = func(size, align uintptr) uintptr {
		h.requests = append(h.requests, [2]uintptr{size, align})
		if h.exhausted {
			return 0
		}
		addr := h.next
		h.next += size
		return addr
	}

	memsetFn = func(addr uintptr, value byte, size uintptr) {
		if value != 0 {
			t.Errorf("expected memory to be cleared; got fill value %d", value)
		}
		h.cleared = append(h.cleared, [2]uintptr{addr, size})
	}

	translateFn = func(virtAddr uintptr) (uintptr, *kernel.Error) {
		if h.translateFails || virtAddr < fakeHeapStart {
			return 0, &kernel.Error{Module: "test", Message: "not mapped"}
		}
		page := (virtAddr - fakeHeapStart) >> mm.PageShift
		return (0x100+page)<<mm.PageShift + vmm.PageOffset(virtAddr), nil
	}

	mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		if exp := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute; flags != exp {
			t.Errorf("expected map flags to be %d; got %d", exp, flags)
		}
		if h.mapFails {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}
		h.aliases[page] = frame
		return nil
	}

	reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
		t.Error("unexpected address space reservation")
		return 0, nil
	}
}

func TestSysMap(t *testing.T) {
	defer restoreFns()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr      uintptr
			reqSize      uintptr
			expFirstPage mm.Page
			expMapCount  int
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 4 * mm.PageSize, 100, 4},
			// address should be rounded up to nearest page size
			{(100 << mm.PageShift) + 1, 4 * mm.PageSize, 101, 4},
			// size should be rounded up to nearest page size
			{1 << mm.PageShift, (4 * mm.PageSize) + 1, 1, 5},
		}

		for specIndex, spec := range specs {
			var (
				sysStat uint64
				h       fakeHeap
			)
			h.install(t)

			sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, &sysStat)

			regionSize := uintptr(spec.expMapCount) << mm.PageShift
			if len(h.requests) != 1 || h.requests[0] != [2]uintptr{regionSize, mm.PageSize} {
				t.Errorf("[spec %d] expected a single page-aligned heap request for %d bytes; got %v", specIndex, regionSize, h.requests)
			}

			if len(h.cleared) != 1 || h.cleared[0] != [2]uintptr{fakeHeapStart, regionSize} {
				t.Errorf("[spec %d] expected the heap block to be cleared; got %v", specIndex, h.cleared)
			}

			if len(h.aliases) != spec.expMapCount {
				t.Errorf("[spec %d] expected %d pages to be mapped; got %d", specIndex, spec.expMapCount, len(h.aliases))
			}

			for i := 0; i < spec.expMapCount; i++ {
				page := spec.expFirstPage + mm.Page(i)
				if exp, got := mm.Frame(0x100+i), h.aliases[page]; got != exp {
					t.Errorf("[spec %d] expected page %d to alias heap frame 0x%x; got 0x%x", specIndex, page, exp, got)
				}
			}

			if exp := uint64(regionSize); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	failures := []struct {
		name  string
		setup func(*fakeHeap)
	}{
		{"heap exhausted", func(h *fakeHeap) { h.exhausted = true }},
		{"translate fails", func(h *fakeHeap) { h.translateFails = true }},
		{"map fails", func(h *fakeHeap) { h.mapFails = true }},
	}

	for _, failure := range failures {
		t.Run(failure.name, func(t *testing.T) {
			defer func() {
				if err := recover(); err != errOutOfMemory {
					t.Fatalf("expected sysMap to panic with errOutOfMemory; got %v", err)
				}
			}()

			var h fakeHeap
			h.install(t)
			failure.setup(&h)

			var sysStat uint64
			sysMap(unsafe.Pointer(uintptr(0xbadf000)), 1, &sysStat)
		})
	}
}

func TestSysAlloc(t *testing.T) {
	defer restoreFns()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			{1, mm.PageSize},
			// exact multiple of page size
			{4 * mm.PageSize, 4 * mm.PageSize},
			// round up to nearest page size
			{(4 * mm.PageSize) + 1, 5 * mm.PageSize},
			// the runtime arena index
			{32 << 20, 32 << 20},
		}

		for specIndex, spec := range specs {
			var (
				sysStat uint64
				h       fakeHeap
			)
			h.install(t)

			if got := sysAlloc(spec.reqSize, &sysStat); uintptr(got) != fakeHeapStart {
				t.Errorf("[spec %d] expected sysAlloc to return the heap block at 0x%x; got 0x%x", specIndex, fakeHeapStart, uintptr(got))
			}

			if len(h.requests) != 1 || h.requests[0] != [2]uintptr{spec.expRegionSize, mm.PageSize} {
				t.Errorf("[spec %d] expected a page-aligned heap request for %d bytes; got %v", specIndex, spec.expRegionSize, h.requests)
			}

			if len(h.cleared) != 1 || h.cleared[0] != [2]uintptr{fakeHeapStart, spec.expRegionSize} {
				t.Errorf("[spec %d] expected the heap block to be cleared; got %v", specIndex, h.cleared)
			}

			if len(h.aliases) != 0 {
				t.Errorf("[spec %d] expected no page mappings; got %d", specIndex, len(h.aliases))
			}

			if exp := uint64(spec.expRegionSize); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("heap exhausted", func(t *testing.T) {
		var (
			sysStat uint64
			h       fakeHeap
		)
		h.install(t)
		h.exhausted = true

		if got := sysAlloc(3*mm.PageSize, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil when the heap is exhausted; got 0x%x", uintptr(got))
		}

		if sysStat != 0 || len(h.cleared) != 0 {
			t.Errorf("expected failed allocation not to be cleared or accounted for")
		}
	})
}

func TestSysFree(t *testing.T) {
	defer restoreFns()

	var freed [][3]uintptr
	heapFreeFn = func(addr, size, align uintptr) {
		freed = append(freed, [3]uintptr{addr, size, align})
	}
	heapContainsFn = func(addr uintptr) bool {
		return addr == 0x444444441000
	}

	sysStat := uint64(2 * mm.PageSize)
	sysFree(unsafe.Pointer(uintptr(0x444444441000)), 10, &sysStat)
	sysFree(unsafe.Pointer(uintptr(0x6ffffff00000)), mm.PageSize, &sysStat)

	if len(freed) != 1 || freed[0] != [3]uintptr{0x444444441000, mm.PageSize, mm.PageSize} {
		t.Fatalf("expected only the heap block to be returned to the heap; got %v", freed)
	}

	if sysStat != 0 {
		t.Fatalf("expected stat counter to drop to 0; got %d", sysStat)
	}
}

func TestNanotime(t *testing.T) {
	defer restoreFns()

	var ticks uint64
	ticksFn = func() uint64 { return ticks }

	if got := nanotime(); got != 0 {
		t.Fatalf("expected nanotime to be 0 before the first tick; got %d", got)
	}

	ticks = 3
	if got := nanotime(); got != 3*nsPerTick {
		t.Fatalf("expected nanotime to be %d; got %d", 3*nsPerTick, got)
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
		kernelMapper, frameAlloc = nil, nil
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(nil, nil); err != errNoMapper {
		t.Fatalf("expected errNoMapper; got %v", err)
	}

	if len(calls) != 0 {
		t.Fatalf("expected no runtime init calls without a mapper; got %v", calls)
	}

	mapper := &vmm.Mapper{}
	if err := Init(mapper, mm.FrameAllocatorFunc(func() (mm.Frame, *kernel.Error) { return 0, nil })); err != nil {
		t.Fatal(err)
	}

	if exp := []string{"malloc", "alg", "modules", "typelinks", "itabs"}; !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected runtime init calls %v; got %v", exp, calls)
	}

	if kernelMapper != mapper {
		t.Fatal("expected Init to record the kernel mapper")
	}
}
