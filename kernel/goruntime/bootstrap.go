// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator on top of the kernel page mapper and heap.
package goruntime

import (
	"coopos/kernel"
	"coopos/kernel/irq"
	"coopos/kernel/mm"
	"coopos/kernel/mm/heap"
	"coopos/kernel/mm/vmm"
	"unsafe"
)

// nsPerTick approximates the period of the PIT running at its power-on
// frequency of 1193182/65536 Hz.
const nsPerTick = 54925439

var (
	kernelMapper *vmm.Mapper
	frameAlloc   mm.FrameAllocator

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mapFn           = mapPage
	translateFn     = translate
	reserveRegionFn = vmm.ReserveRegion
	memsetFn        = kernel.Memset
	heapAllocFn     = heap.Alloc
	heapFreeFn      = heap.Free
	heapContainsFn  = heap.Contains
	ticksFn         = irq.Ticks
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit
	mSysStatIncFn   = mSysStatInc
	mSysStatDecFn   = mSysStatDec

	// prngState seeds the xorshift generator used by getRandomData.
	prngState uint32 = 0xdeadc0de

	errNoMapper    = &kernel.Error{Module: "goruntime", Message: "no page mapper supplied"}
	errOutOfMemory = &kernel.Error{Module: "goruntime", Message: "out of memory"}
)

func mapPage(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return kernelMapper.Map(page, frame, flags, frameAlloc)
}

func translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return kernelMapper.Translate(virtAddr)
}

func roundUpToPage(size uintptr) uintptr {
	return (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

// aliasHeapBlock maps the pages of the page-aligned region [start, start+size)
// to the physical frames that back the heap block at heapAddr. It returns
// false if a heap page cannot be translated or an alias cannot be mapped.
//
//go:nosplit
func aliasHeapBlock(start, heapAddr, size uintptr) bool {
	mapFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		physAddr, err := translateFn(heapAddr + offset)
		if err != nil {
			return false
		}

		if err = mapFn(mm.PageFromAddress(start+offset), mm.FrameFromAddress(physAddr), mapFlags); err != nil {
			return false
		}
	}

	return true
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	regionStartAddr, err := reserveRegionFn(roundUpToPage(size))
	if err != nil {
		panic(err)
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a region previously reserved via sysReserve with zeroed
// memory carved out of the kernel heap. The reserved pages become aliases of
// the heap block's frames.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	// The allocator only calls sysMap with addresses inside a reserved region.
	regionStartAddr := (uintptr(virtAddr) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionSize := roundUpToPage(size)

	heapAddr := heapAllocFn(regionSize, mm.PageSize)
	if heapAddr == 0 {
		panic(errOutOfMemory)
	}

	memsetFn(heapAddr, 0, regionSize)
	if !aliasHeapBlock(regionStartAddr, heapAddr, regionSize) {
		panic(errOutOfMemory)
	}

	mSysStatIncFn(sysStat, regionSize)
}

// sysAlloc returns zeroed, page-aligned memory from the kernel heap for the
// runtime's internal structures or nil if the heap is exhausted.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := roundUpToPage(size)

	addr := heapAllocFn(regionSize, mm.PageSize)
	if addr == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	memsetFn(addr, 0, regionSize)
	mSysStatIncFn(sysStat, regionSize)
	return unsafe.Pointer(addr)
}

// sysFree returns memory obtained by sysAlloc to the heap. Regions passed to
// sysMap are never unmapped so their heap blocks are not reclaimed.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(v unsafe.Pointer, size uintptr, sysStat *uint64) {
	regionSize := roundUpToPage(size)
	if heapContainsFn(uintptr(v)) {
		heapFreeFn(uintptr(v), regionSize, mm.PageSize)
	}

	mSysStatDecFn(sysStat, regionSize)
}

// nanotime returns a monotonically increasing clock value derived from the
// timer interrupt tick count.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() int64 {
	return int64(ticksFn() * nsPerTick)
}

// getRandomData populates the given slice with random data. The runtime
// reads /dev/urandom which is not available so a xorshift generator is used
// instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngState ^= prngState << 13
		prngState ^= prngState >> 17
		prngState ^= prngState << 5
		r[i] = byte(prngState >> 8)
	}
}

// Init enables support for various Go runtime features. Memory requested by
// the Go allocator is carved out of the kernel heap, which must be ready;
// mapper and frameAllocator establish the aliases for reserved regions. After a
// call to Init the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init(mapper *vmm.Mapper, frameAllocator mm.FrameAllocator) *kernel.Error {
	if mapper == nil || frameAllocator == nil {
		return errNoMapper
	}

	kernelMapper = mapper
	frameAlloc = frameAllocator

	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    uint64
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysFree(sysAlloc(0, &stat), 0, &stat)
	getRandomData(nil)
	stat = uint64(nanotime())
}
