// Package heap implements the kernel heap: a single fixed virtual address
// range that is mapped at boot and then managed by a size-class allocator.
package heap

import (
	"coopos/kernel"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm"
	"coopos/kernel/mm/vmm"
	"coopos/kernel/sync"
)

type heapState uint8

const (
	stateUninitialized heapState = iota
	stateReady
)

// PageMapper is implemented by page table mappers that can back the heap
// range with physical frames.
type PageMapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, frameAlloc mm.FrameAllocator) *kernel.Error
}

var (
	heapLock  sync.Spinlock
	state     heapState
	allocator Allocator

	// heapStartAddr and heapSize describe the range Init hands to the
	// allocator. Tests back a smaller heap with Go memory.
	heapStartAddr = HeapStart
	heapSize      = HeapSize

	errHeapInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errOutOfMemory     = &kernel.Error{Module: "heap", Message: "out of memory"}
)

// Init maps every page of the heap range to a freshly allocated frame and
// hands the range to the allocator. Allocation requests issued before Init
// completes fail.
func Init(mapper PageMapper, frameAlloc mm.FrameAllocator) *kernel.Error {
	heapLock.Acquire()
	ready := state == stateReady
	heapLock.Release()
	if ready {
		return errHeapInitialized
	}

	var (
		startPage = mm.PageFromAddress(heapStartAddr)
		endPage   = mm.PageFromAddress(heapStartAddr + heapSize - 1)
		frame     mm.Frame
		err       *kernel.Error
	)

	for page := startPage; page <= endPage; page++ {
		if frame, err = frameAlloc.AllocFrame(); err != nil {
			return err
		}

		if err = mapper.Map(page, frame, vmm.FlagRW|vmm.FlagNoExecute, frameAlloc); err != nil {
			return err
		}
	}

	heapLock.Acquire()
	allocator.init(heapStartAddr, heapSize)
	state = stateReady
	heapLock.Release()

	kfmt.Printf("[heap] mapped %d Kb at 0x%x\n", uint64(heapSize/1024), heapStartAddr)
	return nil
}

// Alloc returns the address of a block of at least size bytes aligned to
// align or 0 if the heap is not initialized or is out of memory. align must
// be a power of two.
func Alloc(size, align uintptr) uintptr {
	heapLock.Acquire()
	defer heapLock.Release()

	if state != stateReady {
		return 0
	}

	return allocator.alloc(size, align)
}

// MustAlloc behaves like Alloc but panics with an out of memory error if the
// request cannot be satisfied. There is no backing store to grow into so
// callers cannot recover.
func MustAlloc(size, align uintptr) uintptr {
	addr := Alloc(size, align)
	if addr == 0 {
		panic(errOutOfMemory)
	}

	return addr
}

// Free returns a block obtained by Alloc. The size and alignment must match
// the values passed to Alloc. Addresses outside the heap range are ignored.
func Free(addr, size, align uintptr) {
	heapLock.Acquire()

	if state != stateReady || !allocator.contains(addr) {
		heapLock.Release()
		kfmt.Printf("[heap] ignoring free of non-heap address 0x%x\n", addr)
		return
	}

	allocator.free(addr, size, align)
	heapLock.Release()
}

// Contains returns true if addr points inside the heap range.
func Contains(addr uintptr) bool {
	heapLock.Acquire()
	defer heapLock.Release()

	return state == stateReady && allocator.contains(addr)
}

// Allocations returns the number of live allocations.
func Allocations() uint64 {
	heapLock.Acquire()
	defer heapLock.Release()

	return allocator.live
}
