// Package pmm implements the physical frame allocator used by the kernel.
package pmm

import (
	"coopos/kernel"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm"
	"coopos/multiboot"
)

var (
	// bootInfoAllocator is the frame allocator instance returned by Init.
	bootInfoAllocator BootInfoAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// frameRange describes the frames in [start, end).
type frameRange struct {
	start, end mm.Frame
}

// BootInfoAllocator hands out the physical frames of the usable regions
// reported by the bootloader memory map, skipping the frames occupied by the
// kernel image.
//
// The allocator walks the regions once, in the order they were reported, and
// never reclaims frames. This is sufficient for a kernel that never unmaps
// memory it hands to the page tables or the heap.
type BootInfoAllocator struct {
	regions []multiboot.MemoryRegion

	// Allocation cursor: the region being drained, which of its (at most
	// two) kernel-free ranges is in use and the next frame of that range.
	regionIndex int
	rangeIndex  int
	nextFrame   mm.Frame

	allocated uint64

	// The kernel image location; its frames are excluded.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// Init sets up the boot info frame allocator over the supplied memory map,
// prints the map and registers the allocator as the system-wide frame source.
func Init(regions []multiboot.MemoryRegion, kernelStart, kernelEnd uintptr) *BootInfoAllocator {
	bootInfoAllocator.init(regions, kernelStart, kernelEnd)
	bootInfoAllocator.PrintMemoryMap()
	mm.SetFrameAllocator(&bootInfoAllocator)

	return &bootInfoAllocator
}

// init resets the allocator state and records the kernel image location.
// Passing a zero kernelEnd disables the kernel image exclusion.
func (alloc *BootInfoAllocator) init(regions []multiboot.MemoryRegion, kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := mm.PageSize - 1

	alloc.regions = regions
	alloc.regionIndex, alloc.rangeIndex, alloc.nextFrame = 0, 0, 0
	alloc.allocated = 0
	alloc.kernelStartAddr, alloc.kernelEndAddr = kernelStart, kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
}

// usableRanges splits a usable region into (at most) two frame ranges that
// exclude the kernel image.
func (alloc *BootInfoAllocator) usableRanges(region multiboot.MemoryRegion) [2]frameRange {
	var (
		ranges         [2]frameRange
		pageSizeMinus1 = uint64(mm.PageSize - 1)

		// Reported addresses may not be page-aligned; round up to get the
		// start frame and round down to get the end frame.
		start = mm.Frame(((region.Start + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		end   = mm.Frame((region.End & ^pageSizeMinus1) >> mm.PageShift)
	)

	if end <= start {
		return ranges
	}

	if alloc.kernelEndAddr == 0 || alloc.kernelEndFrame <= start || alloc.kernelStartFrame >= end {
		ranges[0] = frameRange{start, end}
		return ranges
	}

	if alloc.kernelStartFrame > start {
		ranges[0] = frameRange{start, alloc.kernelStartFrame}
	}
	if alloc.kernelEndFrame < end {
		ranges[1] = frameRange{alloc.kernelEndFrame, end}
	}

	return ranges
}

// AllocFrame returns the next free frame from the usable memory regions.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootInfoAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for ; alloc.regionIndex < len(alloc.regions); alloc.regionIndex++ {
		region := alloc.regions[alloc.regionIndex]
		if !region.Usable() {
			alloc.rangeIndex = 0
			continue
		}

		ranges := alloc.usableRanges(region)
		for ; alloc.rangeIndex < len(ranges); alloc.rangeIndex++ {
			r := ranges[alloc.rangeIndex]
			if alloc.nextFrame < r.start {
				alloc.nextFrame = r.start
			}

			if alloc.nextFrame < r.end {
				frame := alloc.nextFrame
				alloc.nextFrame++
				alloc.allocated++
				return frame, nil
			}

			alloc.nextFrame = 0
		}

		alloc.rangeIndex = 0
	}

	return mm.InvalidFrame, errBootAllocOutOfMemory
}

// Allocated returns the number of frames handed out so far.
func (alloc *BootInfoAllocator) Allocated() uint64 {
	return alloc.allocated
}

// PrintMemoryMap prints out the system's memory map as reported by the
// bootloader.
func (alloc *BootInfoAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	for _, region := range alloc.regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.Size(), region.Kind.String())

		if region.Usable() {
			totalFree += mm.Size(region.Size())
		}
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	if alloc.kernelEndAddr != 0 {
		kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	}
}
