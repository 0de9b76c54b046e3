// Package vmm manages the active 4-level page table through the constant
// offset at which the bootstrap stage maps all of physical memory.
package vmm

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/mm"
	"coopos/kernel/sync"
	"sync/atomic"
	"unsafe"
)

var (
	// activePDTFn and flushTLBEntryFn are used by tests to override calls
	// that would fault when executed in user-mode.
	activePDTFn     = cpu.ActivePDT
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to intercept page table accesses. When compiling the
	// kernel this function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// mapperInitialized is set by the first Init call.
	mapperInitialized uint32

	// kernelMapper is the page table mapper returned by Init.
	kernelMapper Mapper

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPageAlreadyMapped is returned by Map when the page already maps a different frame.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different frame"}

	// ErrMapperInitialized is returned by Init when called more than once.
	ErrMapperInitialized = &kernel.Error{Module: "vmm", Message: "page table mapper already initialized"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Mapper provides access to the active page table hierarchy. Page tables are
// reached through the physical memory view located at physOffset, so no
// recursive mapping or temporary mappings are required.
type Mapper struct {
	lock sync.Spinlock

	physOffset uintptr
	root       mm.Frame
}

// Init returns the page table mapper for the currently active page table.
// The bootstrap stage must have mapped the complete physical address space at
// physOffset. Init may only be called once; subsequent calls return
// ErrMapperInitialized as a second mapper would alias the live page tables.
func Init(physOffset uintptr) (*Mapper, *kernel.Error) {
	if !atomic.CompareAndSwapUint32(&mapperInitialized, 0, 1) {
		return nil, ErrMapperInitialized
	}

	kernelMapper.physOffset = physOffset
	kernelMapper.root = mm.FrameFromAddress(activePDTFn() & ptePhysPageMask)
	return &kernelMapper, nil
}

// PhysToVirt returns the virtual address through which the kernel can access
// the supplied physical address.
func (m *Mapper) PhysToVirt(physAddr uintptr) uintptr {
	return m.physOffset + physAddr
}

// entry returns a pointer to the index-th entry of the table stored in the
// supplied frame.
func (m *Mapper) entry(table mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(m.physOffset + table.Address() + (index << mm.PointerShift)))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry that
// corresponds to each page table level. Once walkFn returns, the frame stored
// in the entry is followed to reach the next level so walkFn may populate
// missing entries. The walk stops when walkFn returns false.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		table      = m.root
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = m.entry(table, entryIndex)

		if !walkFn(level, pte) {
			return
		}

		table = pte.Frame()
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. 1G and 2M pages installed by the
// bootstrap stage are supported.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// A huge page entry maps the remaining address bits directly
		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated from frameAlloc and cleared before
// being linked into the hierarchy.
//
// Mapping a page that already points to the same frame only updates its flags.
// If the page points to a different frame, Map returns ErrPageAlreadyMapped.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, frameAlloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	m.lock.Acquire()
	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = ErrPageAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return false
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = frameAlloc.AllocFrame(); err != nil {
				return false
			}

			kernel.Memset(m.PhysToVirt(tableFrame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})
	m.lock.Release()

	return err
}

// Unmap removes the mapping for the supplied page and returns the frame it
// pointed to. The frame is not released.
func (m *Mapper) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   *kernel.Error
	)

	m.lock.Acquire()
	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			*pte = 0
			flushTLBEntryFn(page.Address())
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})
	m.lock.Release()

	return frame, err
}
