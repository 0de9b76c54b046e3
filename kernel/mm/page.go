// Package mm defines the physical frame and virtual page types shared by the
// memory management packages together with the frame allocator contract.
package mm

import (
	"coopos/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by physical frame sources. Ownership of a
// returned frame passes to the caller; frames are never handed out twice.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
}

// FrameAllocatorFunc adapts a plain function to the FrameAllocator interface.
type FrameAllocatorFunc func() (Frame, *kernel.Error)

// AllocFrame calls f.
func (f FrameAllocatorFunc) AllocFrame() (Frame, *kernel.Error) { return f() }

var (
	// frameAllocator is the system-wide frame source registered via
	// SetFrameAllocator.
	frameAllocator FrameAllocator

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the frame allocator used by code that has no
// explicit frame source in scope (e.g. the Go runtime memory bridge).
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// AllocFrame allocates a new physical frame using the registered frame
// allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator.AllocFrame()
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
