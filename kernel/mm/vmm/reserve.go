package vmm

import (
	"coopos/kernel"
	"coopos/kernel/mm"
)

var (
	// reserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// reserveWindowEnd.
	reserveLastUsed = reserveWindowEnd

	errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// ReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// Regions are handed out from a fixed window of the address space that the
// bootstrap stage leaves unused; reservations are never returned.
func ReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	if size > reserveLastUsed-reserveWindowStart {
		return 0, errReserveNoSpace
	}

	reserveLastUsed -= size
	return reserveLastUsed, nil
}
