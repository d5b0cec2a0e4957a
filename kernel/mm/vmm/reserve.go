package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

var (
	// nextReserveAddr tracks the start of the unreserved part of the
	// kernel region.
	nextReserveAddr = KernelRegionBase

	errReserveNoSpace   = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errReserveEmptySize = &kernel.Error{Module: "vmm", Message: "reservation size must be greater than zero"}
)

// ReserveRegion reserves a contiguous, page-aligned region of kernel virtual
// address space of at least size bytes and returns its start address. The
// region is not backed by physical memory; callers map it themselves.
// Reservations are never released.
func ReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errReserveEmptySize
	}

	defer sync.DisableInterrupts().Restore()

	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)

	// The region must end before the recursive page table windows and the
	// size must not have overflowed while rounding.
	if size == 0 || size > recursiveRegionStart-nextReserveAddr {
		return 0, errReserveNoSpace
	}

	start := nextReserveAddr
	nextReserveAddr += size
	return start, nil
}
