package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to reserve the backing storage for the frame bitmap before the bitmap
// allocator becomes available.
//
// Frames are handed out in increasing address order starting at the first page
// after the kernel image, so consecutive allocations are physically
// contiguous. Frames allocated by it can never be freed; the bitmap allocator
// marks them as reserved once it is initialized.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint32

	// nextAddr is the physical address of the next frame to hand out and
	// limitAddr the end of physical memory.
	nextAddr, limitAddr uintptr
}

// init sets up the boot memory allocator so that it starts allocating from
// the page following kernelEnd.
func (alloc *bootMemAllocator) init(kernelEnd, memEnd uintptr) {
	alloc.allocCount = 0
	alloc.nextAddr = (kernelEnd + mm.PageSize - 1) &^ (mm.PageSize - 1)
	alloc.limitAddr = memEnd
}

// AllocFrame reserves the next available frame. It returns an error if no
// more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.nextAddr+mm.PageSize > alloc.limitAddr {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	frame := mm.FrameFromAddress(alloc.nextAddr)
	alloc.nextAddr += mm.PageSize
	alloc.allocCount++
	return frame, nil
}
