// Package kmain brings up the memory manager: the frame allocator, the
// recursive page table mapping and the kernel heap, in that order.
package kmain

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kheap"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
)

// DefaultHeapSize is used when BootInfo does not specify a heap size.
const DefaultHeapSize = 1 * mm.Mb

// BootInfo describes the machine handed over by the boot loader.
type BootInfo struct {
	// TotalMemory is the amount of physical RAM.
	TotalMemory mm.Size

	// Physical bounds of the loaded kernel image; KernelEnd is exclusive.
	KernelStart uintptr
	KernelEnd   uintptr

	// HeapSize is the size of the kernel heap arena. It is rounded up to
	// a page multiple.
	HeapSize mm.Size
}

var (
	// The following functions are mocked by tests.
	pmmInitFn       = pmm.Init
	vmmInitFn       = vmm.Init
	reserveRegionFn = vmm.ReserveRegion
	allocFramesFn   = pmm.AllocFrames
	freeFramesFn    = pmm.FreeFrames
	mapRangeFn      = vmm.MapRange
	heapInitFn      = kheap.Init
	panicFn         = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is invoked by the rt0 code once a stack and the boot page tables are
// in place. It brings up the memory manager and never returns: any failure
// while doing so is unrecoverable and results in a kernel panic.
//
//go:noinline
func Kmain(info BootInfo) {
	if err := Boot(info); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// Boot initializes the physical frame allocator, installs the recursive page
// table mapping and sets up the kernel heap. Unlike Kmain it reports failures
// to the caller.
func Boot(info BootInfo) *kernel.Error {
	var err *kernel.Error
	if err = pmmInitFn(info.TotalMemory, info.KernelStart, info.KernelEnd); err != nil {
		return err
	} else if err = vmmInitFn(); err != nil {
		return err
	} else if err = setupHeap(info.HeapSize); err != nil {
		return err
	}

	kfmt.Printf("[kmain] memory manager online: %d/%d frames free\n", pmm.FreeFrameCount(), pmm.TotalFrames())
	return nil
}

// setupHeap reserves a kernel virtual region for the heap arena, backs it
// with physically contiguous frames and hands it to the heap allocator.
func setupHeap(size mm.Size) *kernel.Error {
	if size == 0 {
		size = DefaultHeapSize
	}

	pageCount := size.Pages()
	arenaSize := uintptr(pageCount) << mm.PageShift

	arenaStart, err := reserveRegionFn(arenaSize)
	if err != nil {
		return err
	}

	frame, err := allocFramesFn(pageCount)
	if err != nil {
		return err
	}

	if err = mapRangeFn(mm.PageFromAddress(arenaStart), frame, pageCount, vmm.FlagWritable|vmm.FlagNoExecute); err != nil {
		freeFramesFn(frame, pageCount)
		return err
	}

	kfmt.Printf("[kmain] heap arena at 0x%16x backed by frames [0x%x - 0x%x)\n",
		arenaStart, frame.Address(), frame.Address()+arenaSize,
	)
	return heapInitFn(arenaStart, arenaSize)
}
