// Package pmm implements the physical frame allocator.
//
// Physical memory starting at ManagedMemoryStart is tracked by a bitmap with
// one bit per frame. Memory below ManagedMemoryStart (real-mode structures,
// BIOS data, the kernel image and the boot page tables) is never handed out
// and is treated as permanently allocated.
package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

const (
	// ManagedMemoryStart is the physical address of the first frame that
	// the allocator manages.
	ManagedMemoryStart = uintptr(1 * mm.Mb)
)

var (
	// ErrOutOfMemory is returned when no frame (or run of frames) is
	// available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errInvalidCount       = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator already initialized"}
	errNotEnoughMemory    = &kernel.Error{Module: "pmm", Message: "physical memory does not extend past the managed memory start"}

	// fatalFn is mocked by tests and is automatically inlined by the
	// compiler.
	fatalFn = kfmt.Fatal

	bootAllocator  bootMemAllocator
	frameAllocator bitmapAllocator
	initialized    bool
)

// Init sets up the frame allocator for a machine with totalMemory bytes of
// RAM. The bitmap is placed in the frames that follow the kernel image and
// both the kernel image and the bitmap frames are marked as allocated if they
// overlap the managed range. Init also registers AllocFrame as the frame
// source for the vmm package.
func Init(totalMemory mm.Size, kernelStart, kernelEnd uintptr) *kernel.Error {
	if initialized {
		return errAlreadyInitialized
	}

	memEnd := uintptr(totalMemory) &^ (mm.PageSize - 1)
	if memEnd <= ManagedMemoryStart {
		return errNotEnoughMemory
	}

	var (
		totalFrames = uint32((memEnd - ManagedMemoryStart) >> mm.PageShift)
		bitmapBytes = uintptr(bitmapWords(totalFrames)) << 3
		bitmapPages = (bitmapBytes + mm.PageSize - 1) >> mm.PageShift
		bitmapAddr  uintptr
	)

	bootAllocator.init(kernelEnd, memEnd)
	for page := uintptr(0); page < bitmapPages; page++ {
		frame, err := bootAllocator.AllocFrame()
		if err != nil {
			return err
		}

		if page == 0 {
			bitmapAddr = frame.Address()
		}
	}

	defer sync.DisableInterrupts().Restore()

	bitmapEnd := bitmapAddr + bitmapPages<<mm.PageShift
	mm.Memset(bitmapAddr, 0, bitmapEnd-bitmapAddr)
	frameAllocator.init(mm.FrameFromAddress(ManagedMemoryStart), totalFrames, bitmapAddr)
	frameAllocator.reserveRange(kernelStart, kernelEnd)
	frameAllocator.reserveRange(bitmapAddr, bitmapEnd)

	mm.SetFrameAllocator(AllocFrame)
	initialized = true

	printMemoryMap(memEnd, bitmapAddr, bitmapPages)
	return nil
}

func printMemoryMap(memEnd, bitmapAddr, bitmapPages uintptr) {
	kfmt.Printf("[pmm] physical memory: %d KB, managed range [0x%x - 0x%x)\n",
		uint64(memEnd/uintptr(mm.Kb)), ManagedMemoryStart, memEnd,
	)
	kfmt.Printf("[pmm] frame bitmap: %d page(s) at 0x%x\n", bitmapPages, bitmapAddr)
	kfmt.Printf("[pmm] frames: %d total, %d reserved, %d free\n",
		frameAllocator.totalFrames,
		frameAllocator.totalFrames-frameAllocator.freeCount,
		frameAllocator.freeCount,
	)
}

// AllocFrame reserves the lowest free frame. It returns ErrOutOfMemory if all
// frames are allocated.
func AllocFrame() (mm.Frame, *kernel.Error) {
	defer sync.DisableInterrupts().Restore()

	index, ok := frameAllocator.firstFree()
	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frameAllocator.set(index)
	return frameAllocator.startFrame + mm.Frame(index), nil
}

// AllocFrames reserves the first run of count physically contiguous frames
// and returns the first frame of the run. It returns ErrOutOfMemory if no such
// run exists; the allocator never compacts memory to create one.
func AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		kfmt.Printf("[pmm] AllocFrames: rejecting request for 0 frames\n")
		return mm.InvalidFrame, errInvalidCount
	}

	defer sync.DisableInterrupts().Restore()

	first, ok := frameAllocator.firstFreeRun(count)
	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for index := first; index < first+count; index++ {
		frameAllocator.set(index)
	}
	return frameAllocator.startFrame + mm.Frame(first), nil
}

// FreeFrame releases a frame previously obtained by AllocFrame or
// AllocFrames. Frames below ManagedMemoryStart are ignored and frames past the
// end of physical memory are ignored with a warning. Releasing a frame that
// is not allocated is an integrity violation and halts the kernel.
func FreeFrame(frame mm.Frame) {
	defer sync.DisableInterrupts().Restore()
	freeFrame(frame, "FreeFrame")
}

// FreeFrames releases count consecutive frames starting at frame using the
// same rules as FreeFrame.
func FreeFrames(frame mm.Frame, count uint32) {
	defer sync.DisableInterrupts().Restore()

	for i := uint32(0); i < count; i++ {
		if !freeFrame(frame+mm.Frame(i), "FreeFrames") {
			return
		}
	}
}

// freeFrame returns false if releasing the frame triggered a fatal error.
func freeFrame(frame mm.Frame, op string) bool {
	if frame < frameAllocator.startFrame {
		return true
	}

	index, ok := frameAllocator.indexOf(frame)
	if !ok {
		kfmt.Printf("[pmm] %s: ignoring frame 0x%x beyond the end of physical memory\n", op, frame.Address())
		return true
	}

	if !frameAllocator.isSet(index) {
		fatalFn(kernel.Fatal{
			Kind:     kernel.FatalDoubleFree,
			Module:   "pmm",
			Op:       op,
			Addr:     frame.Address(),
			Expected: 1,
			Found:    0,
		})
		return false
	}

	frameAllocator.clear(index)
	return true
}

// TotalFrames returns the number of frames managed by the allocator.
func TotalFrames() uint32 {
	return frameAllocator.totalFrames
}

// FreeFrameCount returns the number of frames that are currently free.
func FreeFrameCount() uint32 {
	return frameAllocator.freeCount
}
