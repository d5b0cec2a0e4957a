package pmm

import (
	"math"
	"math/bits"
	"unsafe"

	"gophermm/kernel/mm"
)

// bitmapAllocator tracks the state of every managed frame using one bit per
// frame. Bit i, counting from the least significant bit of word 0, is set iff
// frame (startFrame + i) is allocated.
type bitmapAllocator struct {
	// startFrame is the frame number for the first managed page.
	startFrame mm.Frame

	// totalFrames is the number of bits in use. Any trailing bits of the
	// last bitmap word are ignored.
	totalFrames uint32

	// freeCount tracks the number of clear bits so it can be reported in
	// O(1).
	freeCount uint32

	bitmap []uint64
}

// bitmapWords returns the number of 64-bit words needed to track totalFrames.
func bitmapWords(totalFrames uint32) uint32 {
	return (totalFrames + 63) >> 6
}

// init overlays the bitmap on top of the (already zeroed) memory at
// bitmapAddr and marks all frames as free.
func (alloc *bitmapAllocator) init(startFrame mm.Frame, totalFrames uint32, bitmapAddr uintptr) {
	alloc.startFrame = startFrame
	alloc.totalFrames = totalFrames
	alloc.freeCount = totalFrames
	alloc.bitmap = unsafe.Slice((*uint64)(mm.Ptr(bitmapAddr)), bitmapWords(totalFrames))
}

func (alloc *bitmapAllocator) isSet(index uint32) bool {
	return alloc.bitmap[index>>6]&(1<<(index&63)) != 0
}

func (alloc *bitmapAllocator) set(index uint32) {
	alloc.bitmap[index>>6] |= 1 << (index & 63)
	alloc.freeCount--
}

func (alloc *bitmapAllocator) clear(index uint32) {
	alloc.bitmap[index>>6] &^= 1 << (index & 63)
	alloc.freeCount++
}

// reserveRange marks the frames that overlap [startAddr, endAddr) as
// allocated. Frames outside the managed range are ignored.
func (alloc *bitmapAllocator) reserveRange(startAddr, endAddr uintptr) {
	last := mm.FrameFromAddress(endAddr + mm.PageSize - 1)
	for frame := mm.FrameFromAddress(startAddr); frame < last; frame++ {
		index, ok := alloc.indexOf(frame)
		if !ok || alloc.isSet(index) {
			continue
		}
		alloc.set(index)
	}
}

// indexOf returns the bitmap index for frame if it falls inside the managed
// range.
func (alloc *bitmapAllocator) indexOf(frame mm.Frame) (uint32, bool) {
	if frame < alloc.startFrame || frame-alloc.startFrame >= mm.Frame(alloc.totalFrames) {
		return 0, false
	}
	return uint32(frame - alloc.startFrame), true
}

// firstFree returns the index of the lowest clear bit. Fully allocated words
// are skipped without inspecting individual bits.
func (alloc *bitmapAllocator) firstFree() (uint32, bool) {
	for wordIndex, word := range alloc.bitmap {
		if word == math.MaxUint64 {
			continue
		}

		index := uint32(wordIndex<<6 + bits.TrailingZeros64(^word))
		if index >= alloc.totalFrames {
			break
		}
		return index, true
	}

	return 0, false
}

// firstFreeRun returns the index of the first run of count clear bits. When
// an allocated frame interrupts a run, the search resumes with the frame
// after it.
func (alloc *bitmapAllocator) firstFreeRun(count uint32) (uint32, bool) {
	var runStart, runLen uint32

	for index := uint32(0); index < alloc.totalFrames; {
		if index&63 == 0 && alloc.bitmap[index>>6] == math.MaxUint64 {
			runLen = 0
			index += 64
			continue
		}

		if alloc.isSet(index) {
			runLen = 0
			index++
			continue
		}

		if runLen == 0 {
			runStart = index
		}
		runLen++
		if runLen == count {
			return runStart, true
		}
		index++
	}

	return 0, false
}

// usedCount returns the number of set bits.
func (alloc *bitmapAllocator) usedCount() uint32 {
	var count int
	for _, word := range alloc.bitmap {
		count += bits.OnesCount64(word)
	}
	return uint32(count)
}
