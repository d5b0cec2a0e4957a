package kheap

import (
	"gophermm/kernel/kfmt"
	"gophermm/kernel/sync"
)

// Stats describes the state of the heap arena.
type Stats struct {
	// ArenaSize is the size of the (aligned) arena in bytes.
	ArenaSize uintptr

	// Payload bytes held by used and free blocks.
	UsedBytes uintptr
	FreeBytes uintptr

	UsedBlocks uint32
	FreeBlocks uint32

	// LargestFree is the payload size of the largest free block.
	LargestFree uintptr

	// Overhead is the number of bytes taken up by block headers.
	Overhead uintptr

	// AllocCount is the number of successful allocations since Init.
	AllocCount uint64
}

// GetStats walks every block in the arena and returns its usage figures.
func GetStats() Stats {
	defer sync.DisableInterrupts().Restore()
	return kernelHeap.stats()
}

func (h *heap) stats() Stats {
	st := Stats{
		ArenaSize:  h.end - h.start,
		AllocCount: h.allocCount,
	}

	if h.start == 0 {
		return st
	}

	for block := h.start; ; block = nextPhys(block) {
		bh := header(block)
		st.Overhead += headerSize

		if bh.used() {
			st.UsedBlocks++
			st.UsedBytes += bh.size
		} else {
			st.FreeBlocks++
			st.FreeBytes += bh.size
			if bh.size > st.LargestFree {
				st.LargestFree = bh.size
			}
		}

		if bh.last() {
			break
		}
	}

	return st
}

// PrintStats logs the current heap usage.
func PrintStats() {
	st := GetStats()

	kfmt.Printf("[kheap] arena: %d bytes, %d allocations since init\n", st.ArenaSize, st.AllocCount)
	kfmt.Printf("[kheap] used: %d bytes in %d blocks\n", st.UsedBytes, st.UsedBlocks)
	kfmt.Printf("[kheap] free: %d bytes in %d blocks (largest: %d)\n", st.FreeBytes, st.FreeBlocks, st.LargestFree)
	kfmt.Printf("[kheap] header overhead: %d bytes\n", st.Overhead)
}
