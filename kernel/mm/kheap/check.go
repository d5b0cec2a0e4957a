package kheap

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/sync"
)

var (
	errCheckMagic        = &kernel.Error{Module: "kheap", Message: "block header magic mismatch"}
	errCheckLinks        = &kernel.Error{Module: "kheap", Message: "physical block links are inconsistent"}
	errCheckTiling       = &kernel.Error{Module: "kheap", Message: "blocks do not tile the arena"}
	errCheckAdjacentFree = &kernel.Error{Module: "kheap", Message: "adjacent free blocks were not merged"}
	errCheckFreeList     = &kernel.Error{Module: "kheap", Message: "free list is inconsistent"}
)

// Check verifies the structural invariants of the heap: every header carries
// the magic marker, blocks tile the arena exactly, no two free blocks are
// adjacent and the free list contains exactly the free blocks in address
// order. It returns the first violation found.
func Check() *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	err := kernelHeap.check()
	if err != nil {
		kfmt.Printf("[kheap] check failed: %s\n", err.Message)
	}
	return err
}

func (h *heap) check() *kernel.Error {
	if h.start == 0 {
		return errNotInitialized
	}

	var (
		prev, prevBlock uintptr
		prevFree        bool
		freeBlocks      int
	)

	for block := h.start; ; block = nextPhys(block) {
		if block+headerSize > h.end {
			return errCheckTiling
		}

		bh := header(block)
		if bh.magic != blockMagic {
			return errCheckMagic
		}

		if bh.prevPhys != prevBlock {
			return errCheckLinks
		}

		free := !bh.used()
		if free && prevFree {
			return errCheckAdjacentFree
		}
		if free {
			freeBlocks++
		}

		end := block + headerSize + bh.size
		if end > h.end || (bh.last() && end != h.end) {
			return errCheckTiling
		}

		if bh.last() {
			break
		}
		prevBlock, prevFree = block, free
	}

	for block := h.freeList; block != 0; block = header(block).nextFree {
		bh := header(block)
		if bh.used() || bh.prevFree != prev || (prev != 0 && prev >= block) {
			return errCheckFreeList
		}

		freeBlocks--
		if freeBlocks < 0 {
			return errCheckFreeList
		}
		prev = block
	}

	if freeBlocks != 0 {
		return errCheckFreeList
	}

	return nil
}
