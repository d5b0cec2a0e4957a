package kheap

import (
	"unsafe"

	"gophermm/kernel"
	"gophermm/kernel/mm"
)

const (
	// alignment is the alignment of every block header and payload.
	alignment = uintptr(16)

	// minPayload is the smallest payload handed out by the allocator.
	minPayload = uintptr(16)

	// blockMagic marks a valid block header ("KHEAPBLK").
	blockMagic = uint64(0x4b48454150424c4b)

	// mergedMagic replaces the magic of a header that was absorbed by its
	// physical predecessor.
	mergedMagic = uint64(0x4d45524745444b48)

	// alignedTag occupies the upper 32 bits of the word stored just before
	// a pointer returned by AllocAligned; the lower 32 bits hold the
	// distance back to the start of the payload.
	alignedTag = uint64(0xa11c0ff5)
)

type blockFlag uintptr

const (
	blockUsed blockFlag = 1 << iota
	blockLast
)

// blockHeader precedes every block in the arena. Links are arena addresses;
// 0 marks the end of a list. magic is the last field so the word right before
// a payload is always the header magic.
type blockHeader struct {
	// size is the payload size in bytes.
	size uintptr

	// prevPhys is the address of the block that physically precedes this
	// one or 0 for the first block in the arena.
	prevPhys uintptr

	// free list links; only meaningful while the block is free.
	nextFree uintptr
	prevFree uintptr

	flags blockFlag
	magic uint64
}

// headerSize is a multiple of alignment so payloads stay aligned.
const headerSize = unsafe.Sizeof(blockHeader{})

func header(block uintptr) *blockHeader {
	return (*blockHeader)(mm.Ptr(block))
}

func (b *blockHeader) used() bool { return b.flags&blockUsed != 0 }
func (b *blockHeader) last() bool { return b.flags&blockLast != 0 }

func roundUp(size uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

// nextPhys returns the address of the block following block. It must not be
// called for the last block.
func nextPhys(block uintptr) uintptr {
	return block + headerSize + header(block).size
}

// insertFree links block into the free list keeping it sorted by address.
func (h *heap) insertFree(block uintptr) {
	var prev uintptr
	next := h.freeList
	for next != 0 && next < block {
		prev, next = next, header(next).nextFree
	}

	bh := header(block)
	bh.prevFree, bh.nextFree = prev, next
	if prev == 0 {
		h.freeList = block
	} else {
		header(prev).nextFree = block
	}
	if next != 0 {
		header(next).prevFree = block
	}
}

func (h *heap) removeFree(block uintptr) {
	bh := header(block)
	if bh.prevFree == 0 {
		h.freeList = bh.nextFree
	} else {
		header(bh.prevFree).nextFree = bh.nextFree
	}
	if bh.nextFree != 0 {
		header(bh.nextFree).prevFree = bh.prevFree
	}
	bh.prevFree, bh.nextFree = 0, 0
}

// split carves a payload of exactly size bytes out of block if the remainder
// can hold a header and a minimum payload. The remainder becomes a free block
// whose address is returned; 0 is returned if block was left intact.
func (h *heap) split(block, size uintptr) uintptr {
	bh := header(block)
	if bh.size < size+headerSize+minPayload {
		return 0
	}

	rem := block + headerSize + size
	*header(rem) = blockHeader{
		size:     bh.size - size - headerSize,
		prevPhys: block,
		flags:    bh.flags & blockLast,
		magic:    blockMagic,
	}

	bh.size = size
	bh.flags &^= blockLast
	if !header(rem).last() {
		header(nextPhys(rem)).prevPhys = rem
	}

	h.insertFree(rem)
	return rem
}

// absorbNext merges the free block that physically follows block into it.
func (h *heap) absorbNext(block uintptr) {
	bh := header(block)
	next := nextPhys(block)
	nh := header(next)

	h.removeFree(next)
	bh.size += headerSize + nh.size
	bh.flags |= nh.flags & blockLast
	nh.magic = mergedMagic

	if !bh.last() {
		header(nextPhys(block)).prevPhys = block
	}
}

// coalesce merges the free block with its free physical neighbours and
// returns the address of the resulting block.
func (h *heap) coalesce(block uintptr) uintptr {
	bh := header(block)
	if !bh.last() && !header(nextPhys(block)).used() {
		h.absorbNext(block)
	}

	if prev := bh.prevPhys; prev != 0 && !header(prev).used() {
		h.absorbNext(prev)
		block = prev
	}

	return block
}

// lookup maps a pointer returned by one of the allocation functions back to
// its block. The returned offset is non-zero for pointers adjusted by
// AllocAligned. When ok is false, f describes the integrity violation.
func (h *heap) lookup(ptr uintptr) (block, offset uintptr, f kernel.Fatal, ok bool) {
	if ptr < h.start+headerSize || ptr >= h.end {
		return 0, 0, kernel.Fatal{Kind: kernel.FatalOutOfRange, Addr: ptr, Expected: h.start, Found: ptr}, false
	}

	if word := *(*uint64)(mm.Ptr(ptr - 8)); word>>32 == alignedTag {
		offset = uintptr(word & 0xffffffff)
	}

	block = ptr - offset - headerSize
	if offset != 0 && (block < h.start || block >= h.end) {
		return 0, 0, kernel.Fatal{Kind: kernel.FatalOutOfRange, Addr: ptr, Expected: h.start, Found: block}, false
	}

	switch magic := header(block).magic; magic {
	case blockMagic:
	case mergedMagic:
		return 0, 0, kernel.Fatal{Kind: kernel.FatalDoubleFree, Addr: ptr, Expected: uintptr(blockMagic), Found: uintptr(magic)}, false
	default:
		return 0, 0, kernel.Fatal{Kind: kernel.FatalCorruptHeader, Addr: block, Expected: uintptr(blockMagic), Found: uintptr(magic)}, false
	}

	return block, offset, kernel.Fatal{}, true
}
