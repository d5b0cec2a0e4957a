// Package kheap implements the kernel heap: a best-fit allocator that carves
// variable sized blocks out of a single, already mapped, virtual arena.
//
// Every block starts with a blockHeader. Blocks tile the arena without gaps
// and free blocks are additionally kept in a doubly linked list sorted by
// address. Freed blocks are merged with their free physical neighbours
// immediately so no two free blocks are ever adjacent.
package kheap

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

const (
	// MaxAllocSize is the largest request accepted by the allocation
	// functions.
	MaxAllocSize = uintptr(1 << 30)
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	errNotInitialized   = &kernel.Error{Module: "kheap", Message: "heap not initialized"}
	errArenaTooSmall    = &kernel.Error{Module: "kheap", Message: "arena too small"}
	errInvalidSize      = &kernel.Error{Module: "kheap", Message: "invalid allocation size"}
	errInvalidAlignment = &kernel.Error{Module: "kheap", Message: "alignment must be a power of two"}
	errInvalidPointer   = &kernel.Error{Module: "kheap", Message: "pointer does not belong to a live allocation"}

	// fatalFn is mocked by tests and is automatically inlined by the
	// compiler.
	fatalFn = kfmt.Fatal

	kernelHeap heap
)

type heap struct {
	// arena bounds; end is exclusive.
	start, end uintptr

	// freeList points to the free block with the lowest address.
	freeList uintptr

	// allocCount counts successful allocations since Init.
	allocCount uint64
}

// Init sets up the heap on top of the mapped region [start, start+size).
// start is aligned up to the heap alignment and size shrunk accordingly. Any
// previously managed arena is discarded.
func Init(start, size uintptr) *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	alignedStart := roundUp(start)
	if size < alignedStart-start+headerSize+minPayload {
		kfmt.Printf("[kheap] refusing arena of %d bytes at 0x%x\n", size, start)
		return errArenaTooSmall
	}
	size = (size - (alignedStart - start)) &^ (alignment - 1)

	kernelHeap = heap{start: alignedStart, end: alignedStart + size}
	*header(alignedStart) = blockHeader{
		size:  size - headerSize,
		flags: blockLast,
		magic: blockMagic,
	}
	kernelHeap.freeList = alignedStart

	kfmt.Printf("[kheap] arena [0x%x - 0x%x), %d bytes\n", kernelHeap.start, kernelHeap.end, size)
	return nil
}

// Alloc returns a pointer to a payload of at least size bytes. The payload is
// aligned to 16 bytes.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	defer sync.DisableInterrupts().Restore()
	return kernelHeap.alloc(size)
}

// AllocZeroed behaves like Alloc but also clears the returned payload.
func AllocZeroed(size uintptr) (uintptr, *kernel.Error) {
	defer sync.DisableInterrupts().Restore()

	ptr, err := kernelHeap.alloc(size)
	if err != nil {
		return 0, err
	}

	mm.Memset(ptr, 0, size)
	return ptr, nil
}

// AllocAligned returns a pointer to a payload of at least size bytes whose
// address is a multiple of align. align must be a power of two.
func AllocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 || align > MaxAllocSize {
		kfmt.Printf("[kheap] AllocAligned: invalid alignment %d\n", align)
		return 0, errInvalidAlignment
	}

	defer sync.DisableInterrupts().Restore()

	if align <= alignment {
		return kernelHeap.alloc(size)
	}

	if size == 0 || size > MaxAllocSize {
		kfmt.Printf("[kheap] AllocAligned: invalid size %d\n", size)
		return 0, errInvalidSize
	}

	raw, err := kernelHeap.alloc(size + align)
	if err != nil {
		return 0, err
	}

	aligned := (raw + align - 1) &^ (align - 1)
	if aligned != raw {
		*(*uint64)(mm.Ptr(aligned - 8)) = alignedTag<<32 | uint64(aligned-raw)
	}
	return aligned, nil
}

// Free releases a pointer returned by one of the allocation functions.
// Freeing 0 is a no-op. Pointers outside the arena, pointers whose block
// header is damaged and pointers that were already freed are integrity
// violations that halt the kernel.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	defer sync.DisableInterrupts().Restore()
	kernelHeap.free(ptr, "Free")
}

// Realloc resizes the allocation at ptr to size bytes and returns the
// (possibly moved) pointer. The contents up to the smaller of the old and new
// sizes are preserved. A zero ptr behaves like Alloc; a zero size behaves
// like Free and returns 0. Pointers returned by AllocAligned are always moved
// to a fresh Alloc block so their alignment is not preserved.
func Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return Alloc(size)
	}

	if size == 0 {
		Free(ptr)
		return 0, nil
	}

	defer sync.DisableInterrupts().Restore()
	return kernelHeap.realloc(ptr, size)
}

// SizeOf returns the usable payload size of the allocation at ptr or 0 if ptr
// is 0 or does not point to a live allocation.
func SizeOf(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}

	defer sync.DisableInterrupts().Restore()

	block, offset, _, ok := kernelHeap.lookup(ptr)
	if !ok || !header(block).used() {
		return 0
	}
	return header(block).size - offset
}

func (h *heap) alloc(size uintptr) (uintptr, *kernel.Error) {
	if h.start == 0 {
		return 0, errNotInitialized
	}

	if size == 0 || size > MaxAllocSize {
		kfmt.Printf("[kheap] Alloc: invalid size %d\n", size)
		return 0, errInvalidSize
	}

	size = roundUp(size)
	if size < minPayload {
		size = minPayload
	}

	// Best fit; a perfect fit ends the search early.
	var best uintptr
	for block := h.freeList; block != 0; block = header(block).nextFree {
		blockSize := header(block).size
		if blockSize < size || (best != 0 && blockSize >= header(best).size) {
			continue
		}

		best = block
		if blockSize == size {
			break
		}
	}

	if best == 0 {
		return 0, ErrOutOfMemory
	}

	h.removeFree(best)
	h.split(best, size)
	header(best).flags |= blockUsed
	h.allocCount++

	return best + headerSize, nil
}

// free returns false if a fatal error was reported.
func (h *heap) free(ptr uintptr, op string) bool {
	block, _, f, ok := h.lookup(ptr)
	if !ok {
		h.fatal(f, op)
		return false
	}

	bh := header(block)
	if !bh.used() {
		h.fatal(kernel.Fatal{Kind: kernel.FatalDoubleFree, Addr: ptr, Expected: uintptr(blockUsed), Found: uintptr(bh.flags)}, op)
		return false
	}

	bh.flags &^= blockUsed
	h.insertFree(block)
	h.coalesce(block)
	return true
}

func (h *heap) realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	if size > MaxAllocSize {
		kfmt.Printf("[kheap] Realloc: invalid size %d\n", size)
		return 0, errInvalidSize
	}

	block, offset, f, ok := h.lookup(ptr)
	if !ok {
		h.fatal(f, "Realloc")
		return 0, errInvalidPointer
	}

	bh := header(block)
	if !bh.used() {
		h.fatal(kernel.Fatal{Kind: kernel.FatalDoubleFree, Addr: ptr, Expected: uintptr(blockUsed), Found: uintptr(bh.flags)}, "Realloc")
		return 0, errInvalidPointer
	}

	need := roundUp(size)
	if need < minPayload {
		need = minPayload
	}

	if offset == 0 {
		// Shrink in place; the released tail may border a free block.
		if need <= bh.size {
			if rem := h.split(block, need); rem != 0 {
				h.coalesce(rem)
			}
			return ptr, nil
		}

		// Grow in place by absorbing a free physical successor.
		if !bh.last() {
			nh := header(nextPhys(block))
			if !nh.used() && bh.size+headerSize+nh.size >= need {
				h.absorbNext(block)
				h.split(block, need)
				return ptr, nil
			}
		}
	}

	newPtr, err := h.alloc(size)
	if err != nil {
		return 0, err
	}

	copySize := bh.size - offset
	if size < copySize {
		copySize = size
	}
	mm.Memcopy(ptr, newPtr, copySize)

	h.free(ptr, "Realloc")
	return newPtr, nil
}

func (h *heap) fatal(f kernel.Fatal, op string) {
	f.Module = "kheap"
	f.Op = op
	fatalFn(f)
}
