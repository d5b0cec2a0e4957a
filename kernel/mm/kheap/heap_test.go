package kheap

import (
	"math/rand"
	"testing"

	"gophermm/kernel"
	"gophermm/kernel/hal/sim"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"

	"github.com/google/go-cmp/cmp"
)

const arenaBase = uintptr(0x100000)

// setupHeap initializes the heap on top of simulated RAM. Paging stays
// disabled so arena addresses are physical addresses.
func setupHeap(t *testing.T, arenaSize uintptr) *sim.Machine {
	t.Helper()

	m, err := sim.NewMachine(4 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	restore := m.Install()

	t.Cleanup(func() {
		restore()
		_ = m.Close()

		kernelHeap = heap{}
		fatalFn = kfmt.Fatal
	})

	if err := Init(arenaBase, arenaSize); err != nil {
		t.Fatal(err)
	}

	return m
}

func mustAlloc(t *testing.T, size uintptr) uintptr {
	t.Helper()

	ptr, err := Alloc(size)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", size, err)
	}
	return ptr
}

func mustCheck(t *testing.T) {
	t.Helper()

	if err := Check(); err != nil {
		t.Fatalf("heap check failed: %v", err)
	}
}

func mockFatal() *[]kernel.Fatal {
	var fatals []kernel.Fatal
	fatalFn = func(f kernel.Fatal) { fatals = append(fatals, f) }
	return &fatals
}

func fill(ptr, size uintptr, val byte) {
	mm.Memset(ptr, val, size)
}

func verify(t *testing.T, ptr, size uintptr, val byte) {
	t.Helper()

	for i := uintptr(0); i < size; i++ {
		if got := *(*byte)(mm.Ptr(ptr + i)); got != val {
			t.Fatalf("expected byte %d of block 0x%x to be 0x%x; got 0x%x", i, ptr, val, got)
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	if exp := uintptr(48); headerSize != exp {
		t.Fatalf("expected header size to be %d; got %d", exp, headerSize)
	}

	if headerSize%alignment != 0 {
		t.Fatal("expected header size to be a multiple of the alignment")
	}
}

func TestInit(t *testing.T) {
	t.Run("aligned arena", func(t *testing.T) {
		setupHeap(t, 8192)

		exp := Stats{
			ArenaSize:   8192,
			FreeBytes:   8192 - headerSize,
			FreeBlocks:  1,
			LargestFree: 8192 - headerSize,
			Overhead:    headerSize,
		}
		if diff := cmp.Diff(exp, GetStats()); diff != "" {
			t.Fatalf("unexpected stats (-want +got):\n%s", diff)
		}
		mustCheck(t)
	})

	t.Run("unaligned arena", func(t *testing.T) {
		setupHeap(t, 8192)

		if err := Init(arenaBase+8, 8192); err != nil {
			t.Fatal(err)
		}

		if kernelHeap.start != arenaBase+16 {
			t.Fatalf("expected arena start to be aligned up to 0x%x; got 0x%x", arenaBase+16, kernelHeap.start)
		}

		if exp, got := uintptr(8176), GetStats().ArenaSize; got != exp {
			t.Fatalf("expected arena size to be %d; got %d", exp, got)
		}
		mustCheck(t)
	})

	t.Run("arena too small", func(t *testing.T) {
		setupHeap(t, 8192)

		if err := Init(arenaBase, headerSize+minPayload-1); err != errArenaTooSmall {
			t.Fatalf("expected errArenaTooSmall; got %v", err)
		}
	})
}

func TestAllocBeforeInit(t *testing.T) {
	setupHeap(t, 8192)
	kernelHeap = heap{}

	if _, err := Alloc(16); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}
}

func TestAlloc(t *testing.T) {
	m := setupHeap(t, 8192)

	t.Run("invalid sizes", func(t *testing.T) {
		for _, size := range []uintptr{0, MaxAllocSize + 1} {
			if _, err := Alloc(size); err != errInvalidSize {
				t.Errorf("expected Alloc(%d) to return errInvalidSize; got %v", size, err)
			}
		}
	})

	t.Run("rounding", func(t *testing.T) {
		specs := []struct {
			size    uintptr
			expSize uintptr
		}{
			{1, 16},
			{16, 16},
			{17, 32},
			{100, 112},
		}

		for specIndex, spec := range specs {
			ptr := mustAlloc(t, spec.size)
			if ptr%alignment != 0 {
				t.Errorf("[spec %d] expected payload to be %d-byte aligned; got 0x%x", specIndex, alignment, ptr)
			}

			if got := SizeOf(ptr); got != spec.expSize {
				t.Errorf("[spec %d] expected SizeOf to return %d; got %d", specIndex, spec.expSize, got)
			}
			Free(ptr)
		}
		mustCheck(t)
	})

	t.Run("out of memory", func(t *testing.T) {
		if _, err := Alloc(8192); err != ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}

		// The whole arena minus one header is available.
		ptr := mustAlloc(t, 8192-headerSize)
		if _, err := Alloc(1); err != ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}
		Free(ptr)
		mustCheck(t)
	})

	if !m.InterruptsEnabled() {
		t.Fatal("expected heap operations to restore the interrupt state")
	}
}

func TestBestFitReusesFreedBlock(t *testing.T) {
	setupHeap(t, 8192)

	a := mustAlloc(t, 100)
	b := mustAlloc(t, 200)
	Free(a)

	// The 112 byte hole left by a is the best fit for a 64 byte request;
	// the remainder is too small to split so the whole block is reused.
	c := mustAlloc(t, 50)
	if c != a {
		t.Fatalf("expected allocation to reuse the freed block at 0x%x; got 0x%x", a, c)
	}

	if got := SizeOf(c); got != 112 {
		t.Fatalf("expected reused block to keep its 112 byte payload; got %d", got)
	}

	st := GetStats()
	if exp := uint32(2); st.UsedBlocks != exp {
		t.Fatalf("expected %d used blocks; got %d", exp, st.UsedBlocks)
	}
	if exp := uint32(1); st.FreeBlocks != exp {
		t.Fatalf("expected %d free block; got %d", exp, st.FreeBlocks)
	}

	_ = b
	mustCheck(t)
}

func TestBestFitSplitsLargerHole(t *testing.T) {
	setupHeap(t, 8192)

	a := mustAlloc(t, 200)
	guard := mustAlloc(t, 16)
	Free(a)

	// The 208 byte hole left by a is the best fit for a 64 byte request and
	// large enough to be split; the tail is left untouched.
	c := mustAlloc(t, 50)
	if c != a {
		t.Fatalf("expected allocation to reuse the freed block at 0x%x; got 0x%x", a, c)
	}

	if got := SizeOf(c); got != 64 {
		t.Fatalf("expected split block to shrink to a 64 byte payload; got %d", got)
	}

	st := GetStats()
	if exp := uint32(2); st.UsedBlocks != exp {
		t.Fatalf("expected %d used blocks; got %d", exp, st.UsedBlocks)
	}
	if exp := uint32(2); st.FreeBlocks != exp {
		t.Fatalf("expected %d free blocks; got %d", exp, st.FreeBlocks)
	}
	mustCheck(t)

	// The 96 byte remainder sits right after c and is an exact fit.
	d := mustAlloc(t, 96)
	if exp := c + 64 + headerSize; d != exp {
		t.Fatalf("expected allocation to use the split remainder at 0x%x; got 0x%x", exp, d)
	}
	if got := SizeOf(d); got != 96 {
		t.Fatalf("expected remainder payload to be 96 bytes; got %d", got)
	}
	if d >= guard {
		t.Fatalf("expected remainder 0x%x to precede the guard block at 0x%x", d, guard)
	}

	mustCheck(t)
}

func TestBestFitPicksSmallestHole(t *testing.T) {
	setupHeap(t, 8192)

	var ptrs [6]uintptr
	for i, size := range []uintptr{256, 16, 64, 16, 128, 16} {
		ptrs[i] = mustAlloc(t, size)
	}

	// Holes of 256, 64 and 128 bytes separated by used blocks.
	Free(ptrs[0])
	Free(ptrs[2])
	Free(ptrs[4])

	if got := mustAlloc(t, 100); got != ptrs[4] {
		t.Fatalf("expected the 128 byte hole at 0x%x to be picked; got 0x%x", ptrs[4], got)
	}

	// A perfect fit is taken immediately.
	if got := mustAlloc(t, 64); got != ptrs[2] {
		t.Fatalf("expected the 64 byte hole at 0x%x to be picked; got 0x%x", ptrs[2], got)
	}
	mustCheck(t)
}

func TestFreePreservesNeighbours(t *testing.T) {
	setupHeap(t, 8192)

	left := mustAlloc(t, 64)
	victim := mustAlloc(t, 300)
	right := mustAlloc(t, 64)

	fill(left, 64, 0xAA)
	fill(victim, 300, 0x11)
	fill(right, 64, 0xBB)

	if SizeOf(victim) < 300 {
		t.Fatalf("expected SizeOf to be at least 300; got %d", SizeOf(victim))
	}

	Free(victim)

	verify(t, left, 64, 0xAA)
	verify(t, right, 64, 0xBB)
	mustCheck(t)
}

func TestCoalescing(t *testing.T) {
	specs := []struct {
		name  string
		order []int
	}{
		{"free B then A", []int{1, 0}},
		{"free A then B", []int{0, 1}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			setupHeap(t, 8192)

			var blocks [4]uintptr
			for i := range blocks {
				blocks[i] = mustAlloc(t, 64)
			}

			for _, index := range spec.order {
				Free(blocks[index])
				mustCheck(t)
			}

			// A+B form one free block; the arena tail is a second one.
			st := GetStats()
			if exp := uint32(2); st.FreeBlocks != exp {
				t.Fatalf("expected %d free blocks; got %d", exp, st.FreeBlocks)
			}

			merged := header(blocks[0] - headerSize)
			if exp := 64 + headerSize + 64; merged.size != exp || merged.used() {
				t.Fatalf("expected a free block of %d bytes at A; got size %d (used: %t)", exp, merged.size, merged.used())
			}

			Free(blocks[2])
			mustCheck(t)

			if exp := 3*64 + 2*headerSize; merged.size != exp {
				t.Fatalf("expected A+B+C to span %d bytes; got %d", exp, merged.size)
			}

			// Releasing the guard block merges everything back.
			Free(blocks[3])
			mustCheck(t)

			st = GetStats()
			if st.FreeBlocks != 1 || st.FreeBytes != 8192-headerSize {
				t.Fatalf("expected a single free block spanning the arena; got %+v", st)
			}
		})
	}
}

func TestArenaTiling(t *testing.T) {
	setupHeap(t, 64*1024)

	var (
		rng  = rand.New(rand.NewSource(42))
		live []uintptr
	)

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(10); {
		case op < 5 || len(live) == 0:
			ptr, err := Alloc(uintptr(rng.Intn(512) + 1))
			if err == ErrOutOfMemory {
				continue
			}
			if err != nil {
				t.Fatalf("[step %d] unexpected error: %v", step, err)
			}
			live = append(live, ptr)
		case op < 8:
			index := rng.Intn(len(live))
			Free(live[index])
			live = append(live[:index], live[index+1:]...)
		default:
			index := rng.Intn(len(live))
			ptr, err := Realloc(live[index], uintptr(rng.Intn(1024)+1))
			if err == ErrOutOfMemory {
				continue
			}
			if err != nil {
				t.Fatalf("[step %d] unexpected error: %v", step, err)
			}
			live[index] = ptr
		}

		if err := Check(); err != nil {
			t.Fatalf("[step %d] heap check failed: %v", step, err)
		}

		st := GetStats()
		if total := st.UsedBytes + st.FreeBytes + st.Overhead; total != st.ArenaSize {
			t.Fatalf("[step %d] expected blocks to tile %d bytes; got %d", step, st.ArenaSize, total)
		}
		if int(st.UsedBlocks) != len(live) {
			t.Fatalf("[step %d] expected %d used blocks; got %d", step, len(live), st.UsedBlocks)
		}
	}

	for _, ptr := range live {
		Free(ptr)
	}

	if st := GetStats(); st.FreeBlocks != 1 {
		t.Fatalf("expected a single free block after releasing everything; got %d", st.FreeBlocks)
	}
}

func TestAllocZeroed(t *testing.T) {
	setupHeap(t, 8192)

	ptr := mustAlloc(t, 128)
	fill(ptr, 128, 0xFF)
	Free(ptr)

	zeroed, err := AllocZeroed(128)
	if err != nil {
		t.Fatal(err)
	}
	if zeroed != ptr {
		t.Fatalf("expected the released block to be reused; got 0x%x", zeroed)
	}
	verify(t, zeroed, 128, 0)
}

func TestAllocAligned(t *testing.T) {
	setupHeap(t, 16*1024)

	t.Run("invalid alignment", func(t *testing.T) {
		for _, align := range []uintptr{0, 3, 24, MaxAllocSize << 1} {
			if _, err := AllocAligned(64, align); err != errInvalidAlignment {
				t.Errorf("expected AllocAligned(64, %d) to return errInvalidAlignment; got %v", align, err)
			}
		}
	})

	t.Run("small alignment", func(t *testing.T) {
		ptr, err := AllocAligned(64, 8)
		if err != nil {
			t.Fatal(err)
		}

		if exp := mustAlloc(t, 16) - headerSize - 64; ptr != exp {
			t.Fatalf("expected a plain allocation at 0x%x; got 0x%x", exp, ptr)
		}
	})

	for _, align := range []uintptr{32, 64, 256, 4096} {
		ptr, err := AllocAligned(100, align)
		if err != nil {
			t.Fatalf("[align %d] unexpected error: %v", align, err)
		}

		if ptr%align != 0 {
			t.Errorf("[align %d] expected aligned pointer; got 0x%x", align, ptr)
		}

		if got := SizeOf(ptr); got < 100 {
			t.Errorf("[align %d] expected SizeOf to be at least 100; got %d", align, got)
		}

		fill(ptr, 100, 0x5A)
		mustCheck(t)

		Free(ptr)
		mustCheck(t)
	}

	if _, err := AllocAligned(0, 64); err != errInvalidSize {
		t.Fatalf("expected errInvalidSize; got %v", err)
	}
}

func TestRealloc(t *testing.T) {
	t.Run("nil pointer", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr, err := Realloc(0, 64)
		if err != nil || ptr == 0 {
			t.Fatalf("expected Realloc(0, n) to allocate; got 0x%x (err: %v)", ptr, err)
		}
	})

	t.Run("zero size", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr := mustAlloc(t, 64)
		if got, err := Realloc(ptr, 0); got != 0 || err != nil {
			t.Fatalf("expected Realloc(p, 0) to return 0; got 0x%x (err: %v)", got, err)
		}

		if st := GetStats(); st.UsedBlocks != 0 {
			t.Fatalf("expected the block to be released; %d used blocks remain", st.UsedBlocks)
		}
	})

	t.Run("shrink in place", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr := mustAlloc(t, 512)
		fill(ptr, 512, 0x77)

		got, err := Realloc(ptr, 100)
		if err != nil {
			t.Fatal(err)
		}
		if got != ptr {
			t.Fatalf("expected shrink to keep the pointer 0x%x; got 0x%x", ptr, got)
		}
		if exp := uintptr(112); SizeOf(got) != exp {
			t.Fatalf("expected payload to shrink to %d; got %d", exp, SizeOf(got))
		}
		verify(t, got, 100, 0x77)

		// The released tail merged with the free arena tail.
		if st := GetStats(); st.FreeBlocks != 1 {
			t.Fatalf("expected a single free block; got %d", st.FreeBlocks)
		}
		mustCheck(t)
	})

	t.Run("grow in place", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr := mustAlloc(t, 64)
		next := mustAlloc(t, 256)
		guard := mustAlloc(t, 16)
		fill(ptr, 64, 0x42)
		Free(next)

		got, err := Realloc(ptr, 200)
		if err != nil {
			t.Fatal(err)
		}
		if got != ptr {
			t.Fatalf("expected grow to keep the pointer 0x%x; got 0x%x", ptr, got)
		}
		if SizeOf(got) < 200 {
			t.Fatalf("expected payload of at least 200 bytes; got %d", SizeOf(got))
		}
		verify(t, got, 64, 0x42)
		mustCheck(t)

		_ = guard
	})

	t.Run("move", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr := mustAlloc(t, 64)
		guard := mustAlloc(t, 16)
		fill(ptr, 64, 0x24)

		got, err := Realloc(ptr, 1000)
		if err != nil {
			t.Fatal(err)
		}
		if got == ptr {
			t.Fatal("expected the allocation to move")
		}
		verify(t, got, 64, 0x24)

		// The old block is free again.
		if SizeOf(ptr) != 0 {
			t.Fatal("expected SizeOf of the released block to be 0")
		}
		mustCheck(t)

		_ = guard
	})

	t.Run("aligned pointer", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr, err := AllocAligned(64, 256)
		if err != nil {
			t.Fatal(err)
		}
		fill(ptr, 64, 0x99)

		got, err := Realloc(ptr, 32)
		if err != nil {
			t.Fatal(err)
		}
		verify(t, got, 32, 0x99)

		if st := GetStats(); st.UsedBlocks != 1 {
			t.Fatalf("expected only the new block to be in use; got %d used blocks", st.UsedBlocks)
		}
		mustCheck(t)
	})

	t.Run("out of memory keeps the old block", func(t *testing.T) {
		setupHeap(t, 8192)

		ptr := mustAlloc(t, 64)
		guard := mustAlloc(t, 16)
		fill(ptr, 64, 0x31)

		if _, err := Realloc(ptr, 8192); err != ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}
		verify(t, ptr, 64, 0x31)
		mustCheck(t)

		_ = guard
	})
}

func TestSizeOfInvalidPointers(t *testing.T) {
	setupHeap(t, 8192)
	fatals := mockFatal()

	for _, ptr := range []uintptr{0, 0x1000, arenaBase + 0x10000} {
		if got := SizeOf(ptr); got != 0 {
			t.Errorf("expected SizeOf(0x%x) to be 0; got %d", ptr, got)
		}
	}

	if len(*fatals) != 0 {
		t.Fatalf("expected SizeOf never to raise fatal errors; got %d", len(*fatals))
	}
}

func TestFreeIntegrityViolations(t *testing.T) {
	t.Run("nil pointer", func(t *testing.T) {
		setupHeap(t, 8192)
		fatals := mockFatal()

		Free(0)

		if len(*fatals) != 0 {
			t.Fatalf("expected Free(0) to be a no-op; got %d fatal errors", len(*fatals))
		}
	})

	t.Run("double free", func(t *testing.T) {
		setupHeap(t, 8192)
		fatals := mockFatal()

		guard := mustAlloc(t, 16)
		ptr := mustAlloc(t, 64)
		_ = mustAlloc(t, 16)

		Free(ptr)
		Free(ptr)

		exp := []kernel.Fatal{{
			Kind:     kernel.FatalDoubleFree,
			Module:   "kheap",
			Op:       "Free",
			Addr:     ptr,
			Expected: uintptr(blockUsed),
			Found:    0,
		}}
		if diff := cmp.Diff(exp, *fatals); diff != "" {
			t.Fatalf("unexpected fatal errors (-want +got):\n%s", diff)
		}

		_ = guard
	})

	t.Run("double free of merged block", func(t *testing.T) {
		setupHeap(t, 8192)
		fatals := mockFatal()

		a := mustAlloc(t, 64)
		b := mustAlloc(t, 64)
		_ = mustAlloc(t, 16)

		Free(a)
		Free(b) // merged into a
		Free(b)

		if len(*fatals) != 1 || (*fatals)[0].Kind != kernel.FatalDoubleFree {
			t.Fatalf("expected a single double free error; got %+v", *fatals)
		}
	})

	t.Run("corrupt header", func(t *testing.T) {
		setupHeap(t, 8192)
		fatals := mockFatal()

		ptr := mustAlloc(t, 64)
		*(*uint64)(mm.Ptr(ptr - 8)) = 0xdead

		Free(ptr)

		exp := []kernel.Fatal{{
			Kind:     kernel.FatalCorruptHeader,
			Module:   "kheap",
			Op:       "Free",
			Addr:     ptr - headerSize,
			Expected: uintptr(blockMagic),
			Found:    0xdead,
		}}
		if diff := cmp.Diff(exp, *fatals); diff != "" {
			t.Fatalf("unexpected fatal errors (-want +got):\n%s", diff)
		}

		if err := Check(); err != errCheckMagic {
			t.Fatalf("expected Check to report errCheckMagic; got %v", err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		setupHeap(t, 8192)
		fatals := mockFatal()

		Free(0x2000)
		Free(arenaBase + 8192)

		if len(*fatals) != 2 {
			t.Fatalf("expected 2 fatal errors; got %d", len(*fatals))
		}

		for i, f := range *fatals {
			if f.Kind != kernel.FatalOutOfRange || f.Op != "Free" {
				t.Errorf("[fatal %d] expected an out of range error from Free; got %+v", i, f)
			}
		}
	})
}

func TestCheckDetectsCorruption(t *testing.T) {
	specs := []struct {
		name    string
		corrupt func(a, b uintptr)
		expErr  error
	}{
		{
			"broken physical link",
			func(a, b uintptr) { header(b - headerSize).prevPhys = 0 },
			errCheckLinks,
		},
		{
			"size past the arena end",
			func(a, b uintptr) { header(a - headerSize).size = 1 << 20 },
			errCheckTiling,
		},
		{
			"unmerged free neighbours",
			func(a, b uintptr) { header(a - headerSize).flags &^= blockUsed },
			errCheckAdjacentFree,
		},
		{
			"free list misses a block",
			func(a, b uintptr) { kernelHeap.freeList = 0 },
			errCheckFreeList,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			setupHeap(t, 8192)

			a := mustAlloc(t, 64)
			b := mustAlloc(t, 64)
			Free(b)
			mustCheck(t)

			spec.corrupt(a, b)

			if err := Check(); err != spec.expErr {
				t.Fatalf("expected %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestPrintStats(t *testing.T) {
	setupHeap(t, 8192)
	_ = mustAlloc(t, 100)

	PrintStats()

	if st := GetStats(); st.AllocCount != 1 || st.UsedBytes != 112 {
		t.Fatalf("unexpected stats after a single allocation: %+v", st)
	}
}
