package main

import (
	"fmt"
	"math/rand"

	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kheap"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// stressOptions controls a randomized heap workload.
type stressOptions struct {
	seed       int64
	iterations int
	maxSize    uintptr

	// checkEvery runs a full heap check every n iterations; 0 disables
	// periodic checks. A final check always runs.
	checkEvery int
}

// stressReport summarizes a stress run.
type stressReport struct {
	Allocs     int
	Reallocs   int
	Frees      int
	Exhausted  int
	PeakLive   int
	PeakUsed   uintptr
	FinalStats kheap.Stats
}

// liveBlock is an allocation owned by the stress workload. Its payload is
// filled with pattern so damage caused by the allocator to a neighbouring
// block can be detected.
type liveBlock struct {
	addr    uintptr
	size    uintptr
	pattern byte
}

func liveBlockLess(a, b liveBlock) bool { return a.addr < b.addr }

// stress runs a seeded random mix of Alloc, AllocAligned, Realloc and Free.
// Live allocations are tracked in an address ordered tree, which makes
// overlapping allocations detectable as soon as they are handed out.
func (s *session) stress(opts stressOptions) (stressReport, error) {
	var (
		rng    = rand.New(rand.NewSource(opts.seed))
		live   = btree.NewG[liveBlock](8, liveBlockLess)
		report stressReport
	)

	if opts.maxSize == 0 {
		opts.maxSize = 4096
	}

	for iter := 0; iter < opts.iterations; iter++ {
		var err error
		switch op := rng.Intn(100); {
		case live.Len() == 0 || op < 45:
			err = s.stressAlloc(rng, live, opts.maxSize, &report)
		case op < 60:
			err = s.stressRealloc(rng, live, opts.maxSize, &report)
		default:
			err = s.stressFree(rng, live, &report)
		}
		if err != nil {
			return report, fmt.Errorf("iteration %d: %w", iter, err)
		}

		if live.Len() > report.PeakLive {
			report.PeakLive = live.Len()
		}

		if opts.checkEvery > 0 && (iter+1)%opts.checkEvery == 0 {
			if err := s.stressCheck(&report); err != nil {
				return report, fmt.Errorf("iteration %d: %w", iter, err)
			}
			logrus.WithFields(logrus.Fields{
				"iteration": iter + 1,
				"live":      live.Len(),
				"used":      uint64(report.FinalStats.UsedBytes),
			}).Debug("Heap check passed")
		}
	}

	var err error
	live.Ascend(func(b liveBlock) bool {
		if err = verifyPattern(b); err != nil {
			return false
		}
		kheap.Free(b.addr)
		report.Frees++
		return true
	})
	if err != nil {
		return report, err
	}
	if err := s.checkFatal(); err != nil {
		return report, err
	}

	if err := s.stressCheck(&report); err != nil {
		return report, err
	}
	if report.FinalStats.UsedBlocks != 0 || report.FinalStats.FreeBlocks != 1 {
		return report, fmt.Errorf("heap not fully coalesced after releasing every block: %d used, %d free blocks",
			report.FinalStats.UsedBlocks, report.FinalStats.FreeBlocks)
	}
	return report, nil
}

func (s *session) stressAlloc(rng *rand.Rand, live *btree.BTreeG[liveBlock], maxSize uintptr, report *stressReport) error {
	size := uintptr(rng.Int63n(int64(maxSize))) + 1

	var (
		ptr  uintptr
		kerr *kernel.Error
	)
	if rng.Intn(8) == 0 {
		align := uintptr(32) << uint(rng.Intn(8))
		if ptr, kerr = kheap.AllocAligned(size, align); kerr == nil && ptr%align != 0 {
			return fmt.Errorf("AllocAligned(%d, %d) returned misaligned pointer %#x", size, align, ptr)
		}
	} else {
		ptr, kerr = kheap.Alloc(size)
	}

	switch {
	case kerr == kheap.ErrOutOfMemory:
		report.Exhausted++
		return s.checkFatal()
	case kerr != nil:
		return wrapKernelError(kerr)
	}

	report.Allocs++
	return s.track(live, ptr, size, byte(rng.Intn(255)+1))
}

func (s *session) stressRealloc(rng *rand.Rand, live *btree.BTreeG[liveBlock], maxSize uintptr, report *stressReport) error {
	b := pickBlock(rng, live)
	if err := verifyPattern(b); err != nil {
		return err
	}

	size := uintptr(rng.Int63n(int64(maxSize))) + 1
	ptr, kerr := kheap.Realloc(b.addr, size)
	switch {
	case kerr == kheap.ErrOutOfMemory:
		report.Exhausted++
		return s.checkFatal()
	case kerr != nil:
		return wrapKernelError(kerr)
	}
	report.Reallocs++

	// The preserved prefix must survive the move.
	kept := b
	if size < kept.size {
		kept.size = size
	}
	kept.addr = ptr
	if err := verifyPattern(kept); err != nil {
		return fmt.Errorf("realloc %#x -> %#x lost data: %w", b.addr, ptr, err)
	}

	live.Delete(b)
	return s.track(live, ptr, size, b.pattern)
}

func (s *session) stressFree(rng *rand.Rand, live *btree.BTreeG[liveBlock], report *stressReport) error {
	b := pickBlock(rng, live)
	if err := verifyPattern(b); err != nil {
		return err
	}

	kheap.Free(b.addr)
	live.Delete(b)
	report.Frees++
	return s.checkFatal()
}

// track records a new allocation after making sure it does not overlap the
// live allocations on either side of it.
func (s *session) track(live *btree.BTreeG[liveBlock], ptr, size uintptr, pattern byte) error {
	if err := s.checkFatal(); err != nil {
		return err
	}

	if got := kheap.SizeOf(ptr); got < size {
		return fmt.Errorf("allocation %#x: usable size %d is smaller than the requested %d bytes", ptr, got, size)
	}

	b := liveBlock{addr: ptr, size: size, pattern: pattern}

	var overlap *liveBlock
	live.DescendLessOrEqual(b, func(prev liveBlock) bool {
		if prev.addr+prev.size > ptr {
			overlap = &prev
		}
		return false
	})
	live.AscendGreaterOrEqual(b, func(next liveBlock) bool {
		if next.addr < ptr+size {
			overlap = &next
		}
		return false
	})
	if overlap != nil {
		return fmt.Errorf("allocation [%#x, %#x) overlaps live allocation [%#x, %#x)",
			ptr, ptr+size, overlap.addr, overlap.addr+overlap.size)
	}

	mm.Memset(ptr, pattern, size)
	live.ReplaceOrInsert(b)
	return nil
}

func (s *session) stressCheck(report *stressReport) error {
	if kerr := kheap.Check(); kerr != nil {
		return fmt.Errorf("heap check: %w", kerr)
	}

	st := kheap.GetStats()
	if total := st.UsedBytes + st.FreeBytes + st.Overhead; total != st.ArenaSize {
		return fmt.Errorf("blocks cover %d bytes of a %d byte arena", total, st.ArenaSize)
	}
	if st.UsedBytes > report.PeakUsed {
		report.PeakUsed = st.UsedBytes
	}
	report.FinalStats = st
	return nil
}

// pickBlock returns a pseudo-random live block: the first one at or after a
// random address inside the tracked range, wrapping around to the lowest.
func pickBlock(rng *rand.Rand, live *btree.BTreeG[liveBlock]) liveBlock {
	lo, _ := live.Min()
	hi, _ := live.Max()

	pivot := liveBlock{addr: lo.addr + uintptr(rng.Int63n(int64(hi.addr-lo.addr)+1))}
	picked := lo
	live.AscendGreaterOrEqual(pivot, func(b liveBlock) bool {
		picked = b
		return false
	})
	return picked
}

// verifyPattern samples the first, middle and last byte of a live block.
func verifyPattern(b liveBlock) error {
	for _, off := range []uintptr{0, b.size / 2, b.size - 1} {
		if got := *(*byte)(mm.Ptr(b.addr + off)); got != b.pattern {
			return fmt.Errorf("block %#x: byte %d is %#x; expected %#x", b.addr, off, got, b.pattern)
		}
	}
	return nil
}
