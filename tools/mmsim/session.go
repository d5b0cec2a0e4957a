package main

import (
	"fmt"
	"io"

	"gophermm/kernel"
	"gophermm/kernel/hal/sim"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/kmain"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/kheap"
	"gophermm/kernel/mm/pmm"

	"github.com/sirupsen/logrus"
)

// fatalError reports an integrity violation detected by the kernel.
type fatalError struct {
	kernel.Fatal
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("%s: %s during %s (addr %#x, expected %#x, found %#x)",
		e.Module, e.Kind, e.Op, e.Addr, e.Expected, e.Found)
}

func wrapKernelError(err *kernel.Error) error {
	return fmt.Errorf("%s: %w", err.Module, err)
}

type frameRun struct {
	first mm.Frame
	count uint32
}

// session is a booted simulated machine together with the allocations made
// by the workload so far.
type session struct {
	machine *sim.Machine
	restore func()
	logSink *io.PipeWriter

	allocs map[string]uintptr
	frames map[string]frameRun

	// halts is the machine halt count observed after the last operation;
	// any increase means the kernel reported an integrity violation.
	halts int
}

// boot creates a simulated machine, attaches the kernel log to logrus and runs
// the memory manager boot sequence. The frame allocator can only be set up
// once so a process can boot at most one session.
func boot(mc machineConfig) (*session, error) {
	info, err := mc.bootInfo()
	if err != nil {
		return nil, err
	}

	m, err := sim.NewMachine(info.TotalMemory)
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	m.EnablePaging()

	s := &session{
		machine: m,
		restore: m.Install(),
		logSink: logrus.StandardLogger().WriterLevel(logrus.DebugLevel),
		allocs:  make(map[string]uintptr),
		frames:  make(map[string]frameRun),
	}
	kfmt.SetOutputSink(s.logSink)

	logrus.WithFields(logrus.Fields{
		"memory":       uint64(info.TotalMemory),
		"kernel_start": fmt.Sprintf("%#x", info.KernelStart),
		"kernel_end":   fmt.Sprintf("%#x", info.KernelEnd),
		"heap":         uint64(info.HeapSize),
	}).Info("Booting memory manager")

	if kerr := kmain.Boot(info); kerr != nil {
		s.close()
		return nil, fmt.Errorf("boot failed: %w", wrapKernelError(kerr))
	}

	logrus.WithFields(logrus.Fields{
		"total_frames": pmm.TotalFrames(),
		"free_frames":  pmm.FreeFrameCount(),
	}).Info("Memory manager online")
	return s, nil
}

func (s *session) close() {
	kfmt.SetOutputSink(nil)
	_ = s.logSink.Close()
	s.restore()
	if err := s.machine.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to release simulated memory")
	}
}

// run executes the workload steps in order and stops at the first failure.
func (s *session) run(steps []step) error {
	for i, st := range steps {
		if err := s.exec(st); err != nil {
			return fmt.Errorf("step %d (%s %s): %w", i, st.Op, st.Name, err)
		}
	}
	return nil
}

func (s *session) exec(st step) error {
	log := logrus.WithFields(logrus.Fields{"op": st.Op, "name": st.Name})

	switch st.Op {
	case opAlloc, opAllocZeroed, opAllocAligned:
		if _, exists := s.allocs[st.Name]; exists {
			return fmt.Errorf("allocation %q already exists", st.Name)
		}

		size, err := st.size()
		if err != nil {
			return err
		}

		ptr, kerr := allocate(st, size)
		if kerr != nil {
			return wrapKernelError(kerr)
		}
		s.allocs[st.Name] = ptr
		log.WithFields(logrus.Fields{"addr": fmt.Sprintf("%#x", ptr), "size": kheap.SizeOf(ptr)}).Debug("Allocated")
	case opRealloc:
		ptr, ok := s.allocs[st.Name]
		if !ok {
			return fmt.Errorf("unknown allocation %q", st.Name)
		}

		size, err := st.size()
		if err != nil {
			return err
		}

		newPtr, kerr := kheap.Realloc(ptr, size)
		if kerr != nil {
			return wrapKernelError(kerr)
		}
		if newPtr == 0 {
			delete(s.allocs, st.Name)
		} else {
			s.allocs[st.Name] = newPtr
		}
		log.WithFields(logrus.Fields{"old": fmt.Sprintf("%#x", ptr), "addr": fmt.Sprintf("%#x", newPtr)}).Debug("Reallocated")
	case opFree:
		ptr, ok := s.allocs[st.Name]
		if !ok {
			return fmt.Errorf("unknown allocation %q", st.Name)
		}

		// The entry is kept so that freeing it again reaches the heap's
		// double free detection.
		kheap.Free(ptr)
		log.WithField("addr", fmt.Sprintf("%#x", ptr)).Debug("Freed")
	case opAllocFrames:
		if _, exists := s.frames[st.Name]; exists {
			return fmt.Errorf("frame run %q already exists", st.Name)
		}

		first, kerr := pmm.AllocFrames(st.Count)
		if kerr != nil {
			return wrapKernelError(kerr)
		}
		s.frames[st.Name] = frameRun{first: first, count: st.Count}
		log.WithFields(logrus.Fields{"addr": fmt.Sprintf("%#x", first.Address()), "count": st.Count}).Debug("Allocated frames")
	case opFreeFrames:
		run, ok := s.frames[st.Name]
		if !ok {
			return fmt.Errorf("unknown frame run %q", st.Name)
		}

		pmm.FreeFrames(run.first, run.count)
		log.WithField("addr", fmt.Sprintf("%#x", run.first.Address())).Debug("Freed frames")
	case opCheck:
		if kerr := kheap.Check(); kerr != nil {
			return fmt.Errorf("heap check: %w", kerr)
		}
		log.Info("Heap is consistent")
	case opStats:
		logStats()
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}

	return s.checkFatal()
}

func allocate(st step, size uintptr) (uintptr, *kernel.Error) {
	switch st.Op {
	case opAllocZeroed:
		return kheap.AllocZeroed(size)
	case opAllocAligned:
		return kheap.AllocAligned(size, uintptr(st.Align))
	default:
		return kheap.Alloc(size)
	}
}

// checkFatal reports an integrity violation raised since the previous call.
// On real hardware the kernel would have halted; the simulated CPU returns
// from the halt so the violation can be surfaced as an error.
func (s *session) checkFatal() error {
	halts := s.machine.Halts()
	if halts == s.halts {
		return nil
	}
	s.halts = halts

	f, _ := kfmt.LastFatal()
	return &fatalError{f}
}

func logStats() {
	st := kheap.GetStats()
	logrus.WithFields(logrus.Fields{
		"arena":        uint64(st.ArenaSize),
		"used_bytes":   uint64(st.UsedBytes),
		"used_blocks":  st.UsedBlocks,
		"free_bytes":   uint64(st.FreeBytes),
		"free_blocks":  st.FreeBlocks,
		"largest_free": uint64(st.LargestFree),
		"overhead":     uint64(st.Overhead),
		"allocs":       st.AllocCount,
		"free_frames":  pmm.FreeFrameCount(),
		"total_frames": pmm.TotalFrames(),
	}).Info("Memory usage")
}
