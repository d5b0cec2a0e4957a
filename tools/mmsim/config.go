package main

import (
	"fmt"

	"gophermm/kernel/hal/sim"
	"gophermm/kernel/kmain"
	"gophermm/kernel/mm"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

// Supported workload operations.
const (
	opAlloc        = "alloc"
	opAllocZeroed  = "alloc_zeroed"
	opAllocAligned = "alloc_aligned"
	opRealloc      = "realloc"
	opFree         = "free"
	opAllocFrames  = "alloc_frames"
	opFreeFrames   = "free_frames"
	opCheck        = "check"
	opStats        = "stats"
)

const (
	defaultMemory = "16MiB"
	defaultHeap   = "1MiB"
)

// config is the workload description consumed by the run command.
type config struct {
	Machine machineConfig `toml:"machine"`
	Steps   []step        `toml:"step"`
}

// machineConfig describes the simulated machine. Sizes accept human readable
// values such as "16MiB".
type machineConfig struct {
	Memory string `toml:"memory"`
	Heap   string `toml:"heap"`

	// Physical bounds of the kernel image. Both must be set or neither, in
	// which case the simulator's default image location is used.
	KernelStart uint64 `toml:"kernel_start"`
	KernelEnd   uint64 `toml:"kernel_end"`
}

// step is a single workload operation. Allocations and frame runs are
// referred to by name in later steps.
type step struct {
	Op    string `toml:"op"`
	Name  string `toml:"name"`
	Size  string `toml:"size"`
	Align uint64 `toml:"align"`
	Count uint32 `toml:"count"`
}

// loadConfig loads and validates a workload file.
func loadConfig(path string) (*config, error) {
	var c config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

func (c *config) validate() error {
	if _, err := c.Machine.bootInfo(); err != nil {
		return err
	}

	for i, s := range c.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
	}
	return nil
}

// bootInfo converts the machine section into the parameters handed to
// kmain.Boot, applying defaults for unset fields.
func (mc machineConfig) bootInfo() (kmain.BootInfo, error) {
	memory, err := parseSize(mc.Memory, defaultMemory)
	if err != nil {
		return kmain.BootInfo{}, fmt.Errorf("machine.memory: %w", err)
	}
	if memory < sim.MinMemory || memory > sim.MaxMemory {
		return kmain.BootInfo{}, fmt.Errorf("machine.memory: need at least %d and at most %d bytes, got %d", sim.MinMemory, sim.MaxMemory, memory)
	}

	heap, err := parseSize(mc.Heap, defaultHeap)
	if err != nil {
		return kmain.BootInfo{}, fmt.Errorf("machine.heap: %w", err)
	}

	info := kmain.BootInfo{
		TotalMemory: memory,
		KernelStart: sim.KernelImageStart,
		KernelEnd:   sim.KernelImageEnd,
		HeapSize:    heap,
	}

	switch {
	case mc.KernelStart == 0 && mc.KernelEnd == 0:
	case mc.KernelStart >= mc.KernelEnd:
		return kmain.BootInfo{}, fmt.Errorf("machine: kernel_start 0x%x must be below kernel_end 0x%x", mc.KernelStart, mc.KernelEnd)
	default:
		info.KernelStart = uintptr(mc.KernelStart)
		info.KernelEnd = uintptr(mc.KernelEnd)
	}

	// The frame bitmap follows the kernel image and both must stay clear of
	// the boot page tables and of the frames the allocator manages.
	bitmapEnd := alignPage(info.KernelEnd) + alignPage(bitmapBytes(memory))
	if info.KernelStart < uintptr(mm.PageSize) || bitmapEnd > sim.BootTablesBase {
		return kmain.BootInfo{}, fmt.Errorf("machine: kernel image and frame bitmap [0x%x - 0x%x) must fit in [0x%x - 0x%x)",
			info.KernelStart, bitmapEnd, mm.PageSize, sim.BootTablesBase)
	}

	return info, nil
}

// bitmapBytes returns the size of the frame bitmap for a machine with the
// given amount of RAM: one bit per frame above 1 MiB, in 64-bit words.
func bitmapBytes(memory mm.Size) uintptr {
	frames := (uintptr(memory) - uintptr(mm.Mb)) >> mm.PageShift
	return (frames + 63) / 64 * 8
}

func alignPage(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

func (s step) validate() error {
	switch s.Op {
	case opAlloc, opAllocZeroed, opAllocAligned, opRealloc:
		if s.Name == "" {
			return fmt.Errorf("missing name")
		}
		if _, err := s.size(); err != nil {
			return err
		}
		if s.Op == opAllocAligned && (s.Align == 0 || s.Align&(s.Align-1) != 0) {
			return fmt.Errorf("align %d is not a power of two", s.Align)
		}
	case opFree, opFreeFrames:
		if s.Name == "" {
			return fmt.Errorf("missing name")
		}
	case opAllocFrames:
		if s.Name == "" {
			return fmt.Errorf("missing name")
		}
		if s.Count == 0 {
			return fmt.Errorf("count must be greater than zero")
		}
	case opCheck, opStats:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

// size returns the parsed Size field. A zero size is accepted and left for
// the heap to reject.
func (s step) size() (uintptr, error) {
	size, err := parseSize(s.Size, "0")
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return uintptr(size), nil
}

func parseSize(value, def string) (mm.Size, error) {
	if value == "" {
		value = def
	}

	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, err
	}
	return mm.Size(size), nil
}
