package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
	os.Exit(128)
}

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	machine machineConfig
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the memory manager on a simulated machine and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return "boot [flags] - boot the memory manager and report frame and heap usage\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	setMachineFlags(f, &b.machine)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := boot(b.machine)
	if err != nil {
		Fatalf("%v", err)
	}
	defer s.close()

	logStats()
	return subcommands.ExitSuccess
}

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a workload file against a simulated machine"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run <workload.toml> - boot the machine described by the file and execute its steps

Example workload:

  [machine]
  memory = "16MiB"
  heap = "256KiB"

  [[step]]
  op = "alloc"
  name = "a"
  size = "100"

  [[step]]
  op = "free"
  name = "a"
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf, err := loadConfig(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}

	s, err := boot(conf.Machine)
	if err != nil {
		Fatalf("%v", err)
	}
	defer s.close()

	if err := s.run(conf.Steps); err != nil {
		logrus.WithError(err).Error("Workload failed")
		return subcommands.ExitFailure
	}

	logrus.WithField("steps", len(conf.Steps)).Info("Workload complete")
	return subcommands.ExitSuccess
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	machine    machineConfig
	seed       int64
	iterations int
	maxSize    string
	checkEvery int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run a randomized heap workload and verify the heap invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return "stress [flags] - run a seeded random mix of heap operations\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (st *Stress) SetFlags(f *flag.FlagSet) {
	setMachineFlags(f, &st.machine)
	f.Int64Var(&st.seed, "seed", 1, "random seed")
	f.IntVar(&st.iterations, "iterations", 10000, "number of heap operations")
	f.StringVar(&st.maxSize, "max-size", "4KiB", "largest allocation request")
	f.IntVar(&st.checkEvery, "check-every", 100, "run a full heap check every n operations (0 disables)")
}

// Execute implements subcommands.Command.Execute.
func (st *Stress) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	maxSize, err := parseSize(st.maxSize, "4KiB")
	if err != nil || maxSize == 0 {
		Fatalf("invalid -max-size %q", st.maxSize)
	}

	s, err := boot(st.machine)
	if err != nil {
		Fatalf("%v", err)
	}
	defer s.close()

	report, err := s.stress(stressOptions{
		seed:       st.seed,
		iterations: st.iterations,
		maxSize:    uintptr(maxSize),
		checkEvery: st.checkEvery,
	})

	log := logrus.WithFields(logrus.Fields{
		"allocs":    report.Allocs,
		"reallocs":  report.Reallocs,
		"frees":     report.Frees,
		"exhausted": report.Exhausted,
		"peak_live": report.PeakLive,
		"peak_used": uint64(report.PeakUsed),
	})
	if err != nil {
		log.WithError(err).Error("Stress run failed")
		return subcommands.ExitFailure
	}

	log.Info("Stress run complete")
	return subcommands.ExitSuccess
}

func setMachineFlags(f *flag.FlagSet, mc *machineConfig) {
	f.StringVar(&mc.Memory, "memory", defaultMemory, "physical memory size")
	f.StringVar(&mc.Heap, "heap", defaultHeap, "kernel heap size")
	f.Func("kernel", "kernel image range as start:end (physical addresses)", func(v string) error {
		_, err := fmt.Sscanf(v, "%v:%v", &mc.KernelStart, &mc.KernelEnd)
		return err
	})
}
