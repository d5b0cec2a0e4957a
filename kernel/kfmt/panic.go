package kfmt

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuHaltFn           = cpu.Halt
	disableInterruptsFn = cpu.DisableInterrupts

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
	errFatal        = &kernel.Error{}

	// panicking guards against a panic raised while printing a panic.
	panicking bool

	lastFatal    kernel.Fatal
	hasLastFatal bool
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	if panicking {
		Printf("\n*** recursive kernel panic: system halted ***\n")
		cpuHaltFn()
		return
	}
	panicking = true
	disableInterruptsFn()

	var err *kernel.Error
	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	if err == errFatal {
		Printf("op: %s\naddr: 0x%16x expected: 0x%16x found: 0x%16x\n",
			lastFatal.Op, lastFatal.Addr, lastFatal.Expected, lastFatal.Found,
		)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()

	// Only reachable when cpuHaltFn is mocked.
	panicking = false
}

// Fatal is the single exit point for integrity violations detected by the
// memory manager. It records f so it can be inspected via LastFatal, prints
// the component, operation and addresses involved and halts the CPU.
func Fatal(f kernel.Fatal) {
	lastFatal, hasLastFatal = f, true

	errFatal.Module = f.Module
	errFatal.Message = f.Kind.String()
	Panic(errFatal)
}

// LastFatal returns the most recent record passed to Fatal.
func LastFatal() (kernel.Fatal, bool) {
	return lastFatal, hasLastFatal
}
