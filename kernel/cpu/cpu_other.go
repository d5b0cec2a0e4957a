//go:build !amd64

package cpu

// The memory manager targets amd64. On other architectures the package still
// builds so that the hosted simulator and tests can install their own Ops.
func nativeOps() Ops {
	unsupported := func() { panic("cpu: privileged operations require amd64") }

	return Ops{
		EnableInterrupts:  unsupported,
		DisableInterrupts: unsupported,
		InterruptsEnabled: func() bool { unsupported(); return false },
		Halt:              unsupported,
		FlushTLBEntry:     func(uintptr) { unsupported() },
		SwitchPDT:         func(uintptr) { unsupported() },
		ActivePDT:         func() uintptr { unsupported(); return 0 },
	}
}
