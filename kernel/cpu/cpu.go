// Package cpu exposes the privileged processor operations needed by the
// memory manager.
package cpu

// Ops bundles the implementation of every privileged operation exported by
// this package. On bare metal each field points to an assembly routine; a
// hosted environment (see package hal/sim) can replace them with SetOps.
type Ops struct {
	EnableInterrupts  func()
	DisableInterrupts func()
	InterruptsEnabled func() bool
	Halt              func()
	FlushTLBEntry     func(virtAddr uintptr)
	SwitchPDT         func(pdtPhysAddr uintptr)
	ActivePDT         func() uintptr
}

var ops = nativeOps()

// SetOps installs the non-nil fields of o as the implementation of the
// matching operations and returns a function that restores the previous set.
func SetOps(o Ops) (restore func()) {
	prev := ops

	if o.EnableInterrupts != nil {
		ops.EnableInterrupts = o.EnableInterrupts
	}
	if o.DisableInterrupts != nil {
		ops.DisableInterrupts = o.DisableInterrupts
	}
	if o.InterruptsEnabled != nil {
		ops.InterruptsEnabled = o.InterruptsEnabled
	}
	if o.Halt != nil {
		ops.Halt = o.Halt
	}
	if o.FlushTLBEntry != nil {
		ops.FlushTLBEntry = o.FlushTLBEntry
	}
	if o.SwitchPDT != nil {
		ops.SwitchPDT = o.SwitchPDT
	}
	if o.ActivePDT != nil {
		ops.ActivePDT = o.ActivePDT
	}

	return func() { ops = prev }
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { ops.EnableInterrupts() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { ops.DisableInterrupts() }

// InterruptsEnabled returns true if maskable interrupts are currently enabled
// (the IF bit of RFLAGS is set).
func InterruptsEnabled() bool { return ops.InterruptsEnabled() }

// Halt stops instruction execution.
func Halt() { ops.Halt() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) { ops.FlushTLBEntry(virtAddr) }

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { ops.SwitchPDT(pdtPhysAddr) }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return ops.ActivePDT() }
