// Package sync provides the mutual exclusion discipline used by the memory
// manager. The kernel runs on a single hardware thread so the only source of
// re-entrancy is an interrupt handler; masking interrupts for the duration of
// a mutation is therefore sufficient.
package sync

import "gophermm/kernel/cpu"

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQState records whether interrupts were enabled before a call to
// DisableInterrupts.
type IRQState bool

// DisableInterrupts masks interrupts and returns the previous interrupt
// state. Callers pair it with Restore, typically as:
//
//	defer sync.DisableInterrupts().Restore()
func DisableInterrupts() IRQState {
	state := IRQState(interruptsEnabledFn())
	disableInterruptsFn()
	return state
}

// Restore re-enables interrupts only if they were enabled when the state was
// captured. Nested critical sections therefore leave interrupts masked until
// the outermost one exits.
func (s IRQState) Restore() {
	if s {
		enableInterruptsFn()
	}
}
