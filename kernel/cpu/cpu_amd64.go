package cpu

func nativeOps() Ops {
	return Ops{
		EnableInterrupts:  enableInterrupts,
		DisableInterrupts: disableInterrupts,
		InterruptsEnabled: interruptsEnabled,
		Halt:              halt,
		FlushTLBEntry:     flushTLBEntry,
		SwitchPDT:         switchPDT,
		ActivePDT:         activePDT,
	}
}

func enableInterrupts()

func disableInterrupts()

func interruptsEnabled() bool

func halt()

func flushTLBEntry(virtAddr uintptr)

func switchPDT(pdtPhysAddr uintptr)

func activePDT() uintptr
