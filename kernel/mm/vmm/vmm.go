// Package vmm manages the active virtual address space.
//
// Page tables are reached through a recursive mapping: P4 entry
// RecursiveIndex points back to the P4 table, so the table at any level for
// any virtual address can be accessed at a fixed window address computed by
// tableAddr. No physical-to-virtual translation is needed to edit page tables.
package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

var (
	// activePDTFn and switchPDTFn are used by tests to override calls to
	// privileged instructions which will cause a fault if called in
	// user-mode.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	errPagingDisabled = &kernel.Error{Module: "vmm", Message: "no active page directory table"}
)

// Init installs the recursive mapping in the active P4 table and reloads CR3
// so the new entry becomes visible to the MMU. The P4 table is accessed via
// its physical address which must be identity-mapped by the boot page tables.
// Calling Init again simply re-installs the same entry.
func Init() *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	pdtAddr := activePDTFn() &^ (mm.PageSize - 1)
	if pdtAddr == 0 {
		return errPagingDisabled
	}

	recursiveEntry := (*pageTableEntry)(ptePtrFn(pdtAddr + RecursiveIndex<<mm.PointerShift))
	*recursiveEntry = 0
	recursiveEntry.SetFrame(mm.FrameFromAddress(pdtAddr))
	recursiveEntry.SetFlags(flagPresent | flagRW)

	switchPDTFn(pdtAddr)

	kfmt.Printf("[vmm] P4 at 0x%x; recursive slot %d, tables visible from 0x%16x\n",
		pdtAddr, RecursiveIndex, recursiveRegionStart,
	)
	return nil
}
