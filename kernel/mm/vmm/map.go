package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// mapFn and unmapFn are used by tests and are automatically inlined
	// by the compiler.
	mapFn   = Map
	unmapFn = Unmap

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Missing intermediate
// tables are allocated via mm.AllocFrame, installed as present, writable and
// user-accessible (permissions are only narrowed at the leaf) and cleared
// through their recursive window.
//
// Mapping a page that is already mapped silently replaces the old mapping.
// Map fails when a page table cannot be allocated, when the walk reaches a
// huge page or when a table window address fails validation.
func Map(page mm.Page, frame mm.Frame, flags MapFlag) *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	var err *kernel.Error

	walkErr := walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flagPresent | flags.pteFlags())
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(flagPresent) {
			if pte.HasFlags(flagHugePage) {
				err = errNoHugePageSupport
				return false
			}
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = mm.AllocFrame(); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(flagPresent | flagRW | flagUser)

		nextTable := tableAddr(pteLevel+1, page.Address())
		flushTLBEntryFn(nextTable)
		mm.Memset(nextTable, 0, mm.PageSize)
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	return err
}

// Unmap removes a mapping previously installed via a call to Map. It returns
// ErrInvalidMapping if the page is not mapped. Page tables that become empty
// are not released.
func Unmap(page mm.Page) *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	var err *kernel.Error

	walkErr := walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(flagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(flagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})
	if walkErr != nil {
		return walkErr
	}

	return err
}

// MapRange maps count consecutive pages starting at page to count
// consecutive frames starting at frame. If any page fails to map, the pages
// mapped so far by this call are unmapped again before the error is
// returned.
func MapRange(page mm.Page, frame mm.Frame, count uint32, flags MapFlag) *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	for i := uint32(0); i < count; i++ {
		if err := mapFn(page+mm.Page(i), frame+mm.Frame(i), flags); err != nil {
			for ; i > 0; i-- {
				_ = unmapFn(page + mm.Page(i-1))
			}
			return err
		}
	}

	return nil
}

// UnmapRange unmaps count consecutive pages starting at page. Every page is
// processed even if some of them are not mapped; in that case
// ErrInvalidMapping is returned once all pages have been visited.
func UnmapRange(page mm.Page, count uint32) *kernel.Error {
	defer sync.DisableInterrupts().Restore()

	var err *kernel.Error
	for i := uint32(0); i < count; i++ {
		if unmapErr := unmapFn(page + mm.Page(i)); unmapErr != nil && err == nil {
			err = unmapErr
		}
	}

	return err
}
