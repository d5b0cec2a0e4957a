package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// pteFlag describes a hardware flag that can be applied to a page table entry.
type pteFlag uintptr

const (
	// flagPresent is set when the page is available in memory.
	flagPresent pteFlag = 1 << iota

	// flagRW is set if the page can be written to.
	flagRW

	// flagUser is set if user-mode code can access this page.
	flagUser

	// flagWriteThrough selects write-through instead of write-back caching.
	flagWriteThrough

	// flagNoCache prevents this page from being cached if set.
	flagNoCache

	// flagAccessed is set by the CPU when this page is accessed.
	flagAccessed

	// flagDirty is set by the CPU when this page is modified.
	flagDirty

	// flagHugePage is set in P3/P2 entries that map 1G/2M pages.
	flagHugePage

	// flagGlobal prevents the TLB entry for this page from being flushed
	// when CR3 is reloaded.
	flagGlobal

	// flagNoExecute marks the page as non-executable.
	flagNoExecute pteFlag = 1 << 63
)

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags pteFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags pteFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags pteFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags pteFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// MapFlag is an architecture-independent mapping attribute accepted by Map.
type MapFlag uint16

const (
	// FlagWritable allows writes to the page.
	FlagWritable MapFlag = 1 << iota

	// FlagUser allows user-mode access to the page.
	FlagUser

	// FlagWriteThrough enables write-through caching.
	FlagWriteThrough

	// FlagNoCache disables caching for the page.
	FlagNoCache

	// FlagGlobal keeps the translation cached across address space
	// switches.
	FlagGlobal

	// FlagNoExecute prevents instruction fetches from the page.
	FlagNoExecute
)

var mapFlagBits = [...]struct {
	flag MapFlag
	pte  pteFlag
}{
	{FlagWritable, flagRW},
	{FlagUser, flagUser},
	{FlagWriteThrough, flagWriteThrough},
	{FlagNoCache, flagNoCache},
	{FlagGlobal, flagGlobal},
	{FlagNoExecute, flagNoExecute},
}

// pteFlags translates f into the equivalent hardware flags.
func (f MapFlag) pteFlags() pteFlag {
	var out pteFlag
	for _, bit := range mapFlagBits {
		if f&bit.flag != 0 {
			out |= bit.pte
		}
	}
	return out
}
