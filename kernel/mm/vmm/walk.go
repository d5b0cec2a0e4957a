package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is used
	// by tests to redirect page table accesses. When compiling the kernel
	// this function will be automatically inlined.
	ptePtrFn = mm.Ptr

	// fatalFn is mocked by tests and is automatically inlined by the
	// compiler.
	fatalFn = kfmt.Fatal

	// entryAddrFn is used by tests to simulate a corrupted table window.
	entryAddrFn = entryAddr

	errBadTableAddress = &kernel.Error{Module: "vmm", Message: "page table entry address outside its table window"}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableAddr returns the virtual address of the page table at the given level
// (0 = P4) that takes part in translating virtAddr. The address is formed by
// filling the leading (pageLevels - level) indices with RecursiveIndex and
// the remaining ones with the top level indices of virtAddr. Following the
// recursive slot makes the MMU stop one level early for every repetition so
// the final "page" it lands on is the requested table.
func tableAddr(level uint8, virtAddr uintptr) uintptr {
	var addr uintptr

	recursiveLevels := pageLevels - level
	for i := uint8(0); i < pageLevels; i++ {
		index := RecursiveIndex
		if i >= recursiveLevels {
			index = (virtAddr >> pageLevelShifts[i-recursiveLevels]) & (entriesPerTable - 1)
		}
		addr |= index << pageLevelShifts[i]
	}

	return canonical(addr)
}

// entryAddr returns the virtual address of the entry for virtAddr in the
// page table at the given level.
func entryAddr(level uint8, virtAddr uintptr) (uintptr, bool) {
	table := tableAddr(level, virtAddr)
	entry := table + ((virtAddr>>pageLevelShifts[level])&(entriesPerTable-1))<<mm.PointerShift

	return entry, checkEntryAddr(virtAddr, table, entry)
}

// checkEntryAddr verifies that entry lies inside the window page of table
// before it gets dereferenced.
func checkEntryAddr(virtAddr, table, entry uintptr) bool {
	if table >= recursiveRegionStart && entry >= table && entry < table+mm.PageSize {
		return true
	}

	fatalFn(kernel.Fatal{
		Kind:     kernel.FatalBadAddress,
		Module:   "vmm",
		Op:       "walk",
		Addr:     virtAddr,
		Expected: table,
		Found:    entry,
	})
	return false
}

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted. walk returns
// errBadTableAddress if an entry address fails validation; the entry is never
// dereferenced in that case.
func walk(virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	for level := uint8(0); level < pageLevels; level++ {
		entry, ok := entryAddrFn(level, virtAddr)
		if !ok {
			return errBadTableAddress
		}

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entry))) {
			return nil
		}
	}

	return nil
}
