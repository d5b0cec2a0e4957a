package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a page table at any level.
	entriesPerTable = uintptr(512)

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// RecursiveIndex is the P4 slot that points back to the P4 table
	// itself. Every table window address used by this package is derived
	// from it by tableAddr.
	RecursiveIndex = uintptr(510)

	// KernelRegionBase is the start of the kernel half of the address space
	// (P4 slot 256). ReserveRegion hands out virtual ranges from here up to
	// the start of the recursive region.
	KernelRegionBase = uintptr(0xffff800000000000)
)

var (
	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}

	// recursiveRegionStart is the lowest address whose P4 index is
	// RecursiveIndex. The 512G region that follows contains the windows
	// for every page table.
	recursiveRegionStart = canonical(RecursiveIndex << pageLevelShifts[0])
)

// canonical sign-extends bit 47 of addr into bits 48-63.
func canonical(addr uintptr) uintptr {
	if addr&(1<<47) != 0 {
		return addr | 0xffff000000000000
	}
	return addr &^ 0xffff000000000000
}
