// Package sim provides a simulated x86_64 machine that allows the memory
// manager to run as a regular hosted process.
//
// Physical RAM is an anonymous host mapping. Once paging is enabled every
// address dereferenced by kernel code (via mm.Ptr) is translated by a software
// MMU that walks the 4-level page tables stored in simulated RAM, exactly as
// the hardware would. This means that the recursive page table slot works
// without any special casing. Translations are cached in a TLB model that is
// only invalidated by FlushTLBEntry or a CR3 write, so a missing flush in the
// kernel shows up as a stale translation.
package sim

import (
	"fmt"
	"unsafe"

	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"

	"golang.org/x/sys/unix"
)

const (
	entryPresent  = uint64(1 << 0)
	entryRW       = uint64(1 << 1)
	entryHuge     = uint64(1 << 7)
	entryAddrMask = uint64(0x000ffffffffff000)

	pageOffsetMask = mm.PageSize - 1
	tableEntries   = 512
)

// The boot layout used by EnablePaging. All of RAM is identity-mapped with 4K
// pages except for the first page which is left unmapped so null
// dereferences fault. The boot tables (P4, P3, P2 and one P1 per 2M of RAM)
// are stored contiguously from BootTablesBase and always end below
// BootTablesLimit.
const (
	KernelImageStart = uintptr(0x10000)
	KernelImageEnd   = uintptr(0x60000)
	BootTablesBase   = uintptr(0x70000)
	BootTablesLimit  = uintptr(0x100000)

	// MinMemory is the smallest amount of RAM a Machine can be created with.
	MinMemory = 2 * mm.Mb

	// MaxMemory is the largest amount of RAM a Machine can be created
	// with; its P1 tables still fit below BootTablesLimit.
	MaxMemory = 256 * mm.Mb

	p1Span = uintptr(2 * mm.Mb)
)

// levelShifts lists the virtual address shift for the P4, P3, P2 and P1
// indices.
var levelShifts = [4]uintptr{39, 30, 21, 12}

// PageFault describes a failed address translation.
type PageFault struct {
	// The address that could not be translated.
	Addr uintptr

	// The paging level where the walk stopped (0 = P4); -1 if the fault
	// was not caused by a missing entry.
	Level int

	Reason string
}

// Error implements the error interface.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at 0x%x (level %d): %s", f.Addr, f.Level, f.Reason)
}

// FlushStats counts the TLB invalidations requested by the kernel.
type FlushStats struct {
	Total uint64

	// Flushes issued while interrupts were enabled.
	WithInterruptsEnabled uint64

	// The virtual address passed to the most recent FlushTLBEntry call.
	LastAddr uintptr
}

// Machine is a simulated single-core machine.
type Machine struct {
	mem  []byte
	base uintptr
	size uintptr

	cr3               uintptr
	interruptsEnabled bool
	halts             int

	tlb        map[uintptr]uintptr
	flushStats FlushStats
}

// NewMachine creates a Machine with memSize bytes of physical RAM. Paging is
// initially disabled and interrupts are enabled.
func NewMachine(memSize mm.Size) (*Machine, error) {
	if memSize < MinMemory || memSize > MaxMemory {
		return nil, fmt.Errorf("machine needs between %d and %d bytes of RAM; got %d", MinMemory, MaxMemory, memSize)
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating simulated RAM: %w", err)
	}

	return &Machine{
		mem:               mem,
		base:              uintptr(unsafe.Pointer(&mem[0])),
		size:              uintptr(memSize),
		interruptsEnabled: true,
		tlb:               make(map[uintptr]uintptr),
	}, nil
}

// Close releases the simulated RAM. The machine must not be used afterwards.
func (m *Machine) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem, m.base, m.size = nil, 0, 0
	return err
}

// MemorySize returns the amount of simulated RAM in bytes.
func (m *Machine) MemorySize() mm.Size {
	return mm.Size(m.size)
}

// Install routes the privileged operations of package cpu and the address
// resolver of package mm to this machine. The returned function restores the
// previous implementations.
func (m *Machine) Install() (restore func()) {
	restoreOps := cpu.SetOps(cpu.Ops{
		EnableInterrupts:  func() { m.interruptsEnabled = true },
		DisableInterrupts: func() { m.interruptsEnabled = false },
		InterruptsEnabled: func() bool { return m.interruptsEnabled },
		Halt:              func() { m.halts++ },
		FlushTLBEntry:     m.flushTLBEntry,
		SwitchPDT:         m.switchPDT,
		ActivePDT:         func() uintptr { return m.cr3 },
	})
	restoreResolver := mm.SetAddressResolver(m.Resolve)

	return func() {
		restoreResolver()
		restoreOps()
	}
}

// EnablePaging builds the boot page tables at BootTablesBase and loads them
// into CR3. The tables identity-map [PageSize, MemorySize()) through a single
// P3 and P2 table and as many consecutive P1 tables as needed.
func (m *Machine) EnablePaging() {
	var (
		p4      = BootTablesBase
		p3      = p4 + mm.PageSize
		p2      = p3 + mm.PageSize
		p1      = p2 + mm.PageSize
		p1Count = (m.size + p1Span - 1) / p1Span
	)

	clear(m.mem[p4 : p1+p1Count*mm.PageSize])

	m.WritePhys64(p4, uint64(p3)|entryPresent|entryRW)
	m.WritePhys64(p3, uint64(p2)|entryPresent|entryRW)
	for i := uintptr(0); i < p1Count; i++ {
		m.WritePhys64(p2+i<<3, uint64(p1+i*mm.PageSize)|entryPresent|entryRW)
	}

	// The P1 tables are contiguous so the entry for addr lives at index
	// addr >> PageShift counting from the first one.
	for addr := mm.PageSize; addr < m.size; addr += mm.PageSize {
		m.WritePhys64(p1+(addr>>mm.PageShift)<<3, uint64(addr)|entryPresent|entryRW)
	}

	m.switchPDT(p4)
}

// Halts returns the number of times the CPU was halted.
func (m *Machine) Halts() int {
	return m.halts
}

// InterruptsEnabled reports the state of the simulated interrupt flag.
func (m *Machine) InterruptsEnabled() bool {
	return m.interruptsEnabled
}

// FlushStats returns the TLB flush counters.
func (m *Machine) FlushStats() FlushStats {
	return m.flushStats
}

// TLBLookup returns the cached physical frame for the page containing virt.
func (m *Machine) TLBLookup(virt uintptr) (uintptr, bool) {
	frame, ok := m.tlb[virt&^pageOffsetMask]
	return frame, ok
}

// ReadPhys64 reads the 64-bit word stored at the given physical address.
func (m *Machine) ReadPhys64(physAddr uintptr) uint64 {
	return *(*uint64)(m.physPtr(physAddr))
}

// WritePhys64 stores a 64-bit word at the given physical address.
func (m *Machine) WritePhys64(physAddr uintptr, val uint64) {
	*(*uint64)(m.physPtr(physAddr)) = val
}

// Translate converts a virtual address to a physical one using the active
// page tables (and the TLB).
func (m *Machine) Translate(virt uintptr) (uintptr, error) {
	phys, fault := m.translate(virt)
	if fault != nil {
		return 0, fault
	}
	return phys, nil
}

// Resolve translates virt and returns the host address that backs it. It
// panics with a *PageFault if the translation fails, like a real access
// would trap.
func (m *Machine) Resolve(virt uintptr) uintptr {
	phys, fault := m.translate(virt)
	if fault != nil {
		panic(fault)
	}

	return m.base + phys
}

func (m *Machine) translate(virt uintptr) (uintptr, *PageFault) {
	var phys uintptr

	if m.cr3 == 0 {
		phys = virt
	} else {
		var fault *PageFault
		if phys, fault = m.walk(virt); fault != nil {
			return 0, fault
		}
	}

	if phys >= m.size {
		return 0, &PageFault{Addr: virt, Level: -1, Reason: "physical address outside RAM"}
	}

	return phys, nil
}

func (m *Machine) walk(virt uintptr) (uintptr, *PageFault) {
	// Bits 48-63 must be copies of bit 47.
	if top := virt >> 47; top != 0 && top != (1<<17)-1 {
		return 0, &PageFault{Addr: virt, Level: -1, Reason: "non-canonical address"}
	}

	page := virt &^ pageOffsetMask
	if frame, ok := m.tlb[page]; ok {
		return frame | virt&pageOffsetMask, nil
	}

	table := m.cr3 &^ pageOffsetMask
	for level, shift := range levelShifts {
		entryAddr := table + ((virt>>shift)&(tableEntries-1))<<3
		if entryAddr >= m.size {
			return 0, &PageFault{Addr: virt, Level: level, Reason: "page table outside RAM"}
		}

		entry := m.ReadPhys64(entryAddr)
		if entry&entryPresent == 0 {
			return 0, &PageFault{Addr: virt, Level: level, Reason: "entry not present"}
		}

		next := uintptr(entry & entryAddrMask)
		switch {
		case shift == mm.PageShift:
			m.tlb[page] = next
			return next | virt&pageOffsetMask, nil
		case (level == 1 || level == 2) && entry&entryHuge != 0:
			span := uintptr(1) << shift
			phys := next&^(span-1) | virt&(span-1)
			m.tlb[page] = phys &^ pageOffsetMask
			return phys, nil
		}

		table = next
	}

	// The P1 level always terminates the loop.
	panic("unreachable")
}

func (m *Machine) flushTLBEntry(virt uintptr) {
	delete(m.tlb, virt&^pageOffsetMask)

	m.flushStats.Total++
	m.flushStats.LastAddr = virt
	if m.interruptsEnabled {
		m.flushStats.WithInterruptsEnabled++
	}
}

func (m *Machine) switchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr
	clear(m.tlb)
}

func (m *Machine) physPtr(physAddr uintptr) unsafe.Pointer {
	if physAddr+8 > m.size {
		panic(&PageFault{Addr: physAddr, Level: -1, Reason: "physical address outside RAM"})
	}
	return unsafe.Pointer(&m.mem[physAddr])
}
