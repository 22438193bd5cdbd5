// Package vmm implements the kernel's 4-level recursive page mapper and the
// per-address-space virtual control block (VCB) built on top of it.
package vmm

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/cpu"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
)

var (
	// frameAllocator supplies physical pages for new page-table levels.
	// It is nil until SetFrameAllocator is called during kernel bring-up.
	frameAllocator *pmm.Allocator

	// flushTLBEntryFn and switchPDTFn are package-level function
	// variables so tests can substitute a fake CPU without touching
	// real control registers.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
)

// SetFrameAllocator installs the allocator Mapper uses to obtain physical
// pages for new page-table levels.
func SetFrameAllocator(a *pmm.Allocator) { frameAllocator = a }

var (
	errInvalidArgument = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "address or size is not page-aligned"}
)

// Mapper owns one 4-level page table hierarchy. is_current indicates
// whether this hierarchy is the one presently installed in the MMU root
// register: when true, table walks address intermediate levels through the
// recursive self-mapping slot; when false (a hierarchy being built before
// it is switched to) walks go through physView, a caller-supplied
// identity-style translation of physical addresses to addresses the CPU can
// presently dereference.
type Mapper struct {
	topPhys   uintptr
	isCurrent bool
	physView  func(phys uintptr) uintptr
}

// NewMapper constructs a Mapper over an already-allocated, zeroed top-level
// table at topPhys. physView is used only while isCurrent is false; pass
// nil for the identity mapping (phys == virt), the common case for the
// bootloader-provided page table the kernel inherits at entry.
func NewMapper(topPhys uintptr, isCurrent bool, physView func(uintptr) uintptr) *Mapper {
	if physView == nil {
		physView = func(p uintptr) uintptr { return p }
	}
	return &Mapper{topPhys: topPhys, isCurrent: isCurrent, physView: physView}
}

// TopPhys returns the physical address of the top-level table.
func (m *Mapper) TopPhys() uintptr { return m.topPhys }

// IsCurrent reports whether this is the installed address space.
func (m *Mapper) IsCurrent() bool { return m.isCurrent }

func splitIndices(virt uintptr) [pageLevels]uintptr {
	var idx [pageLevels]uintptr
	for i := 0; i < pageLevels; i++ {
		idx[i] = (virt >> pageLevelShifts[i]) & (entriesPerTable - 1)
	}
	return idx
}

// recursiveEntryAddr returns the virtual address of the page-table entry
// that must be modified to point from level into level+1, for the given
// index tuple, using the recursive self-mapping slot. See the worked
// derivation in constants_amd64.go's pdtVirtualAddr doc comment: reaching
// the table at depth `level` takes (pageLevels-level) hops through the
// recursive slot followed by the real indices already consumed.
func recursiveEntryAddr(level int, idx [pageLevels]uintptr) uintptr {
	n := pageLevels - level

	var addr uintptr = ^uintptr(0) << 48
	for i := 0; i < pageLevels; i++ {
		var field uintptr
		if i < n {
			field = recursiveSlot
		} else {
			field = idx[i-n]
		}
		addr |= field << pageLevelShifts[i]
	}

	addr |= idx[level] * 8
	return addr
}

func readPTE(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writePTE(addr uintptr, val uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = val
}

// ensureTable walks down to `level`, allocating and zeroing any missing
// intermediate table, and returns the virtual address of the entry that
// addresses `level`'s table for the given index tuple.
func (m *Mapper) ensureTable(level int, idx [pageLevels]uintptr) (uintptr, error) {
	if m.isCurrent {
		return m.ensureTableCurrent(level, idx)
	}
	return m.ensureTableIdentity(level, idx)
}

func (m *Mapper) ensureTableCurrent(level int, idx [pageLevels]uintptr) (uintptr, error) {
	for l := 0; l < level; l++ {
		entryAddr := recursiveEntryAddr(l, idx)
		entry := readPTE(entryAddr)
		if entry&uintptr(FlagPresent) != 0 {
			continue
		}

		childPhys, err := m.allocTable()
		if err != nil {
			return 0, err
		}
		writePTE(entryAddr, (childPhys&ptePhysPageMask)|uintptr(FlagPresent|FlagRW|FlagUser))

		// The child table is now reachable one recursion level deeper;
		// zero it through that view.
		childTableAddr := recursiveEntryAddr(l+1, idx) &^ (uintptr(mem.PageSize) - 1)
		zeroPage(childTableAddr)
	}

	return recursiveEntryAddr(level, idx), nil
}

func (m *Mapper) ensureTableIdentity(level int, idx [pageLevels]uintptr) (uintptr, error) {
	tablePhys := m.topPhys

	for l := 0; l < level; l++ {
		tableAddr := m.physView(tablePhys)
		entryAddr := tableAddr + idx[l]*8
		entry := readPTE(entryAddr)

		if entry&uintptr(FlagPresent) != 0 {
			tablePhys = entry & ptePhysPageMask
			continue
		}

		childPhys, err := m.allocTable()
		if err != nil {
			return 0, err
		}
		writePTE(entryAddr, (childPhys&ptePhysPageMask)|uintptr(FlagPresent|FlagRW|FlagUser))
		zeroPage(m.physView(childPhys))
		tablePhys = childPhys
	}

	return m.physView(tablePhys) + idx[level]*8, nil
}

func (m *Mapper) allocTable() (uintptr, error) {
	if frameAllocator == nil {
		return 0, &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
	}
	return frameAllocator.Allocate(pmm.Layout{Size: mem.PageSize})
}

func zeroPage(virtAddr uintptr) {
	for off := uintptr(0); off < uintptr(mem.PageSize); off += 8 {
		writePTE(virtAddr+off, 0)
	}
}

// Map installs virt -> phys translations for size bytes (rounded up to a
// whole number of pages), allocating any missing intermediate tables from
// the registered frame allocator.
func (m *Mapper) Map(virt, phys uintptr, size mem.Size, flags PTEFlag) error {
	if !mem.IsAligned(virt) || !mem.IsAligned(phys) {
		return errInvalidArgument
	}

	pages := size.Pages()
	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		pagePhys := phys + uintptr(i)*uintptr(mem.PageSize)
		idx := splitIndices(pageVirt)

		leafEntryAddr, err := m.ensureTable(pageLevels-1, idx)
		if err != nil {
			return err
		}
		writePTE(leafEntryAddr, (pagePhys&ptePhysPageMask)|uintptr(flags))

		if m.isCurrent {
			flushTLBEntryFn(pageVirt)
		}
	}

	return nil
}

// Unmap clears the leaf translations for size bytes starting at virt.
// Intermediate tables are retained even if they become entirely empty;
// reclaiming them is a known gap (see DESIGN.md).
func (m *Mapper) Unmap(virt uintptr, size mem.Size) error {
	if !mem.IsAligned(virt) {
		return errInvalidArgument
	}

	pages := size.Pages()
	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		idx := splitIndices(pageVirt)

		var leafEntryAddr uintptr
		if m.isCurrent {
			leafEntryAddr = recursiveEntryAddr(pageLevels-1, idx)
		} else {
			tablePhys := m.topPhys
			for l := 0; l < pageLevels-1; l++ {
				entryAddr := m.physView(tablePhys) + idx[l]*8
				entry := readPTE(entryAddr)
				if entry&uintptr(FlagPresent) == 0 {
					tablePhys = 0
					break
				}
				tablePhys = entry & ptePhysPageMask
			}
			if tablePhys == 0 {
				continue
			}
			leafEntryAddr = m.physView(tablePhys) + idx[pageLevels-1]*8
		}

		writePTE(leafEntryAddr, 0)
		if m.isCurrent {
			flushTLBEntryFn(pageVirt)
		}
	}

	return nil
}

// BootstrapActivate installs this mapper's top-level table as the active
// address space. After this call IsCurrent reports true and subsequent
// walks address intermediate tables through the recursive slot.
func (m *Mapper) BootstrapActivate() {
	switchPDTFn(m.topPhys)
	m.isCurrent = true
}
