package vmm

import (
	"testing"
	"unsafe"

	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
)

// newFakeAllocator returns a frame allocator over a Go-owned buffer that
// backs both the top-level table and every allocated intermediate table for
// a test Mapper. Because the Mapper under test never becomes
// current, physView is the identity function and every "physical" address
// here is really just an address inside this Go-managed byte slice.
func newFakeAllocator(t *testing.T, pages int) (*pmm.Allocator, uintptr) {
	t.Helper()

	ram := make([]byte, (pages+1)*int(mem.PageSize))
	base := mem.AlignUp(uintptr(unsafe.Pointer(&ram[0])))

	var d pmm.PageDescriptor
	nodeRegion := make([]byte, 64*unsafe.Sizeof(d))
	a := pmm.New(nodeRegion)
	if err := a.Init([]pmm.Region{{Base: base, Size: mem.Size((pages - 1) * int(mem.PageSize))}}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return a, base
}

func TestMapIdentityModeInstallsLeaf(t *testing.T) {
	a, _ := newFakeAllocator(t, 16)
	SetFrameAllocator(a)
	defer SetFrameAllocator(nil)

	topPhys, err := a.Allocate(pmm.Layout{Size: mem.PageSize})
	if err != nil {
		t.Fatalf("allocate top table: %v", err)
	}
	zeroPage(topPhys)

	m := NewMapper(topPhys, false, nil)

	const virt = uintptr(0x0000_0000_0020_0000) // a single PD-level-aligned page
	const phys = uintptr(0x30_0000)

	if err := m.Map(virt, phys, mem.PageSize, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	idx := splitIndices(virt)
	tablePhys := m.topPhys
	for l := 0; l < pageLevels-1; l++ {
		entry := readPTE(m.physView(tablePhys) + idx[l]*8)
		if entry&uintptr(FlagPresent) == 0 {
			t.Fatalf("level %d entry not present", l)
		}
		tablePhys = entry & ptePhysPageMask
	}

	leaf := readPTE(m.physView(tablePhys) + idx[pageLevels-1]*8)
	if leaf&uintptr(FlagPresent) == 0 {
		t.Fatal("leaf entry not present after Map")
	}
	if leaf&ptePhysPageMask != phys&ptePhysPageMask {
		t.Fatalf("expected leaf to point at phys %#x, got %#x", phys, leaf&ptePhysPageMask)
	}
}

func TestUnmapClearsLeaf(t *testing.T) {
	a, _ := newFakeAllocator(t, 16)
	SetFrameAllocator(a)
	defer SetFrameAllocator(nil)

	topPhys, err := a.Allocate(pmm.Layout{Size: mem.PageSize})
	if err != nil {
		t.Fatalf("allocate top table: %v", err)
	}
	zeroPage(topPhys)

	m := NewMapper(topPhys, false, nil)

	const virt = uintptr(0x40_0000)
	const phys = uintptr(0x50_0000)

	if err := m.Map(virt, phys, mem.PageSize, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(virt, mem.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	idx := splitIndices(virt)
	tablePhys := m.topPhys
	for l := 0; l < pageLevels-1; l++ {
		entry := readPTE(m.physView(tablePhys) + idx[l]*8)
		tablePhys = entry & ptePhysPageMask
	}
	leaf := readPTE(m.physView(tablePhys) + idx[pageLevels-1]*8)
	if leaf != 0 {
		t.Fatalf("expected leaf entry cleared, got %#x", leaf)
	}
}

func TestMapRejectsUnalignedAddress(t *testing.T) {
	a, _ := newFakeAllocator(t, 16)
	SetFrameAllocator(a)
	defer SetFrameAllocator(nil)

	topPhys, err := a.Allocate(pmm.Layout{Size: mem.PageSize})
	if err != nil {
		t.Fatalf("allocate top table: %v", err)
	}
	zeroPage(topPhys)

	m := NewMapper(topPhys, false, nil)
	if err := m.Map(0x1001, 0x2000, mem.PageSize, FlagPresent); err == nil {
		t.Fatal("expected an error for an unaligned virtual address")
	}
}
