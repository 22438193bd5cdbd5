package vmm

import "github.com/nullcore-os/kernel/kernel/mem"

const (
	// pageLevels is the depth of the page table radix tree: PML4, PDPT,
	// PD, PT.
	pageLevels = 4

	// pageLevelBits is the number of virtual-address bits each level
	// indexes with (9 bits -> 512 entries per table).
	pageLevelBits = 9

	// entriesPerTable is 1<<pageLevelBits.
	entriesPerTable = 1 << pageLevelBits

	// recursiveSlot is the top-level table's last entry (511), which is
	// self-mapped so that recursive addressing can reach every table in
	// the hierarchy without a separate bootstrap mapping.
	recursiveSlot = entriesPerTable - 1
)

// pageLevelShifts holds the bit offset of each level's 9-bit index within a
// virtual address, ordered [PML4, PDPT, PD, PT].
var pageLevelShifts = [pageLevels]uint{
	12 + 3*pageLevelBits, // PML4: bits 39-47
	12 + 2*pageLevelBits, // PDPT: bits 30-38
	12 + 1*pageLevelBits, // PD:   bits 21-29
	12 + 0*pageLevelBits, // PT:   bits 12-20
}

// pdtVirtualAddr is the recursive-mapping base address: with the top-level
// table's slot 511 self-mapped, 0xFFFF_FF8000000000 is the start of the
// 512 GiB window reached by one hop through slot 511, in which every
// bottom-level (PT) table of the live address space is visible. Each
// further hop (slot 511 in the next index field down) reaches the next
// level up: PD tables, then PDPT tables, and after four hops the PML4
// itself at 0xFFFF_FFFF_FFFF_F000. Canonical sign-extension fills bits
// 48-63; the first hop occupies the PML4 index field (bits 39-47).
const pdtVirtualAddr = (^uintptr(0) << 48) | (uintptr(recursiveSlot) << 39)

// tempMappingAddr names the single page just below the recursive region.
// No code in this package maps through it (new tables are zeroed through
// physView or the recursive slot instead), and VCB.New does not exclude it
// from the higher-half free range, so a VCB may hand this page out.
const tempMappingAddr = mem.VirtTop - uintptr(mem.RecursiveReserved) - uintptr(mem.PageSize)

// ptePhysPageMask isolates the 40-bit physical frame number field (bits
// 12-51) of a page table entry.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// PTEFlag is the flags bitset of a page table entry, matching the hardware
// layout in the low bits of each 8-byte entry.
type PTEFlag uintptr

const (
	FlagPresent PTEFlag = 1 << iota
	FlagRW
	FlagUser
	FlagPWT
	FlagPCD
	_ // accessed, managed by hardware, not set explicitly here
	_ // dirty, leaf-only, managed by hardware
	_ // PAT/PS, unused by this mapper
	FlagGlobal
)
