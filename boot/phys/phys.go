// Package phys implements the bootloader-side physical page allocator: a
// monotonic bump allocator over the UEFI memory map. Unlike the kernel-side
// frame allocator (kernel/mem/pmm), the bootloader never frees and never
// needs best-fit — it only ever needs to place the ELF loader's output
// before handoff, so the simplest correct allocator is the right one here.
package phys

import (
	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem"
)

var errOutOfMemory = &kernel.Error{Module: "phys", Kind: kernel.KindOutOfMemory, Message: "bump allocator exhausted its region"}

// Region is one physically contiguous, usable range reported by the UEFI
// memory map (EfiConventionalMemory and similar "free" descriptor types).
type Region struct {
	Base uintptr
	Size mem.Size
}

// Bump is a monotonic allocator over a fixed list of free regions. Regions
// are consumed in the order given; once a region is exhausted the
// allocator advances to the next.
type Bump struct {
	regions []Region
	cursor  int
	offset  uintptr
}

// New constructs a Bump allocator over regions, in the order supplied. The
// caller is expected to have already sorted/filtered the UEFI memory map
// down to usable regions.
func New(regions []Region) *Bump {
	return &Bump{regions: regions}
}

// Allocate returns a size-byte (rounded up to a whole number of pages)
// region whose start is aligned to align, or to mem.PageSize when align is
// 0. The result is page-aligned only if align is a multiple of
// mem.PageSize (or 0).
func (b *Bump) Allocate(size mem.Size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = uintptr(mem.PageSize)
	}

	need := uintptr(size.Pages()) * uintptr(mem.PageSize)

	for b.cursor < len(b.regions) {
		r := b.regions[b.cursor]
		candidate := mem.AlignUpTo(r.Base+b.offset, align)
		regionEnd := r.Base + uintptr(r.Size)

		if candidate+need <= regionEnd {
			b.offset = (candidate - r.Base) + need
			return candidate, nil
		}

		b.cursor++
		b.offset = 0
	}

	return 0, errOutOfMemory
}
