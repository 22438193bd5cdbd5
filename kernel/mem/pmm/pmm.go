// Package pmm implements the kernel's physical frame allocator: a best-fit
// allocator over physical page ranges with optional upper/lower bounds,
// coalesce-on-free, and permanent exclusion of physical page zero.
package pmm

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pool"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// Flag is a bitset describing how a physical page range participates in the
// allocator's bookkeeping.
type Flag uint8

const (
	// FlagVirtual marks a descriptor that also participates in a VCB.
	FlagVirtual Flag = 1 << iota
	// FlagUser marks pages below the kernel-half boundary.
	FlagUser
	// FlagNoAlloc marks a reserved range with no physical backing.
	FlagNoAlloc
	// FlagMMIO marks a range that must be mapped with device cacheability.
	FlagMMIO
)

// PageDescriptor describes a contiguous run of physical pages. Descriptors
// are drawn from the Allocator's fixed node pool; Go code never constructs
// one directly.
type PageDescriptor struct {
	NumPages  uint64
	StartPhys uintptr
	StartVirt uintptr
	Flags     Flag
	IsMapped  bool

	prev, next *PageDescriptor
}

// Region describes one physically contiguous range handed to Init, as
// reported by the firmware memory map.
type Region struct {
	Base uintptr
	Size mem.Size
}

// Layout mirrors the size/align pair callers pass to Allocate/Deallocate.
type Layout struct {
	Size  mem.Size
	Align uintptr
}

var (
	errOutOfMemory       = &kernel.Error{Module: "pmm", Kind: kernel.KindOutOfMemory, Message: "no physical frame large enough for the request"}
	errInvalidAlign      = &kernel.Error{Module: "pmm", Kind: kernel.KindInvalidArgument, Message: "alignment request exceeds page size"}
	errNotAllocated      = &kernel.Error{Module: "pmm", Kind: kernel.KindInvalidArgument, Message: "address/size pair is not on the allocated list"}
	errCoalesceExhausted = &kernel.Error{Module: "pmm", Message: "coalesce-on-free could not obtain a descriptor node"}
)

// Allocator is the frame allocator over a set of physical memory regions.
type Allocator struct {
	lock *sync.IRQSpinlock

	pool  *pool.Pool
	free  descList
	alloc descList

	totalMemory     mem.Size
	availableMemory mem.Size

	lowerLimit uintptr
	upperLimit uintptr
	limited    bool
}

// New constructs an Allocator. nodeRegion backs the fixed pool of
// PageDescriptor nodes the allocator uses for its own free/allocated lists;
// it must be live for the lifetime of the Allocator (see Design Note 1:
// "allocator of allocators").
func New(nodeRegion []byte) *Allocator {
	var descSize PageDescriptor
	return &Allocator{
		lock:       sync.NewIRQSpinlock(sync.RankFrameAllocator),
		pool:       pool.New(nodeRegion, unsafe.Sizeof(descSize)),
		upperLimit: ^uintptr(0),
	}
}

// Init populates the free list from the supplied memory regions, trimming
// page zero out of whichever region contains it.
func (a *Allocator) Init(regions []Region) error {
	a.lock.Acquire()
	defer a.lock.Release()

	for _, r := range regions {
		base := r.Base
		size := r.Size

		if base == 0 {
			if size < mem.PageSize {
				continue
			}
			base += uintptr(mem.PageSize)
			size -= mem.PageSize
		}
		if size == 0 {
			continue
		}

		d := a.newDesc()
		if d == nil {
			return pool.Err()
		}
		d.StartPhys = base
		d.NumPages = size.Pages()
		a.free.pushFront(d)

		a.totalMemory += size
		a.availableMemory += size
	}

	return nil
}

func (a *Allocator) newDesc() *PageDescriptor {
	addr := a.pool.Alloc()
	if addr == 0 {
		return nil
	}
	d := (*PageDescriptor)(unsafe.Pointer(addr))
	*d = PageDescriptor{}
	return d
}

func (a *Allocator) freeDesc(d *PageDescriptor) {
	*d = PageDescriptor{}
	a.pool.Free(uintptr(unsafe.Pointer(d)))
}

// ConfigureUpperLimit restricts subsequent allocations to frames whose
// entire range lies at or below limit.
func (a *Allocator) ConfigureUpperLimit(limit uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()
	a.upperLimit = limit
	a.limited = true
}

// ConfigureLowerLimit restricts subsequent allocations to frames whose
// entire range lies at or above limit.
func (a *Allocator) ConfigureLowerLimit(limit uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()
	a.lowerLimit = limit
	a.limited = true
}

// DisableLimits resets both bounds to the allocator's full range in one
// call. configure_upper_limit/configure_lower_limit are a transient
// override (e.g. for AP-trampoline bring-up below 1 MiB): set a limit,
// allocate once, then disable.
func (a *Allocator) DisableLimits() {
	a.lock.Acquire()
	defer a.lock.Release()
	a.lowerLimit = 0
	a.upperLimit = ^uintptr(0)
	a.limited = false
}

func (a *Allocator) withinLimits(base uintptr, pages uint64) bool {
	if !a.limited {
		return true
	}
	end := base + uintptr(pages)*uintptr(mem.PageSize)
	return base >= a.lowerLimit && end <= a.upperLimit
}

// Allocate reserves the smallest free run of pages that satisfies layout
// and returns its physical base address.
func (a *Allocator) Allocate(layout Layout) (uintptr, error) {
	if layout.Align > uintptr(mem.PageSize) {
		return 0, errInvalidAlign
	}

	a.lock.Acquire()
	defer a.lock.Release()

	reqPages := layout.Size.Pages()
	if reqPages == 0 {
		reqPages = 1
	}

	var best *PageDescriptor
	a.free.forEach(func(d *PageDescriptor) bool {
		if d.NumPages < reqPages || !a.withinLimits(d.StartPhys, d.NumPages) {
			return true
		}
		if best == nil || d.NumPages < best.NumPages {
			best = d
		}
		return true
	})

	if best == nil {
		return 0, errOutOfMemory
	}

	allocBase := best.StartPhys
	best.StartPhys += uintptr(reqPages) * uintptr(mem.PageSize)
	best.NumPages -= reqPages
	if best.NumPages == 0 {
		a.free.remove(best)
		a.freeDesc(best)
	}

	d := a.newDesc()
	if d == nil {
		return 0, pool.Err()
	}
	d.StartPhys = allocBase
	d.NumPages = reqPages
	a.alloc.pushFront(d)

	a.availableMemory -= mem.Size(reqPages) * mem.PageSize

	return allocBase, nil
}

// Deallocate returns a previously allocated (addr, size) range to the free
// list, coalescing with adjacent free neighbours.
func (a *Allocator) Deallocate(addr uintptr, layout Layout) error {
	a.lock.Acquire()
	defer a.lock.Release()

	pages := layout.Size.Pages()
	if pages == 0 {
		pages = 1
	}

	var found *PageDescriptor
	a.alloc.forEach(func(d *PageDescriptor) bool {
		if d.StartPhys == addr && d.NumPages == pages {
			found = d
			return false
		}
		return true
	})
	if found == nil {
		return errNotAllocated
	}
	a.alloc.remove(found)

	a.availableMemory += mem.Size(pages) * mem.PageSize

	freedBase := found.StartPhys
	freedPages := found.NumPages
	a.freeDesc(found)

	return a.coalesceFree(freedBase, freedPages)
}

// coalesceFree inserts [base, base+pages) into the free list, merging with
// a contiguous neighbour below or above; a second pass then checks whether
// the merged block is now contiguous with a neighbour on the far side,
// since the first merge can create a new adjacency.
func (a *Allocator) coalesceFree(base uintptr, pages uint64) error {
	end := base + uintptr(pages)*uintptr(mem.PageSize)

	merge := func() *PageDescriptor {
		var hit *PageDescriptor
		a.free.forEach(func(d *PageDescriptor) bool {
			dEnd := d.StartPhys + uintptr(d.NumPages)*uintptr(mem.PageSize)
			if dEnd == base {
				d.NumPages += pages
				hit = d
				return false
			}
			if d.StartPhys == end {
				d.StartPhys = base
				d.NumPages += pages
				hit = d
				return false
			}
			return true
		})
		return hit
	}

	if hit := merge(); hit != nil {
		// Re-scan once more: the merged block may now abut a second
		// neighbour on the far side.
		base = hit.StartPhys
		pages = hit.NumPages
		a.free.remove(hit)
		a.freeDesc(hit)

		if hit2 := merge(); hit2 != nil {
			return nil
		}

		d := a.newDesc()
		if d == nil {
			kernel.Panic(errCoalesceExhausted)
		}
		d.StartPhys = base
		d.NumPages = pages
		a.free.pushFront(d)
		return nil
	}

	d := a.newDesc()
	if d == nil {
		kernel.Panic(errCoalesceExhausted)
	}
	d.StartPhys = base
	d.NumPages = pages
	a.free.pushFront(d)

	return nil
}

// AvailableMemory returns the amount of memory currently on the free list.
func (a *Allocator) AvailableMemory() mem.Size {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.availableMemory
}

// TotalMemory returns the amount of memory Init registered, regardless of
// how much is currently allocated.
func (a *Allocator) TotalMemory() mem.Size {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.totalMemory
}
