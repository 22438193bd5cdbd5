package vmm

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
	"github.com/nullcore-os/kernel/kernel/mem/pool"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// Flag is a bitset describing how a virtual range is allocated and backed.
type Flag uint8

const (
	// FlagVirtual is required on every VCB.Allocate call; callers that
	// don't set it want a raw physical frame instead (kernel/mem/pmm
	// directly), not a virtual reservation.
	FlagVirtual Flag = 1 << iota
	// FlagUser restricts the search to the lower (user) half.
	FlagUser
	// FlagNoAlloc reserves the virtual range without physical backing.
	FlagNoAlloc
	// FlagMMIO marks a range that must be mapped with device cacheability.
	FlagMMIO
)

// Preference selects which mapping virt_of prefers when a physical address
// has more than one virtual alias.
type Preference uint8

const (
	// Any returns the lowest virtual address unconditionally.
	Any Preference = iota
	// Kernel prefers the lowest virtual address >= mem.KernelHalf even
	// if a lower-addressed mapping also exists.
	Kernel
)

// Descriptor describes one virtual range tracked by a VCB.
type Descriptor struct {
	NumPages  uint64
	StartVirt uintptr
	StartPhys uintptr
	Flags     Flag
	IsMapped  bool

	prev, next *Descriptor
}

// Layout mirrors pmm.Layout for virtual allocation requests.
type Layout struct {
	Size  mem.Size
	Align uintptr
}

var (
	errOutOfMemory     = &kernel.Error{Module: "vcb", Kind: kernel.KindOutOfMemory, Message: "no virtual range large enough for the request"}
	errInvalidArg      = &kernel.Error{Module: "vcb", Kind: kernel.KindInvalidArgument, Message: "invalid address or layout for this operation"}
	errRangeNotMapped  = &kernel.Error{Module: "vcb", Kind: kernel.KindInvalidArgument, Message: "virtual address is not bound to a physical range"}
)

// VCB (Virtual Control Block) is a best-fit allocator over one address
// space's canonical virtual range, split into a user-eligible lower half
// and a kernel higher half, fronting one Mapper.
type VCB struct {
	lock *sync.IRQSpinlock

	procID uint64
	mapper *Mapper
	pool   *pool.Pool

	free  descList
	alloc descList
}

type descList struct {
	head, tail *Descriptor
	len        int
}

func (l *descList) pushFront(d *Descriptor) {
	d.prev = nil
	d.next = l.head
	if l.head != nil {
		l.head.prev = d
	}
	l.head = d
	if l.tail == nil {
		l.tail = d
	}
	l.len++
}

func (l *descList) remove(d *Descriptor) {
	if d.prev != nil {
		d.prev.next = d.next
	} else {
		l.head = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	} else {
		l.tail = d.prev
	}
	d.prev, d.next = nil, nil
	l.len--
}

func (l *descList) forEach(fn func(*Descriptor) bool) {
	for d := l.head; d != nil; d = d.next {
		if !fn(d) {
			return
		}
	}
}

// New constructs a VCB fronting mapper, with the two canonical free
// descriptors: [PageSize, KernelHalf) and [KernelHalf, VirtTop). Page 0 and
// the topmost RecursiveReserved bytes below VirtTop are permanently
// excluded. nodeRegion backs the VCB's own fixed descriptor-node pool (see
// kernel/mem/pool; Design Note 1's "allocator of allocators" staging).
func New(procID uint64, mapper *Mapper, nodeRegion []byte) *VCB {
	var d Descriptor
	v := &VCB{
		lock:   sync.NewIRQSpinlock(sync.RankActiveVCB),
		procID: procID,
		mapper: mapper,
		pool:   pool.New(nodeRegion, unsafe.Sizeof(d)),
	}

	lower := v.newDesc()
	lower.StartVirt = uintptr(mem.PageSize)
	lower.NumPages = (mem.KernelHalf - uintptr(mem.PageSize)) / uintptr(mem.PageSize)
	v.free.pushFront(lower)

	upperSize := (mem.VirtTop - mem.KernelHalf) - uintptr(mem.RecursiveReserved)
	upper := v.newDesc()
	upper.StartVirt = mem.KernelHalf
	upper.NumPages = uintptr(upperSize) / uintptr(mem.PageSize)
	v.free.pushFront(upper)

	return v
}

func (v *VCB) newDesc() *Descriptor {
	addr := v.pool.Alloc()
	if addr == 0 {
		return nil
	}
	d := (*Descriptor)(unsafe.Pointer(addr))
	*d = Descriptor{}
	return d
}

func (v *VCB) freeDesc(d *Descriptor) {
	*d = Descriptor{}
	v.pool.Free(uintptr(unsafe.Pointer(d)))
}

// ProcID returns the owning address space's process id.
func (v *VCB) ProcID() uint64 { return v.procID }

// Mapper returns the Page Mapper this VCB installs translations through.
func (v *VCB) Mapper() *Mapper { return v.mapper }

func inUserHalf(virt uintptr) bool { return virt < mem.KernelHalf }

// Allocate reserves a virtual range of the requested size. FlagVirtual must
// be set. If FlagUser is set the search is restricted to the lower half,
// otherwise to the higher half. FlagNoAlloc reserves the range with no
// physical backing (see Map to bind it later); otherwise a physical frame
// is obtained from frameAllocator and mapped immediately.
func (v *VCB) Allocate(layout Layout, flags Flag) (uintptr, error) {
	if flags&FlagVirtual == 0 {
		return 0, errInvalidArg
	}
	if layout.Align > uintptr(mem.PageSize) {
		return 0, errInvalidArg
	}

	v.lock.Acquire()
	defer v.lock.Release()

	reqPages := layout.Size.Pages()
	if reqPages == 0 {
		reqPages = 1
	}
	user := flags&FlagUser != 0

	var best *Descriptor
	v.free.forEach(func(d *Descriptor) bool {
		if d.NumPages < reqPages {
			return true
		}
		if inUserHalf(d.StartVirt) != user {
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

	allocVirt := best.StartVirt
	best.StartVirt += uintptr(reqPages) * uintptr(mem.PageSize)
	best.NumPages -= reqPages
	if best.NumPages == 0 {
		v.free.remove(best)
		v.freeDesc(best)
	}

	d := v.newDesc()
	if d == nil {
		return 0, pool.Err()
	}
	d.StartVirt = allocVirt
	d.NumPages = reqPages
	d.Flags = flags

	if flags&FlagNoAlloc == 0 {
		physPhys, err := frameAllocator.Allocate(pmm.Layout{Size: mem.Size(reqPages) * mem.PageSize})
		if err != nil {
			v.freeDesc(d)
			return 0, err
		}
		pteFlags := FlagPresent | FlagRW
		if user {
			pteFlags |= FlagUser
		}
		if err := v.mapper.Map(allocVirt, physPhys, mem.Size(reqPages)*mem.PageSize, pteFlags); err != nil {
			v.freeDesc(d)
			return 0, err
		}
		d.StartPhys = physPhys
		d.IsMapped = true
	}

	v.alloc.pushFront(d)

	return allocVirt, nil
}

// Deallocate releases a virtual range previously returned by Allocate,
// unmapping and returning its physical frame (if any) and coalescing the
// virtual range back into the free list.
func (v *VCB) Deallocate(virt uintptr, layout Layout) error {
	v.lock.Acquire()
	defer v.lock.Release()

	pages := layout.Size.Pages()
	if pages == 0 {
		pages = 1
	}

	var found *Descriptor
	v.alloc.forEach(func(d *Descriptor) bool {
		if d.StartVirt == virt && d.NumPages == pages {
			found = d
			return false
		}
		return true
	})
	if found == nil {
		return errInvalidArg
	}
	v.alloc.remove(found)

	if found.IsMapped {
		if err := v.mapper.Unmap(found.StartVirt, mem.Size(found.NumPages)*mem.PageSize); err != nil {
			return err
		}
		if err := frameAllocator.Deallocate(found.StartPhys, pmm.Layout{Size: mem.Size(found.NumPages) * mem.PageSize}); err != nil {
			return err
		}
	}

	freedVirt, freedPages := found.StartVirt, found.NumPages
	v.freeDesc(found)

	return v.coalesceFree(freedVirt, freedPages)
}

// coalesceFree mirrors pmm's two-pass merge, but additionally refuses to
// merge across the user/kernel boundary: a block starting exactly at
// mem.KernelHalf is never merged downward into the user half.
func (v *VCB) coalesceFree(virt uintptr, pages uint64) error {
	end := virt + uintptr(pages)*uintptr(mem.PageSize)

	merge := func() *Descriptor {
		var hit *Descriptor
		v.free.forEach(func(d *Descriptor) bool {
			dEnd := d.StartVirt + uintptr(d.NumPages)*uintptr(mem.PageSize)
			if dEnd == virt && virt != mem.KernelHalf {
				d.NumPages += pages
				hit = d
				return false
			}
			if d.StartVirt == end && end != mem.KernelHalf {
				d.StartVirt = virt
				d.NumPages += pages
				hit = d
				return false
			}
			return true
		})
		return hit
	}

	if hit := merge(); hit != nil {
		virt = hit.StartVirt
		pages = hit.NumPages
		v.free.remove(hit)
		v.freeDesc(hit)

		if merge() != nil {
			return nil
		}

		d := v.newDesc()
		if d == nil {
			kernel.Panic(pool.Err())
		}
		d.StartVirt = virt
		d.NumPages = pages
		v.free.pushFront(d)
		return nil
	}

	d := v.newDesc()
	if d == nil {
		kernel.Panic(pool.Err())
	}
	d.StartVirt = virt
	d.NumPages = pages
	v.free.pushFront(d)

	return nil
}

// Map binds an existing physical region to a specific virtual address,
// transitioning a FlagNoAlloc reservation (or a free/NO_ALLOC range) to
// fully backed. Both addresses must be page-aligned.
func (v *VCB) Map(phys, virt uintptr, size mem.Size, isUser bool) error {
	if !mem.IsAligned(phys) || !mem.IsAligned(virt) {
		return errInvalidArg
	}

	v.lock.Acquire()
	defer v.lock.Release()

	pages := size.Pages()
	if pages == 0 {
		pages = 1
	}
	end := virt + uintptr(pages)*uintptr(mem.PageSize)

	var enclosing *Descriptor
	var onFreeList bool
	v.alloc.forEach(func(d *Descriptor) bool {
		if d.StartVirt <= virt && end <= d.StartVirt+uintptr(d.NumPages)*uintptr(mem.PageSize) {
			enclosing = d
			return false
		}
		return true
	})
	if enclosing == nil {
		v.free.forEach(func(d *Descriptor) bool {
			if d.StartVirt <= virt && end <= d.StartVirt+uintptr(d.NumPages)*uintptr(mem.PageSize) {
				enclosing = d
				onFreeList = true
				return false
			}
			return true
		})
	}
	if enclosing == nil {
		return errInvalidArg
	}

	origStart := enclosing.StartVirt
	origPages := enclosing.NumPages
	origFlags := enclosing.Flags

	if onFreeList {
		v.free.remove(enclosing)
	} else {
		v.alloc.remove(enclosing)
	}
	v.freeDesc(enclosing)

	headPages := (virt - origStart) / uintptr(mem.PageSize)
	tailStart := end
	tailPages := (origStart+uintptr(origPages)*uintptr(mem.PageSize) - tailStart) / uintptr(mem.PageSize)

	if headPages > 0 {
		h := v.newDesc()
		if h == nil {
			return pool.Err()
		}
		h.StartVirt = origStart
		h.NumPages = headPages
		h.Flags = origFlags
		if onFreeList {
			v.free.pushFront(h)
		} else {
			v.alloc.pushFront(h)
		}
	}
	if tailPages > 0 {
		tl := v.newDesc()
		if tl == nil {
			return pool.Err()
		}
		tl.StartVirt = tailStart
		tl.NumPages = tailPages
		tl.Flags = origFlags
		if onFreeList {
			v.free.pushFront(tl)
		} else {
			v.alloc.pushFront(tl)
		}
	}

	mid := v.newDesc()
	if mid == nil {
		return pool.Err()
	}
	mid.StartVirt = virt
	mid.NumPages = pages
	mid.StartPhys = phys
	mid.IsMapped = true
	mid.Flags = origFlags | FlagVirtual
	v.alloc.pushFront(mid)

	pteFlags := FlagPresent | FlagRW
	if isUser {
		pteFlags |= FlagUser
	}
	return v.mapper.Map(virt, phys, size, pteFlags)
}

// Unmap is the inverse of Map: it clears the mapper's translations and
// coalesces the virtual range back into the free list.
func (v *VCB) Unmap(virt uintptr, size mem.Size) error {
	return v.Deallocate(virt, Layout{Size: size})
}

// PhysOf returns the physical address backing virt, if any. It is a linear
// scan of the allocated list.
func (v *VCB) PhysOf(virt uintptr) (uintptr, bool) {
	v.lock.Acquire()
	defer v.lock.Release()

	var found uintptr
	var ok bool
	v.alloc.forEach(func(d *Descriptor) bool {
		if !d.IsMapped {
			return true
		}
		lo := d.StartVirt
		hi := d.StartVirt + uintptr(d.NumPages)*uintptr(mem.PageSize)
		if virt >= lo && virt < hi {
			found = d.StartPhys + (virt - lo)
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// VirtOf returns a virtual alias of phys, if one exists. With Kernel
// preference the lowest address >= mem.KernelHalf is preferred even if a
// lower-addressed mapping exists; with Any preference the lowest virtual
// address is returned unconditionally.
func (v *VCB) VirtOf(phys uintptr, pref Preference) (uintptr, bool) {
	v.lock.Acquire()
	defer v.lock.Release()

	var best uintptr
	var bestKernel uintptr
	var haveAny, haveKernel bool

	v.alloc.forEach(func(d *Descriptor) bool {
		if !d.IsMapped {
			return true
		}
		lo := d.StartPhys
		hi := d.StartPhys + uintptr(d.NumPages)*uintptr(mem.PageSize)
		if phys < lo || phys >= hi {
			return true
		}
		virt := d.StartVirt + (phys - lo)

		if !haveAny || virt < best {
			best = virt
			haveAny = true
		}
		if virt >= mem.KernelHalf && (!haveKernel || virt < bestKernel) {
			bestKernel = virt
			haveKernel = true
		}
		return true
	})

	if pref == Kernel && haveKernel {
		return bestKernel, true
	}
	return best, haveAny
}
