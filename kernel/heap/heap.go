// Package heap implements the kernel's general-purpose allocator: a single
// intrusive free list layered over a VCB, extended a page at a time on
// miss. It trades fragmentation for simplicity — no coalescing, no size
// classes — which is acceptable for a kernel that otherwise has no heap at
// all.
package heap

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
	"github.com/nullcore-os/kernel/kernel/sync"
)

type node struct {
	size uint64
	next *node
}

var (
	nodeSize  = unsafe.Sizeof(node{})
	nodeAlign = unsafe.Alignof(node{})
)

// vcbAllocateFn requests a fresh virtual range from the VCB backing an
// Allocator. A package-level function variable so tests can force an
// out-of-memory extension without building a VCB large enough to actually
// exhaust.
var vcbAllocateFn = func(v *vmm.VCB, size mem.Size) (uintptr, error) {
	return v.Allocate(vmm.Layout{Size: size}, vmm.FlagVirtual)
}

// Allocator is a find-first-fit free-list heap extended on demand from vcb.
type Allocator struct {
	lock *sync.IRQSpinlock
	vcb  *vmm.VCB
	free *node
}

// New constructs an empty heap backed by vcb. It holds no memory until the
// first Alloc call extends it.
func New(vcb *vmm.VCB) *Allocator {
	return &Allocator{lock: sync.NewIRQSpinlock(sync.RankPoolAllocator), vcb: vcb}
}

// Alloc returns size bytes aligned to align, or 0 if the VCB is exhausted.
// size and align are both rounded up to at least the free-list node's own
// size/alignment. A requested alignment greater than the node's natural
// alignment is honored only if a free block happens to already satisfy it;
// this is a simple bring-up heap, not a general aligned allocator.
func (a *Allocator) Alloc(size, align uintptr) uintptr {
	if size < uintptr(nodeSize) {
		size = uintptr(nodeSize)
	}
	if align < nodeAlign {
		align = nodeAlign
	}
	size = alignUpTo(size, nodeAlign)

	a.lock.Acquire()
	defer a.lock.Release()

	if addr, ok := a.findFit(size, align); ok {
		return addr
	}

	if !a.extend(size) {
		return 0
	}

	addr, ok := a.findFit(size, align)
	if !ok {
		return 0
	}
	return addr
}

// Free prepends a new node of the given size at addr. size should be the
// same value (post size/alignment rounding) that was passed to the Alloc
// call that returned addr. No coalescing is attempted.
func (a *Allocator) Free(addr uintptr, size uintptr) {
	if size < uintptr(nodeSize) {
		size = uintptr(nodeSize)
	}
	size = alignUpTo(size, nodeAlign)

	a.lock.Acquire()
	defer a.lock.Release()

	n := (*node)(unsafe.Pointer(addr))
	n.size = uint64(size)
	n.next = a.free
	a.free = n
}

func (a *Allocator) findFit(size, align uintptr) (uintptr, bool) {
	var prev *node
	for n := a.free; n != nil; n = n.next {
		addr := uintptr(unsafe.Pointer(n))
		if addr%align != 0 || uintptr(n.size) < size {
			prev = n
			continue
		}

		remaining := uintptr(n.size) - size
		if remaining >= uintptr(nodeSize) {
			rest := (*node)(unsafe.Pointer(addr + size))
			rest.size = uint64(remaining)
			rest.next = n.next
			if prev == nil {
				a.free = rest
			} else {
				prev.next = rest
			}
		} else {
			if prev == nil {
				a.free = n.next
			} else {
				prev.next = n.next
			}
		}
		return addr, true
	}
	return 0, false
}

func (a *Allocator) extend(minSize uintptr) bool {
	size := mem.Size(minSize)
	pages := size.Pages()
	extendSize := mem.Size(pages) * mem.PageSize

	virt, err := vcbAllocateFn(a.vcb, extendSize)
	if err != nil {
		return false
	}

	n := (*node)(unsafe.Pointer(virt))
	n.size = uint64(extendSize)
	n.next = a.free
	a.free = n
	return true
}

func alignUpTo(v uintptr, align uintptr) uintptr {
	mask := align - 1
	return (v + mask) &^ mask
}
