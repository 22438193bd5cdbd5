// Package pool implements a fixed-region node allocator: a small, statically
// sized arena that hands out same-size slots without itself depending on a
// working general-purpose allocator. The frame allocator and the VCB both
// need intrusive list nodes before the heap exists (the heap itself lives on
// top of the VCB, which lives on top of the frame allocator), so each draws
// its nodes from its own Pool instead. The module table does not use a
// Pool; it keeps its descriptors in an ordinary Go slice.
package pool

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/sync"
)

var errPoolExhausted = &kernel.Error{Module: "pool", Kind: kernel.KindOutOfMemory, Message: "fixed pool exhausted"}

// Pool hands out fixed-size slots carved from a caller-supplied backing
// region. Freed slots are threaded onto an intrusive free list stored in the
// first machine word of the slot itself, so Pool needs no allocation of its
// own to track free space. A free-list address of 0 marks the end of the
// list; this is safe because the backing region is never placed at address
// zero (page zero is always excluded, see kernel/mem/pmm).
type Pool struct {
	mu       sync.Spinlock
	elemSize uintptr
	capacity uintptr
	head     uintptr
	inUse    uintptr
}

// New constructs a Pool that carves elemSize-byte slots out of region.
// elemSize must be at least the size of a uintptr, since free slots store
// their next-pointer inline. Any trailing bytes that don't fill a whole
// slot are left unused.
func New(region []byte, elemSize uintptr) *Pool {
	if elemSize < unsafe.Sizeof(uintptr(0)) {
		elemSize = unsafe.Sizeof(uintptr(0))
	}
	if len(region) == 0 {
		return &Pool{elemSize: elemSize}
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	capacity := uintptr(len(region)) / elemSize

	p := &Pool{elemSize: elemSize, capacity: capacity}

	// Thread the slots onto the free list back-to-front so Alloc hands
	// out the lowest address first.
	var next uintptr
	for i := capacity; i > 0; i-- {
		addr := base + (i-1)*elemSize
		*(*uintptr)(unsafe.Pointer(addr)) = next
		next = addr
	}
	p.head = next

	return p
}

// Alloc returns the address of a free slot, or 0 if the pool is exhausted.
func (p *Pool) Alloc() uintptr {
	p.mu.Acquire()
	defer p.mu.Release()

	if p.head == 0 {
		return 0
	}

	slot := p.head
	p.head = *(*uintptr)(unsafe.Pointer(slot))
	p.inUse++

	return slot
}

// Free returns a slot previously returned by Alloc to the pool.
func (p *Pool) Free(addr uintptr) {
	p.mu.Acquire()
	defer p.mu.Release()

	*(*uintptr)(unsafe.Pointer(addr)) = p.head
	p.head = addr
	p.inUse--
}

// Exhausted reports whether the pool has no free slots.
func (p *Pool) Exhausted() bool {
	p.mu.Acquire()
	defer p.mu.Release()
	return p.head == 0
}

// Cap returns the total number of slots the pool was constructed with.
func (p *Pool) Cap() uintptr { return p.capacity }

// InUse returns the number of slots currently allocated.
func (p *Pool) InUse() uintptr {
	p.mu.Acquire()
	defer p.mu.Release()
	return p.inUse
}

// Err is the sentinel returned by callers (pmm, vmm) that need to
// report pool exhaustion through a *kernel.Error rather than a bare zero
// address.
func Err() *kernel.Error { return errPoolExhausted }
