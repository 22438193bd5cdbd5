// Package goruntime backs the slice of the Go runtime the kernel depends on
// (make, append, maps, interfaces) before kernel/heap exists. The runtime
// still wants to reserve address space, fault in pages, and seed its hash
// functions the same way it would on a hosted OS; this package answers those
// calls against the kernel's own VCB and frame allocator instead of a real
// mmap(2) or getrandom(2), via linkname hooks into the runtime's unexported
// entry points.
package goruntime

import (
	"unsafe"

	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
)

var (
	activeVCB   *vmm.VCB
	activeFrame *pmm.Allocator

	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit
)

// reserveFn, allocPageFn, mapPageFn and allocRegionFn indirect the four
// VCB/pmm calls this file makes so tests can exercise sysReserve/sysMap/sysAlloc's
// page-rounding and looping logic without a real VCB and frame allocator.
var (
	reserveFn = func(size mem.Size) (uintptr, error) {
		return activeVCB.Allocate(vmm.Layout{Size: size}, vmm.FlagVirtual|vmm.FlagNoAlloc)
	}
	allocPageFn = func() (uintptr, error) {
		return activeFrame.Allocate(pmm.Layout{Size: mem.PageSize})
	}
	mapPageFn = func(phys, virt uintptr) error {
		return activeVCB.Map(phys, virt, mem.PageSize, false)
	}
	allocRegionFn = func(size mem.Size) (uintptr, error) {
		return activeVCB.Allocate(vmm.Layout{Size: size}, vmm.FlagVirtual)
	}
)

var errNoVCB = &kernel.Error{Module: "goruntime", Kind: kernel.KindInvalidArgument, Message: "SetVCB must be called before Init"}

// SetVCB installs the VCB that sysReserve, sysMap and sysAlloc draw virtual
// address space from. Must be called before Init.
func SetVCB(v *vmm.VCB) { activeVCB = v }

// SetFrameAllocator installs the physical frame allocator sysMap draws pages
// from when binding a previously-reserved range. Must be the same allocator
// passed to vmm.SetFrameAllocator.
func SetFrameAllocator(a *pmm.Allocator) { activeFrame = a }

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(stat *uint64, n uintptr)

// sysReserve replaces runtime.sysReserve: it reserves a range of virtual
// address space with no physical backing, via a NO_ALLOC VCB allocation. The
// runtime calls this to stake out its arena before it knows how much of it
// it will actually touch.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) (unsafe.Pointer, bool) {
	if activeVCB == nil {
		kernel.Panic(errNoVCB)
	}

	virt, err := reserveFn(mem.Size(size))
	if err != nil {
		return nil, false
	}
	return unsafe.Pointer(virt), true
}

// sysMap replaces runtime.sysMap: it binds fresh physical frames to a range
// previously carved out by sysReserve. reserved addresses always come from
// sysReserve in this kernel, so the mapping always lands on an existing
// NO_ALLOC descriptor.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	if activeVCB == nil || activeFrame == nil {
		kernel.Panic(errNoVCB)
	}

	start := mem.AlignDown(uintptr(virtAddr))
	regionSize := mem.Size(mem.AlignUp(uintptr(virtAddr)+size) - start)
	pages := regionSize.Pages()

	for i := uint64(0); i < pages; i++ {
		phys, err := allocPageFn()
		if err != nil {
			kernel.Panic(err)
		}
		pageVirt := start + uintptr(i)*uintptr(mem.PageSize)
		if err := mapPageFn(phys, pageVirt); err != nil {
			kernel.Panic(err)
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
}

// sysAlloc replaces runtime.sysAlloc: reserve-and-map in one step, for
// callers that don't need the two-phase dance (small, one-shot runtime
// allocations outside the main heap arena).
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	if activeVCB == nil {
		kernel.Panic(errNoVCB)
	}

	regionSize := mem.Size(mem.AlignUp(size))
	virt, err := allocRegionFn(regionSize)
	if err != nil {
		return nil
	}
	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(virt)
}

// nanotime replaces runtime.nanotime. The runtime uses it for GC pacing and
// timers, neither of which this kernel runs yet; a monotonic tick counter
// advanced by the timer IRQ would back this once one exists.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() int64 {
	return 0
}

// getRandomData replaces runtime.getRandomData, which seeds the map hash
// seed and select's pseudo-random ordering. No entropy source exists this
// early in boot, so this hands back a fixed, clearly-not-random pattern
// rather than pretending to be secure; nothing security-sensitive depends on
// map iteration order.
//
//go:redirect-from runtime.getRandomData
//go:nosplit
func getRandomData(buf []byte) {
	for i := range buf {
		buf[i] = byte(i * 2654435761 >> 3)
	}
}

// Init runs the portion of runtime start-up that normally happens before
// main: seeding the hash algorithm, registering the module list, resolving
// interface type links and itabs, and initializing the memory allocator's
// own bookkeeping. Must be called once, after SetVCB and SetFrameAllocator,
// before any make/append/map/interface-conversion in kernel code that runs
// after this package is imported.
func Init() error {
	if activeVCB == nil {
		return errNoVCB
	}

	mallocInitFn()
	algInitFn()
	modulesInitFn()
	typeLinksInitFn()
	itabsInitFn()
	return nil
}
