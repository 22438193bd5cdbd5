package main

import (
	"unsafe"

	"github.com/nullcore-os/kernel/boot/bootinfo"
	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/cpu"
	"github.com/nullcore-os/kernel/kernel/goruntime"
	"github.com/nullcore-os/kernel/kernel/heap"
	"github.com/nullcore-os/kernel/kernel/kfmt/early"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
	"github.com/nullcore-os/kernel/kernel/mem/remap"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
	"github.com/nullcore-os/kernel/kernel/module"
)

// Fixed node-pool backing for the frame allocator and the kernel's VCB.
// Both must exist before goruntime.Init runs, so neither can be make()'d;
// sizing them generously here is cheaper than plumbing a dynamic pool
// through the one codepath that can never allocate one.
var (
	pmmNodePool [256 * 1024]byte
	vcbNodePool [256 * 1024]byte
)

var (
	kernelHeap  *heap.Allocator
	initFSIndex map[string]bootinfo.FileDescriptor
)

// Kmain brings the kernel from the bootloader's identity-mapped, low-half
// execution to full higher-half execution with a live general-purpose
// heap. It runs once and does not return.
func Kmain(bi *bootinfo.BootInfo) {
	frameAlloc := pmm.New(pmmNodePool[:])
	var freeBuf [maxFreeRegions]pmm.Region
	if err := frameAlloc.Init(freeRegions(bi.MemoryMapDesc, &freeBuf)); err != nil {
		kernel.Panic(err)
	}
	early.Printf("mem: %s free\n", frameAlloc.AvailableMemory().Human())
	vmm.SetFrameAllocator(frameAlloc)

	topPhys, err := frameAlloc.Allocate(pmm.Layout{Size: mem.PageSize})
	if err != nil {
		kernel.Panic(err)
	}
	zeroPage(topPhys)
	mapper := vmm.NewMapper(topPhys, false, nil)

	remapList := remap.NewList()
	remap.PopulateFromMemoryMap(remapList, memoryDescs(bi.MemoryMapDesc))

	if bi.Framebuffer.PhysAddr != 0 {
		fbSize := mem.Size(uint64(bi.Framebuffer.Pitch) * uint64(bi.Framebuffer.Height))
		region := bootinfo.MemoryRegion{BaseAddress: bi.Framebuffer.PhysAddr, Size: fbSize}
		if err := remapList.AddOffset(region, 0, func(virt uintptr) { bi.Framebuffer.PhysAddr = virt }); err != nil {
			kernel.Panic(err)
		}
	}

	if bi.InitFS.Size > 0 {
		fsSize := mem.Size(bi.InitFS.Size * bi.InitFS.EntrySize)
		region := bootinfo.MemoryRegion{BaseAddress: bi.InitFS.Start, Size: fsSize}
		if err := remapList.AddOffset(region, 0, func(virt uintptr) { bi.InitFS.Start = virt }); err != nil {
			kernel.Panic(err)
		}
	}

	modTable := module.NewTable()
	oldKernelBase := bi.KernelDesc.Base
	kernelDesc := modTable.Register("kernel", &bi.KernelDesc)

	vcb, err := remap.Handoff(remapList, mapper, vcbNodePool[:], &bi.KernelDesc)
	if err != nil {
		kernel.Panic(err)
	}

	modTable.PatchPrimary(kernelDesc, bi.KernelDesc.Base-oldKernelBase)
	modTable.Install()

	goruntime.SetVCB(vcb)
	goruntime.SetFrameAllocator(frameAlloc)
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	if bi.InitFS.Size > 0 {
		initFSIndex = remap.RebuildInitFSIndex(fileDescriptors(bi.InitFS))
	}

	kernelHeap = heap.New(vcb)

	for {
		cpu.Halt()
	}
}

// maxFreeRegions bounds the free-region scratch array freeRegions fills in.
// It runs before goruntime.Init, so it cannot grow a slice with append --
// that would call into an allocator that doesn't exist yet -- and instead
// indexes into a fixed caller-owned array, the same staging discipline
// pmmNodePool/vcbNodePool follow.
const maxFreeRegions = 256

func freeRegions(t bootinfo.ArrayTable, buf *[maxFreeRegions]pmm.Region) []pmm.Region {
	n := 0
	for _, d := range memoryDescs(t) {
		if d.Kind != bootinfo.Free {
			continue
		}
		if n >= len(buf) {
			kernel.Panic(&kernel.Error{Module: "kmain", Kind: kernel.KindInvalidArgument, Message: "memory map has more free regions than maxFreeRegions"})
		}
		buf[n] = pmm.Region{Base: d.Region.BaseAddress, Size: d.Region.Size}
		n++
	}
	return buf[:n]
}

func memoryDescs(t bootinfo.ArrayTable) []bootinfo.MemoryDesc {
	if t.Size == 0 {
		return nil
	}
	return unsafe.Slice((*bootinfo.MemoryDesc)(unsafe.Pointer(t.Start)), t.Size)
}

func fileDescriptors(t bootinfo.ArrayTable) []bootinfo.FileDescriptor {
	if t.Size == 0 {
		return nil
	}
	return unsafe.Slice((*bootinfo.FileDescriptor)(unsafe.Pointer(t.Start)), t.Size)
}

func zeroPage(phys uintptr) {
	for off := uintptr(0); off < uintptr(mem.PageSize); off += 8 {
		*(*uint64)(unsafe.Pointer(phys + off)) = 0
	}
}
