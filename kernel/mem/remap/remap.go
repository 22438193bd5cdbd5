// Package remap implements the bootloader-to-kernel handoff: the ordered
// list of physical regions that must survive the switch to higher-half
// execution, and the Handoff procedure that builds the kernel's first VCB,
// installs those regions, and activates the new address space.
package remap

import (
	"github.com/nullcore-os/kernel/boot/bootinfo"
	"github.com/nullcore-os/kernel/boot/elf"
	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// MapType selects how a remap Entry's region is placed in the kernel VCB.
type MapType uint8

const (
	// IdentityMapped keeps a region at the same virtual address as its
	// physical address. Required for regions whose address firmware
	// chose and the kernel cannot relocate.
	IdentityMapped MapType = iota
	// OffsetMapped lets the VCB choose any higher-half virtual address
	// for the region; the submitter's Callback is invoked with that
	// address once it's known.
	OffsetMapped
)

// Callback is invoked for an OffsetMapped entry once its virtual address
// has been chosen, so the submitter can patch any absolute pointers it
// holds into the region.
type Callback func(virt uintptr)

// Entry is one physical region that must remain reachable across the
// switch to higher-half execution.
type Entry struct {
	Region   bootinfo.MemoryRegion
	MapType  MapType
	Flags    vmm.Flag
	Callback Callback // only consulted for OffsetMapped entries
}

var errNoCallback = &kernel.Error{Module: "remap", Kind: kernel.KindInvalidArgument, Message: "offset-mapped entry has no callback"}

// List is the ordered sequence of remap entries submitted during early
// bring-up and consumed exactly once, by Handoff.
type List struct {
	lock    *sync.IRQSpinlock
	entries []Entry
}

// NewList constructs an empty remap list.
func NewList() *List {
	return &List{lock: sync.NewIRQSpinlock(sync.RankRemapList)}
}

// AddIdentity submits a region that must keep phys == virt after handoff.
func (l *List) AddIdentity(region bootinfo.MemoryRegion, flags vmm.Flag) {
	l.lock.Acquire()
	defer l.lock.Release()
	l.entries = append(l.entries, Entry{Region: region, MapType: IdentityMapped, Flags: flags})
}

// AddOffset submits a region that may be placed anywhere in the higher
// half; cb is invoked with the chosen virtual address during Handoff.
func (l *List) AddOffset(region bootinfo.MemoryRegion, flags vmm.Flag, cb Callback) error {
	if cb == nil {
		return errNoCallback
	}
	l.lock.Acquire()
	defer l.lock.Release()
	l.entries = append(l.entries, Entry{Region: region, MapType: OffsetMapped, Flags: flags, Callback: cb})
	return nil
}

// Len reports the number of entries currently queued.
func (l *List) Len() int {
	l.lock.Acquire()
	defer l.lock.Release()
	return len(l.entries)
}

// PopulateFromMemoryMap adds one identity entry for every bootinfo.Identity
// memory-map descriptor (ACPI tables, MMIO windows, the APIC base): ranges
// the firmware handed the kernel an address for, which the kernel cannot
// relocate.
func PopulateFromMemoryMap(list *List, descs []bootinfo.MemoryDesc) {
	for _, d := range descs {
		if d.Kind == bootinfo.Identity {
			list.AddIdentity(d.Region, vmm.FlagMMIO)
		}
	}
}

// take removes and returns the list's entries, leaving it empty. Handoff
// calls this once; the list is not safe to reuse afterward since its
// entries describe a one-shot procedure.
func (l *List) take() []Entry {
	l.lock.Acquire()
	defer l.lock.Release()
	entries := l.entries
	l.entries = nil
	return entries
}

// Handoff runs the switch to higher-half execution: it builds a VCB over
// mapper, applies every identity-mapped entry in list, then every
// offset-mapped entry (invoking each entry's Callback with its chosen
// virtual address), temporarily identity-maps kernelImage so execution can
// continue across BootstrapActivate, activates mapper, places kernelImage
// at a fresh higher-half address, and re-applies its RELATIVE/JUMP_SLOT/
// GLOB_DAT/64 relocations against that address before patching
// kernelImage's own descriptor fields to match.
//
// It takes ownership of list and kernelImage: list is drained and
// kernelImage is mutated in place. Neither should be touched again by the
// caller except through the returned VCB.
func Handoff(list *List, mapper *vmm.Mapper, nodeRegion []byte, kernelImage *bootinfo.ModuleInfo) (*vmm.VCB, error) {
	vcb := vmm.New(0, mapper, nodeRegion)

	entries := list.take()

	for _, e := range entries {
		if e.MapType != IdentityMapped {
			continue
		}
		isUser := e.Flags&vmm.FlagUser != 0
		if err := vcb.Map(e.Region.BaseAddress, e.Region.BaseAddress, e.Region.Size, isUser); err != nil {
			return nil, err
		}
	}

	for _, e := range entries {
		if e.MapType != OffsetMapped {
			continue
		}
		isUser := e.Flags&vmm.FlagUser != 0
		virt, err := vcb.Allocate(vmm.Layout{Size: e.Region.Size}, vmm.FlagVirtual|vmm.FlagNoAlloc)
		if err != nil {
			return nil, err
		}
		if err := vcb.Map(e.Region.BaseAddress, virt, e.Region.Size, isUser); err != nil {
			return nil, err
		}
		e.Callback(virt)
	}

	// Step 4: temporarily identity-map the kernel image so the current
	// instruction stream stays valid across BootstrapActivate below. This
	// goes straight through mapper rather than vcb.Map: the frames it
	// names are the kernel image's own, not frames drawn from the frame
	// allocator for this mapping, and the map is torn down again a few
	// lines later once the permanent higher-half alias is live — routing
	// it through vcb would hand those frames back to the frame allocator
	// on teardown even though the permanent alias still needs them.
	identityFlags := vmm.FlagPresent | vmm.FlagRW
	if err := mapper.Map(kernelImage.Base, kernelImage.Base, kernelImage.TotalSize, identityFlags); err != nil {
		return nil, err
	}

	// Step 5.
	mapper.BootstrapActivate()

	// Step 6: place the kernel image at its permanent higher-half
	// address and re-apply its own relocations against it. The
	// relocation descriptor array is still read through the temporary
	// identity map installed above; only the values being written
	// change to reflect the new base.
	newBase, err := vcb.Allocate(vmm.Layout{Size: kernelImage.TotalSize}, vmm.FlagVirtual|vmm.FlagNoAlloc)
	if err != nil {
		return nil, err
	}
	if err := vcb.Map(kernelImage.Base, newBase, kernelImage.TotalSize, false); err != nil {
		return nil, err
	}
	if err := elf.ReapplyRelocations(kernelImage, newBase); err != nil {
		return nil, err
	}

	// Step 7 (partial): patch the kernel's own descriptor now that every
	// pointer it names has been relinked against newBase, then tear down
	// the temporary identity map from step 4. Rebuilding the init-fs
	// descriptor table into a filename-keyed map is the caller's
	// responsibility (see RebuildInitFSIndex) since it has no bearing on
	// address-space validity.
	oldBase := kernelImage.Base
	kernelImage.Patch(newBase - oldBase)

	if err := mapper.Unmap(oldBase, kernelImage.TotalSize); err != nil {
		return nil, err
	}

	return vcb, nil
}

// RebuildInitFSIndex implements handoff step 7's "the init-fs descriptor
// table is promoted to a hash map keyed by filename": entries is the
// bootloader's flat array of bootinfo.FileDescriptor, already reachable at
// its (possibly offset-mapped) virtual address.
func RebuildInitFSIndex(entries []bootinfo.FileDescriptor) map[string]bootinfo.FileDescriptor {
	idx := make(map[string]bootinfo.FileDescriptor, len(entries))
	for _, e := range entries {
		idx[e.FileName()] = e
	}
	return idx
}
