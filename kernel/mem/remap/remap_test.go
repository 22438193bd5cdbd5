package remap

import (
	"testing"

	"github.com/nullcore-os/kernel/boot/bootinfo"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// Handoff itself calls Mapper.BootstrapActivate, which installs a real page
// table root via a CPU instruction with no test-side mock hook (mirroring
// kernel/mem/vmm's own tests, which never exercise that call either). These
// tests cover List/Entry bookkeeping and the two handoff helpers that don't
// require an active address space.

// List.Add*/Len acquire an IRQSpinlock on every call; swap in no-op
// flag hooks so that doesn't trap into the privileged CLI/STI stubs here.
func init() {
	sync.SetFlagsHooks(func() uintptr { return 0 }, func(uintptr) {})
}

func TestListAddIdentityAndOffset(t *testing.T) {
	l := NewList()

	l.AddIdentity(bootinfo.MemoryRegion{BaseAddress: 0xfee00000, Size: mem.PageSize}, vmm.FlagMMIO)
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry after AddIdentity, got %d", l.Len())
	}

	called := false
	if err := l.AddOffset(bootinfo.MemoryRegion{BaseAddress: 0x100000, Size: mem.PageSize}, 0, func(uintptr) { called = true }); err != nil {
		t.Fatalf("AddOffset: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries after AddOffset, got %d", l.Len())
	}

	entries := l.take()
	if len(entries) != 2 {
		t.Fatalf("expected take() to drain 2 entries, got %d", len(entries))
	}
	if l.Len() != 0 {
		t.Fatal("expected the list to be empty after take()")
	}
	entries[1].Callback(0x1234)
	if !called {
		t.Fatal("expected the stashed callback to still be invocable after take()")
	}
}

func TestListAddOffsetRequiresCallback(t *testing.T) {
	l := NewList()
	if err := l.AddOffset(bootinfo.MemoryRegion{BaseAddress: 0x100000, Size: mem.PageSize}, 0, nil); err == nil {
		t.Fatal("expected an error for a nil callback")
	}
}

func TestPopulateFromMemoryMap(t *testing.T) {
	l := NewList()
	descs := []bootinfo.MemoryDesc{
		{Region: bootinfo.MemoryRegion{BaseAddress: 0x0, Size: mem.PageSize}, Kind: bootinfo.Free},
		{Region: bootinfo.MemoryRegion{BaseAddress: 0xfee00000, Size: mem.PageSize}, Kind: bootinfo.Identity},
		{Region: bootinfo.MemoryRegion{BaseAddress: 0x200000, Size: mem.PageSize}, Kind: bootinfo.Runtime},
	}

	PopulateFromMemoryMap(l, descs)

	if l.Len() != 1 {
		t.Fatalf("expected only the Identity descriptor to populate the list, got %d entries", l.Len())
	}

	entries := l.take()
	if entries[0].Region.BaseAddress != 0xfee00000 || entries[0].MapType != IdentityMapped {
		t.Fatalf("unexpected entry populated from memory map: %+v", entries[0])
	}
}

func TestRebuildInitFSIndex(t *testing.T) {
	var a, b bootinfo.FileDescriptor
	copy(a.Name[:], "init.bin")
	a.Offset, a.Size = 0, 4096
	copy(b.Name[:], "config.toml")
	b.Offset, b.Size = 4096, 512

	idx := RebuildInitFSIndex([]bootinfo.FileDescriptor{a, b})

	if len(idx) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(idx))
	}
	if got, ok := idx["init.bin"]; !ok || got.Size != 4096 {
		t.Fatalf("expected init.bin with size 4096, got %+v (ok=%v)", got, ok)
	}
	if got, ok := idx["config.toml"]; !ok || got.Offset != 4096 {
		t.Fatalf("expected config.toml with offset 4096, got %+v (ok=%v)", got, ok)
	}
}
