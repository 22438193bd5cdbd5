package module

import (
	stdelf "debug/elf"
	"testing"
	"unsafe"

	"github.com/nullcore-os/kernel/boot/bootinfo"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// Register/Patch* acquire an IRQSpinlock on every call; swap in no-op flag
// hooks so that doesn't trap into the privileged CLI/STI stubs here.
func init() {
	sync.SetFlagsHooks(func() uintptr { return 0 }, func(uintptr) {})
}

func TestSymbolTraceFindsEnclosingSymbol(t *testing.T) {
	strtab := []byte("\x00start\x00helper\x00")
	syms := []stdelf.Sym64{
		{Name: 1, Info: uint8(stdelf.STT_FUNC), Value: 0x1000, Size: 0x20}, // "start"
		{Name: 7, Info: uint8(stdelf.STT_FUNC), Value: 0x1020, Size: 0x10}, // "helper"
	}

	table := NewTable()
	mi := &bootinfo.ModuleInfo{
		Base:   0x400000,
		Size:   mem.Size(0x2000),
		SymTab: bootinfo.ArrayTable{Start: uintptr(unsafe.Pointer(&syms[0])), Size: uint64(len(syms)), EntrySize: uint64(unsafe.Sizeof(syms[0]))},
		SymStr: bootinfo.ArrayTable{Start: uintptr(unsafe.Pointer(&strtab[0])), Size: uint64(len(strtab)), EntrySize: 1},
	}
	table.Register("kernel", mi)

	mod, sym, off, ok := table.SymbolTrace(mi.Base + 0x1025)
	if !ok {
		t.Fatal("expected symbol resolution to succeed")
	}
	if mod != "kernel" {
		t.Fatalf("expected module %q, got %q", "kernel", mod)
	}
	if sym != "helper" {
		t.Fatalf("expected symbol %q, got %q", "helper", sym)
	}
	if off != 0x5 {
		t.Fatalf("expected offset 0x5, got %#x", off)
	}
}

func TestSymbolTraceUnknownAddress(t *testing.T) {
	table := NewTable()
	table.Register("kernel", &bootinfo.ModuleInfo{Base: 0x400000, Size: mem.Size(0x1000)})

	if _, _, _, ok := table.SymbolTrace(0x999999); ok {
		t.Fatal("expected no match outside any registered module's range")
	}
}

func TestSymbolTraceModuleWithoutSymbols(t *testing.T) {
	table := NewTable()
	table.Register("kernel", &bootinfo.ModuleInfo{Base: 0x400000, Size: mem.Size(0x1000)})

	mod, sym, _, ok := table.SymbolTrace(0x400500)
	if ok {
		t.Fatal("expected ok=false when the module has no symbol table")
	}
	if mod != "kernel" {
		t.Fatalf("expected the enclosing module to still be identified, got %q", mod)
	}
	if sym != "" {
		t.Fatalf("expected no symbol name, got %q", sym)
	}
}

func TestPatchPrimaryShiftsInterval(t *testing.T) {
	table := NewTable()
	d := table.Register("kernel", &bootinfo.ModuleInfo{Base: 0x400000, Size: mem.Size(0x1000)})

	table.PatchPrimary(d, 0x1000)

	if d.Base != 0x401000 {
		t.Fatalf("expected patched base 0x401000, got %#x", d.Base)
	}
	if _, _, _, ok := table.SymbolTrace(0x400500); ok {
		t.Fatal("expected the old base range to no longer match after patching")
	}
	// The module has no symbol table, so ok stays false; the enclosing
	// module is still identified by name.
	if mod, _, _, _ := table.SymbolTrace(0x401500); mod != "kernel" {
		t.Fatalf("expected the new base range to match after patching, got module %q", mod)
	}
}
