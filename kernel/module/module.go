// Package module maintains the kernel's table of loaded modules (currently
// just the kernel image itself, but built to hold more) and answers
// symbol_trace queries against it for panic backtraces.
package module

import (
	stdelf "debug/elf"
	"unsafe"

	"github.com/nullcore-os/kernel/boot/bootinfo"
	"github.com/nullcore-os/kernel/boot/elf"
	"github.com/nullcore-os/kernel/kernel"
	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/sync"
)

// Descriptor identifies one loaded module by its [Base, Base+Size) interval
// and carries the symbol table needed to resolve an address inside it.
type Descriptor struct {
	Name   string
	Base   uintptr
	Size   mem.Size
	SymTab bootinfo.ArrayTable
	SymStr bootinfo.ArrayTable
}

func (d *Descriptor) contains(addr uintptr) bool {
	return addr >= d.Base && addr < d.Base+uintptr(d.Size)
}

// Table is an append-only, interval-keyed list of loaded modules.
type Table struct {
	lock *sync.IRQSpinlock
	mods []*Descriptor
}

// NewTable constructs an empty module table.
func NewTable() *Table {
	return &Table{lock: sync.NewIRQSpinlock(sync.RankModuleList)}
}

// Register adds a module to the table from its loader-produced descriptor
// and returns the stored Descriptor, which the caller should keep around to
// later call PatchPrimary on across a base-address change (e.g. the
// kernel's own entry during handoff).
func (t *Table) Register(name string, mi *bootinfo.ModuleInfo) *Descriptor {
	t.lock.Acquire()
	defer t.lock.Release()

	d := &Descriptor{
		Name:   name,
		Base:   mi.Base,
		Size:   mi.Size,
		SymTab: mi.SymTab,
		SymStr: mi.SymStr,
	}
	t.mods = append(t.mods, d)
	return d
}

// PatchPrimary adds delta to d's base and symbol-table addresses, mirroring
// the single fixup loop bootinfo.ModuleInfo.Patch runs over the loader's
// descriptor during handoff. d must have been returned by Register on this
// table.
func (t *Table) PatchPrimary(d *Descriptor, delta uintptr) {
	t.lock.Acquire()
	defer t.lock.Release()

	d.Base += delta
	d.SymTab.Start += delta
	d.SymStr.Start += delta
}

func (t *Table) find(addr uintptr) *Descriptor {
	for _, d := range t.mods {
		if d.contains(addr) {
			return d
		}
	}
	return nil
}

// SymbolTrace finds the module enclosing addr, then scans its symbol table
// for the first OBJECT or FUNC entry whose [st_value, st_value+st_size)
// covers addr - module.base. It matches kernel.Symbolicate's signature so
// it can be installed directly via kernel.RegisterSymbolicator (see
// Install). A symbol name that fails UTF-8 validation aborts resolution for
// this one frame only: the module is still identified, just without a
// symbol name.
func (t *Table) SymbolTrace(addr uintptr) (moduleName, symbolName string, offset uintptr, ok bool) {
	t.lock.Acquire()
	d := t.find(addr)
	t.lock.Release()

	if d == nil {
		return "", "", 0, false
	}

	rel := addr - d.Base
	if d.SymTab.Size == 0 {
		return d.Name, "", rel, false
	}

	syms := unsafe.Slice((*stdelf.Sym64)(unsafe.Pointer(d.SymTab.Start)), d.SymTab.Size)
	strs := unsafe.Slice((*byte)(unsafe.Pointer(d.SymStr.Start)), d.SymStr.Size)

	for _, s := range syms {
		typ := stdelf.ST_TYPE(s.Info)
		if typ != stdelf.STT_OBJECT && typ != stdelf.STT_FUNC {
			continue
		}
		if rel < uintptr(s.Value) || rel >= uintptr(s.Value)+uintptr(s.Size) {
			continue
		}

		name, valid := elf.ValidateSymbolName(nulTerminated(strs, uint64(s.Name)))
		if !valid {
			return d.Name, "", rel - uintptr(s.Value), false
		}
		return d.Name, name, rel - uintptr(s.Value), true
	}

	return d.Name, "", rel, false
}

// Install registers SymbolTrace as the kernel's active panic-backtrace
// symbolicator.
func (t *Table) Install() {
	kernel.RegisterSymbolicator(t.SymbolTrace)
}

func nulTerminated(strs []byte, off uint64) []byte {
	if off >= uint64(len(strs)) {
		return nil
	}
	end := off
	for end < uint64(len(strs)) && strs[end] != 0 {
		end++
	}
	return strs[off:end]
}
