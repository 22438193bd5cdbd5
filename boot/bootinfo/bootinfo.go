// Package bootinfo defines the data the bootloader hands the kernel at
// entry: where its own ELF image landed, the firmware memory map, the
// framebuffer, and the read-only boot init-fs. Every field here is
// produced once by the bootloader and is read-only from the kernel's
// perspective after handoff.
package bootinfo

import "github.com/nullcore-os/kernel/kernel/mem"

// ArrayTable describes a homogeneous array of fixed-size entries living
// somewhere in the module blob: a start address, an entry count, and the
// entry stride. Used for the memory map, the init-fs descriptor table, and
// (inside ModuleInfo) relocation/symbol sections.
type ArrayTable struct {
	Start     uintptr
	Size      uint64
	EntrySize uint64
}

// MemoryRegion is a bare (base, size) physical range, used for the
// auxiliary relocation-section descriptor array the ELF loader emits.
type MemoryRegion struct {
	BaseAddress uintptr
	Size        mem.Size
}

// MemoryKind classifies one firmware memory-map entry.
type MemoryKind uint8

const (
	// Free memory the frame allocator may hand out.
	Free MemoryKind = iota
	// Allocated memory already in use (the kernel image, the init-fs,
	// bootloader scratch space).
	Allocated
	// Runtime memory the firmware still owns after ExitBootServices
	// (UEFI runtime services code/data).
	Runtime
	// Identity memory that must keep its current physical-equals-virtual
	// mapping after handoff (ACPI tables, MMIO windows, the APIC base).
	// MemoryDesc entries of this kind auto-populate the kernel's remap
	// list as identity-mapped ranges.
	Identity
)

// MemoryDesc is one entry of the firmware memory map, as handed to the
// kernel inside BootInfo.MemoryMapDesc.
type MemoryDesc struct {
	Region MemoryRegion
	Kind   MemoryKind
}

// FileDescriptor names one file packed into the boot init-fs blob.
type FileDescriptor struct {
	Name   [56]byte // fixed-width, nul-padded; no heap allocation available yet
	Offset uint64
	Size   uint64
}

// FileName returns d.Name decoded up to its first nul byte.
func (d *FileDescriptor) FileName() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}

// ModuleInfo describes a single contiguous module allocation, matching the
// layout the ELF loader (boot/elf) produces: segment region, then
// auxiliary region (relocation sections, symtab, dynsym, strtabs), then a
// descriptor array of MemoryRegion, one per relocation section.
type ModuleInfo struct {
	Entry     uintptr
	Base      uintptr
	Size      mem.Size
	TotalSize mem.Size

	SymTab ArrayTable
	SymStr ArrayTable
	DynTab ArrayTable
	DynStr ArrayTable

	// RelocationSections is the descriptor array emitted at the tail of
	// the module blob: one MemoryRegion per relocation section, letting
	// the module be re-relocated after handoff without re-parsing ELF
	// section headers.
	RelocationSections ArrayTable
}

// Patch adds delta to every address-valued field, used once during handoff
// when the primary (kernel) module's base changes (spec's "module metadata
// patching": a single loop adding a delta to every {start,size} triple).
func (m *ModuleInfo) Patch(delta uintptr) {
	m.Entry += delta
	m.Base += delta
	m.SymTab.Start += delta
	m.SymStr.Start += delta
	m.DynTab.Start += delta
	m.DynStr.Start += delta
	m.RelocationSections.Start += delta
}

// FramebufferInfo describes the linear framebuffer the firmware handed to
// the bootloader, if any.
type FramebufferInfo struct {
	PhysAddr uintptr
	Pitch    uint32
	Width    uint32
	Height   uint32
	BPP      uint8
}

// BootInfo is the complete handoff payload from bootloader to kernel.
type BootInfo struct {
	KernelDesc    ModuleInfo
	Framebuffer   FramebufferInfo
	MemoryMapDesc ArrayTable // of MemoryDesc
	InitFS        ArrayTable // of FileDescriptor
	RSDP          uintptr
}
