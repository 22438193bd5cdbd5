// Package elf implements the bootloader's ELF64 relocatable-image loader.
// It lays out a position-independent kernel image (segments, auxiliary
// sections, and a relocation-section descriptor array) into a single
// contiguous allocation and applies RELATIVE/JUMP_SLOT/64/GLOB_DAT
// relocations against the chosen load address. It reads only the constant
// and struct definitions from the standard library's debug/elf (not
// elf.NewFile, which assumes a seekable file and does far more parsing
// than a bootloader needs); everything else is manual offset arithmetic
// against the in-memory image, matching the constraints of code that must
// run before there is a usable heap.
package elf

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"sort"
	"unicode/utf8"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/nullcore-os/kernel/boot/bootinfo"
	kerrors "github.com/nullcore-os/kernel/kernel/errors"
	"github.com/nullcore-os/kernel/kernel/mem"
)

const (
	// ErrBadMagic indicates the image does not begin with the ELF magic.
	ErrBadMagic = kerrors.KernelError("elf: bad magic")
	// ErrNot64Bit indicates the image is not ELFCLASS64.
	ErrNot64Bit = kerrors.KernelError("elf: not a 64-bit object")
	// ErrNoProgramHeaders indicates an empty program header table.
	ErrNoProgramHeaders = kerrors.KernelError("elf: no program headers")
	// ErrNoSectionHeaders indicates an empty section header table.
	ErrNoSectionHeaders = kerrors.KernelError("elf: no section headers")
	// ErrMissingShstrtab indicates e_shstrndx does not name a usable
	// string table.
	ErrMissingShstrtab = kerrors.KernelError("elf: missing section header string table")
	// ErrBadStrtabLink indicates a symbol table's sh_link does not point
	// at a SHT_STRTAB section.
	ErrBadStrtabLink = kerrors.KernelError("elf: linked section is not a string table")
	// ErrDynSymMismatch indicates the module is neither fully static nor
	// fully dynamic: a dynamic symbol table exists without relocations,
	// or vice versa.
	ErrDynSymMismatch = kerrors.KernelError("elf: dynamic symbol table presence disagrees with relocation section count")
	// ErrZeroEntsize indicates a SYMTAB/DYNSYM section header advertises
	// sh_entsize == 0, which would divide by zero when computing its
	// entry count.
	ErrZeroEntsize = kerrors.KernelError("elf: symbol table section has sh_entsize == 0")
	// ErrUndefinedSymbol indicates a relocation references a symbol with
	// no definition; fatal only when reapplying at handoff (strict mode).
	ErrUndefinedSymbol = kerrors.KernelError("elf: relocation references an undefined symbol")
)

// Allocator is the host-supplied page allocator the loader requests its
// single contiguous allocation from. boot/phys.Bump satisfies this.
type Allocator interface {
	Allocate(size mem.Size, align uintptr) (uintptr, error)
}

type segment struct {
	fileOffset uint64
	vaddr      uint64
	filesz     uint64
	memsz      uint64
	align      uint64
}

type auxSection struct {
	name       string
	fileOffset uint64
	size       uint64
	entsize    uint64
	align      uint64
	isRela     bool
	destOffset uint64 // filled in once layout is computed
}

// Load parses the ELF64 image and lays it out into one allocation obtained
// from alloc, returning the resulting module descriptor. Relocations are
// applied against the chosen load address in non-strict mode: an
// undefined symbol referenced by a JUMP_SLOT/GLOB_DAT/R_X86_64_64
// relocation is skipped and left unwritten rather than failing the load;
// such relocations are not counted or reported (see ReapplyRelocations for
// the strict handoff-time pass).
func Load(image []byte, alloc Allocator) (*bootinfo.ModuleInfo, error) {
	hdr, err := parseHeader(image)
	if err != nil {
		return nil, err
	}

	segs, maxSegAlign, err := parseProgramHeaders(image, hdr)
	if err != nil {
		return nil, err
	}

	symtab, dynsym, relaSecs, maxAuxAlign, err := parseSectionHeaders(image, hdr)
	if err != nil {
		return nil, err
	}

	if (dynsym != nil) != (len(relaSecs) > 0) {
		return nil, ErrDynSymMismatch
	}
	if symtab != nil && symtab.entsize == 0 {
		return nil, ErrZeroEntsize
	}
	if dynsym != nil && dynsym.entsize == 0 {
		return nil, ErrZeroEntsize
	}

	segSpan := uint64(0)
	for _, s := range segs {
		end := s.vaddr + s.memsz
		if end > segSpan {
			segSpan = end
		}
	}

	auxAlign := maxAuxAlign
	if auxAlign < 8 {
		auxAlign = 8
	}

	auxSections := make([]*auxSection, 0, len(relaSecs)+4)
	if symtab != nil {
		auxSections = append(auxSections, &symtab.auxSection)
		if symtab.strtab != nil {
			auxSections = append(auxSections, symtab.strtab)
		}
	}
	if dynsym != nil {
		auxSections = append(auxSections, &dynsym.auxSection)
		if dynsym.strtab != nil {
			auxSections = append(auxSections, dynsym.strtab)
		}
	}
	for _, r := range relaSecs {
		auxSections = append(auxSections, r)
	}

	cursor := alignUp(segSpan, auxAlign)
	for _, a := range auxSections {
		a.destOffset = cursor
		cursor += a.size
		cursor = alignUp(cursor, auxAlign)
	}

	descAlign := uint64(unsafe.Alignof(bootinfo.MemoryRegion{}))
	cursor = alignUp(cursor, descAlign)
	descOffset := cursor
	descEntrySize := uint64(unsafe.Sizeof(bootinfo.MemoryRegion{}))
	totalSize := cursor + uint64(len(relaSecs))*descEntrySize

	layoutAlign := maxSegAlign
	if auxAlign > layoutAlign {
		layoutAlign = auxAlign
	}
	if descAlign > layoutAlign {
		layoutAlign = descAlign
	}

	base, err := alloc.Allocate(mem.Size(totalSize), uintptr(layoutAlign))
	if err != nil {
		return nil, err
	}

	blob := unsafe.Slice((*byte)(unsafe.Pointer(base)), totalSize)
	for i := range blob {
		blob[i] = 0
	}

	for _, s := range segs {
		dst := blob[s.vaddr : s.vaddr+s.filesz]
		copy(dst, image[s.fileOffset:s.fileOffset+s.filesz])
		// memsz > filesz tail (BSS) was already zeroed above.
	}

	for _, a := range auxSections {
		copy(blob[a.destOffset:a.destOffset+a.size], image[a.fileOffset:a.fileOffset+a.size])
	}

	mi := &bootinfo.ModuleInfo{
		Base:      base,
		Size:      mem.Size(segSpan),
		TotalSize: mem.Size(totalSize),
		Entry:     base + uintptr(hdr.Entry),
	}
	if symtab != nil {
		mi.SymTab = bootinfo.ArrayTable{Start: base + uintptr(symtab.destOffset), Size: symtab.size / symtab.entsize, EntrySize: symtab.entsize}
		if symtab.strtab != nil {
			mi.SymStr = bootinfo.ArrayTable{Start: base + uintptr(symtab.strtab.destOffset), Size: symtab.strtab.size, EntrySize: 1}
		}
	}
	if dynsym != nil {
		mi.DynTab = bootinfo.ArrayTable{Start: base + uintptr(dynsym.destOffset), Size: dynsym.size / dynsym.entsize, EntrySize: dynsym.entsize}
		if dynsym.strtab != nil {
			mi.DynStr = bootinfo.ArrayTable{Start: base + uintptr(dynsym.strtab.destOffset), Size: dynsym.strtab.size, EntrySize: 1}
		}
	}

	descs := unsafe.Slice((*bootinfo.MemoryRegion)(unsafe.Pointer(base+uintptr(descOffset))), len(relaSecs))
	for i, r := range relaSecs {
		descs[i] = bootinfo.MemoryRegion{BaseAddress: base + uintptr(r.destOffset), Size: mem.Size(r.size)}
	}
	mi.RelocationSections = bootinfo.ArrayTable{Start: base + uintptr(descOffset), Size: uint64(len(relaSecs)), EntrySize: descEntrySize}

	if err := applyRelocations(mi, base, false); err != nil {
		return nil, err
	}

	return mi, nil
}

// ReapplyRelocations re-applies RELATIVE/JUMP_SLOT/64/GLOB_DAT
// relocations against newBase, reading the RELA entries and dynamic
// symbol table straight out of the already-loaded module blob (the
// descriptor array stashed in mi.RelocationSections) rather than
// re-parsing the original ELF file, which no longer needs to be
// reachable by the time this runs. Unlike the initial Load, an undefined
// symbol is now a hard error: spec's handoff invariant requires every
// pointer in the relinked image to be valid once execution resumes in
// the new address space.
func ReapplyRelocations(mi *bootinfo.ModuleInfo, newBase uintptr) error {
	return applyRelocations(mi, newBase, true)
}

func applyRelocations(mi *bootinfo.ModuleInfo, base uintptr, strict bool) error {
	if mi.RelocationSections.Size == 0 {
		return nil
	}

	descs := unsafe.Slice((*bootinfo.MemoryRegion)(unsafe.Pointer(mi.RelocationSections.Start)), mi.RelocationSections.Size)

	var dynsyms []stdelf.Sym64
	var dynstr []byte
	if mi.DynTab.Size > 0 {
		dynsyms = unsafe.Slice((*stdelf.Sym64)(unsafe.Pointer(mi.DynTab.Start)), mi.DynTab.Size)
		dynstr = unsafe.Slice((*byte)(unsafe.Pointer(mi.DynStr.Start)), mi.DynStr.Size)
	}

	var errs *multierror.Error

	for _, d := range descs {
		count := uint64(d.Size) / uint64(unsafe.Sizeof(stdelf.Rela64{}))
		relas := unsafe.Slice((*stdelf.Rela64)(unsafe.Pointer(d.BaseAddress)), count)

		for _, r := range relas {
			typ := stdelf.R_X86_64(stdelf.R_TYPE64(r.Info))
			symIdx := stdelf.R_SYM64(r.Info)
			dest := base + uintptr(r.Off)

			switch typ {
			case stdelf.R_X86_64_RELATIVE:
				writeU64(dest, uint64(base)+uint64(r.Addend))

			case stdelf.R_X86_64_JMP_SLOT, stdelf.R_X86_64_GLOB_DAT:
				val, ok := resolveSymbol(dynsyms, dynstr, symIdx)
				if !ok {
					if strict {
						errs = multierror.Append(errs, ErrUndefinedSymbol)
					}
					continue
				}
				writeU64(dest, uint64(base)+val)

			case stdelf.R_X86_64_64:
				val, ok := resolveSymbol(dynsyms, dynstr, symIdx)
				if !ok {
					if strict {
						errs = multierror.Append(errs, ErrUndefinedSymbol)
					}
					continue
				}
				writeU64(dest, uint64(base)+val+uint64(r.Addend))

			default:
				// Unknown relocation types are skipped for forward
				// compatibility with other architectures' rela layouts.
			}
		}
	}

	return errs.ErrorOrNil()
}

func resolveSymbol(syms []stdelf.Sym64, strs []byte, idx uint32) (uint64, bool) {
	if int(idx) >= len(syms) {
		return 0, false
	}
	sym := syms[idx]
	if sym.Shndx == uint16(stdelf.SHN_UNDEF) {
		return 0, false
	}
	return sym.Value, true
}

func writeU64(addr uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = val
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func parseHeader(image []byte) (*stdelf.Header64, error) {
	var hdr stdelf.Header64
	if len(image) < int(unsafe.Sizeof(hdr)) {
		return nil, ErrBadMagic
	}
	if err := binary.Read(bytes.NewReader(image[:unsafe.Sizeof(hdr)]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Ident[:4], []byte(stdelf.ELFMAG)) {
		return nil, ErrBadMagic
	}
	if stdelf.Class(hdr.Ident[stdelf.EI_CLASS]) != stdelf.ELFCLASS64 {
		return nil, ErrNot64Bit
	}
	if hdr.Phnum == 0 {
		return nil, ErrNoProgramHeaders
	}
	if hdr.Shnum == 0 {
		return nil, ErrNoSectionHeaders
	}
	return &hdr, nil
}

func parseProgramHeaders(image []byte, hdr *stdelf.Header64) ([]segment, uint64, error) {
	segs := make([]segment, 0, hdr.Phnum)
	maxAlign := uint64(mem.PageSize)

	for i := 0; i < int(hdr.Phnum); i++ {
		off := hdr.Phoff + uint64(i)*uint64(hdr.Phentsize)
		var ph stdelf.Prog64
		if err := binary.Read(bytes.NewReader(image[off:off+uint64(unsafe.Sizeof(ph))]), binary.LittleEndian, &ph); err != nil {
			return nil, 0, err
		}
		switch stdelf.ProgType(ph.Type) {
		case stdelf.PT_LOAD, stdelf.PT_DYNAMIC:
			segs = append(segs, segment{fileOffset: ph.Off, vaddr: ph.Vaddr, filesz: ph.Filesz, memsz: ph.Memsz, align: ph.Align})
			if ph.Align > maxAlign {
				maxAlign = ph.Align
			}
		}
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].vaddr < segs[j].vaddr })

	return segs, maxAlign, nil
}

func sectionName(image []byte, shstrtabOff, shstrtabSize, nameIdx uint64) string {
	if nameIdx >= shstrtabSize {
		return ""
	}
	start := shstrtabOff + nameIdx
	end := start
	for end < shstrtabOff+shstrtabSize && image[end] != 0 {
		end++
	}
	return string(image[start:end])
}

func parseSectionHeaders(image []byte, hdr *stdelf.Header64) (symtab, dynsym *auxSectionWithStr, relaSecs []*auxSection, maxAlign uint64, err error) {
	type rawSection struct {
		sh   stdelf.Section64
		name string
	}

	raws := make([]rawSection, hdr.Shnum)
	for i := 0; i < int(hdr.Shnum); i++ {
		off := hdr.Shoff + uint64(i)*uint64(hdr.Shentsize)
		if err = binary.Read(bytes.NewReader(image[off:off+uint64(unsafe.Sizeof(raws[i].sh))]), binary.LittleEndian, &raws[i].sh); err != nil {
			return nil, nil, nil, 0, err
		}
	}

	if int(hdr.Shstrndx) >= len(raws) {
		return nil, nil, nil, 0, ErrMissingShstrtab
	}
	shstrtab := raws[hdr.Shstrndx].sh

	for i := range raws {
		raws[i].name = sectionName(image, shstrtab.Off, shstrtab.Size, uint64(raws[i].sh.Name))
	}

	maxAlign = 8

	strtabFor := func(linkIdx uint32) (*auxSection, error) {
		if int(linkIdx) >= len(raws) {
			return nil, ErrBadStrtabLink
		}
		linked := raws[linkIdx]
		if stdelf.SectionType(linked.sh.Type) != stdelf.SHT_STRTAB {
			return nil, ErrBadStrtabLink
		}
		return &auxSection{name: linked.name, fileOffset: linked.sh.Off, size: linked.sh.Size, entsize: 1, align: 1}, nil
	}

	for _, r := range raws {
		if r.sh.Addralign > maxAlign {
			maxAlign = r.sh.Addralign
		}

		switch stdelf.SectionType(r.sh.Type) {
		case stdelf.SHT_SYMTAB:
			str, serr := strtabFor(r.sh.Link)
			if serr != nil {
				return nil, nil, nil, 0, serr
			}
			symtab = &auxSectionWithStr{
				auxSection: auxSection{name: r.name, fileOffset: r.sh.Off, size: r.sh.Size, entsize: r.sh.Entsize, align: r.sh.Addralign},
				strtab:     str,
			}
		case stdelf.SHT_DYNSYM:
			str, serr := strtabFor(r.sh.Link)
			if serr != nil {
				return nil, nil, nil, 0, serr
			}
			dynsym = &auxSectionWithStr{
				auxSection: auxSection{name: r.name, fileOffset: r.sh.Off, size: r.sh.Size, entsize: r.sh.Entsize, align: r.sh.Addralign},
				strtab:     str,
			}
		case stdelf.SHT_RELA:
			relaSecs = append(relaSecs, &auxSection{name: r.name, fileOffset: r.sh.Off, size: r.sh.Size, entsize: r.sh.Entsize, align: r.sh.Addralign, isRela: true})
		}
	}

	return symtab, dynsym, relaSecs, maxAlign, nil
}

// auxSectionWithStr pairs a SYMTAB/DYNSYM section with its linked string
// table, both of which need a slot in the aux region.
type auxSectionWithStr struct {
	auxSection
	strtab *auxSection
}

// ValidateSymbolName reports whether the nul-terminated byte range read
// from a string table decodes as valid UTF-8. Per spec, a symbol whose
// name fails this check aborts symbol resolution for that one frame, not
// the whole trace.
func ValidateSymbolName(b []byte) (string, bool) {
	return string(b), utf8.Valid(b)
}
