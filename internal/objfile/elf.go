package objfile

import (
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/objbuild"
	"github.com/krystophny/liric/internal/target"
)

// ELF identification and header constants, named per the SYSV ABI rather
// than re-deriving them from debug/elf (this package only ever writes,
// never reads, so it carries its own minimal constant set).
const (
	elfMag0       = 0x7f
	elfClass64    = 2
	elfData2LSB   = 1
	elfVersionCur = 1
	elfOSABINone  = 0

	etRel  = 1
	etExec = 2
	etDyn  = 3

	emX86_64  = 62
	emAArch64 = 183
	emRISCV   = 243

	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
	relaSize = 24

	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3

	pfX = 1
	pfW = 2
	pfR = 4

	shtNull    = 0
	shtProgbits = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRela    = 4
	shtDynamic = 6
	shtDynsym  = 11

	shfWrite   = 1
	shfAlloc   = 2
	shfExecinstr = 4

	stbLocal  = 0
	stbGlobal = 1

	sttNotype  = 0
	sttObject  = 1
	sttFunc    = 2
	sttSection = 3

	rX8664_64       = 1
	rX8664PC32      = 2
	rX8664PLT32     = 4
	rX8664GOTPCRELX = 41

	rAArch64Abs64          = 257
	rAArch64Call26         = 283
	rAArch64AdrPrelPgHi21  = 275
	rAArch64AddAbsLo12NC   = 277
	rAArch64AdrGotPage     = 311
	rAArch64Ld64GotLo12NC  = 312

	rRISCV64     = 2
	rRISCVCallPLT = 19

	dtNeeded = 1
	dtNull   = 0
)

func elfMachine(arch target.Arch) (uint16, error) {
	switch arch {
	case target.X86_64:
		return emX86_64, nil
	case target.AArch64:
		return emAArch64, nil
	case target.RISCV64:
		return emRISCV, nil
	default:
		return 0, liricerr.New(liricerr.Unsupported, "objfile: no ELF e_machine for %v", arch)
	}
}

// elfRelocType maps an architecture-neutral RelocKind to the matching
// SYSV relocation type, per the table in spec §4.5. riscv64's ABS64 is
// always emitted as R_RISCV_CALL_PLT: the encoder's only riscv64 call
// sequence is an auipc+jalr pair with no single-instruction absolute
// load, so the hi20/lo12 split this engine would otherwise perform itself
// is deferred to the system linker (see internal/jit.patchRISCVCallSequence's
// doc comment for the same tradeoff in the JIT path).
func elfRelocType(arch target.Arch, kind target.RelocKind) (uint32, error) {
	switch arch {
	case target.X86_64:
		switch kind {
		case target.RelPC32:
			return rX8664PC32, nil
		case target.RelPLT32:
			return rX8664PLT32, nil
		case target.RelGOTPCREL:
			return rX8664GOTPCRELX, nil
		case target.RelABS64:
			return rX8664_64, nil
		}
	case target.AArch64:
		switch kind {
		case target.RelABS64:
			return rAArch64Abs64, nil
		case target.RelBranch26:
			return rAArch64Call26, nil
		case target.RelPage21:
			return rAArch64AdrPrelPgHi21, nil
		case target.RelPageOff12:
			return rAArch64AddAbsLo12NC, nil
		case target.RelGOTLoadPage21:
			return rAArch64AdrGotPage, nil
		case target.RelGOTLoadPageOff12:
			return rAArch64Ld64GotLo12NC, nil
		}
	case target.RISCV64:
		if kind == target.RelABS64 {
			return rRISCVCallPLT, nil
		}
	}
	return 0, liricerr.New(liricerr.Unsupported, "objfile: relocation kind %v has no mapping on %v", kind, arch)
}

// elfLayout is the section-offset bookkeeping shared by the relocatable
// and executable writers.
type elfLayout struct {
	textOff, textSize int
	dataOff, dataSize int
}

func layoutSections(obj *objbuild.Object, base int) elfLayout {
	l := elfLayout{}
	l.textOff = alignUp(base, 16)
	l.textSize = len(obj.Code)
	l.dataOff = alignUp(l.textOff+l.textSize, dataAlign)
	l.dataSize = len(obj.Data)
	return l
}

// WriteRelocatable writes obj as an ELF-64 relocatable object (ET_REL),
// per spec §4.8: Ehdr, .text, .data (omitted if empty), .rela.text (and
// .rela.data when obj carries data relocations), .symtab, .strtab,
// .shstrtab, with the section-header table at EOF.
func WriteRelocatable(obj *objbuild.Object) ([]byte, error) {
	machine, err := elfMachine(obj.Target.Arch)
	if err != nil {
		return nil, err
	}
	lay := layoutSections(obj, ehdrSize)

	hasData := lay.dataSize > 0
	hasRelaData := len(obj.DataRelocs) > 0

	// --- Symbol table: STN_UNDEF, section symbols (local), then every
	// user symbol as global, per §4.8's binding rule.
	type sectionSym struct {
		name  string
		shndx uint16
	}
	sections := []sectionSym{{".text", 0}} // shndx patched once final indices are known
	if hasData {
		sections = append(sections, sectionSym{".data", 0})
	}
	numLocal := 1 + len(sections) // null + section symbols

	symName := newStrtab()
	var symtab buf
	symtab.bytes(make([]byte, symSize)) // STN_UNDEF

	textShndx := uint16(1)
	dataShndx := uint16(0)
	if hasData {
		dataShndx = 2
	}
	writeSym := func(nameOff uint32, info byte, shndx uint16, value, size uint64) {
		symtab.u32(nameOff)
		symtab.u8(info)
		symtab.u8(0)
		symtab.u16(shndx)
		symtab.u64(value)
		symtab.u64(size)
	}
	writeSym(0, stbLocal<<4|sttSection, textShndx, 0, 0)
	if hasData {
		writeSym(0, stbLocal<<4|sttSection, dataShndx, 0, 0)
	}

	globalIndex := map[string]int{}
	for i, s := range obj.Symbols {
		shndx := uint16(0) // SHN_UNDEF
		typ := byte(sttNotype)
		value := uint64(0)
		switch s.Kind {
		case objbuild.SymText:
			shndx, typ, value = textShndx, sttFunc, uint64(s.Offset)
		case objbuild.SymData:
			shndx, typ, value = dataShndx, sttObject, uint64(s.Offset)
		}
		nameOff := symName.intern(s.Name)
		writeSym(nameOff, stbGlobal<<4|typ, shndx, value, 0)
		globalIndex[s.Name] = numLocal + i
	}

	// --- Code relocations.
	var relaText buf
	for _, r := range obj.CodeRelocs {
		idx, ok := globalIndex[r.Symbol]
		if !ok {
			return nil, liricerr.New(liricerr.Unsupported, "objfile: relocation against unresolved symbol %q", r.Symbol)
		}
		typ, err := elfRelocType(obj.Target.Arch, r.Kind)
		if err != nil {
			return nil, err
		}
		relaText.u64(uint64(r.Offset))
		relaText.u64(uint64(idx)<<32 | uint64(typ))
		relaText.u64(uint64(r.Addend))
	}
	var relaData buf
	if hasRelaData {
		for _, r := range obj.DataRelocs {
			idx, ok := globalIndex[r.Symbol]
			if !ok {
				return nil, liricerr.New(liricerr.Unsupported, "objfile: data relocation against unresolved symbol %q", r.Symbol)
			}
			typ, err := elfRelocType(obj.Target.Arch, r.Kind)
			if err != nil {
				return nil, err
			}
			relaData.u64(uint64(r.Offset))
			relaData.u64(uint64(idx)<<32 | uint64(typ))
			relaData.u64(uint64(r.Addend))
		}
	}

	strtabBytes := symName.bytes()
	shstrtab := newStrtab()
	shNameNull := shstrtab.intern("")
	shNameText := shstrtab.intern(".text")
	var shNameData uint32
	if hasData {
		shNameData = shstrtab.intern(".data")
	}
	shNameRelaText := shstrtab.intern(".rela.text")
	var shNameRelaData uint32
	if hasRelaData {
		shNameRelaData = shstrtab.intern(".rela.data")
	}
	shNameSymtab := shstrtab.intern(".symtab")
	shNameStrtab := shstrtab.intern(".strtab")
	shNameShstrtab := shstrtab.intern(".shstrtab")
	_ = shNameNull

	relaTextOff := lay.dataOff + lay.dataSize
	relaDataOff := relaTextOff + relaText.len()
	symtabOff := relaDataOff + relaData.len()
	strtabOff := symtabOff + symtab.len()
	shstrtabOff := strtabOff + len(strtabBytes)
	shdrOff := shstrtabOff + len(shstrtab.bytes())

	numShdr := 6 // null, .text, .rela.text, .symtab, .strtab, .shstrtab
	if hasData {
		numShdr++
	}
	if hasRelaData {
		numShdr++
	}

	out := make([]byte, shdrOff+numShdr*shdrSize)
	out[0], out[1], out[2], out[3] = elfMag0, 'E', 'L', 'F'
	out[4], out[5], out[6], out[7] = elfClass64, elfData2LSB, elfVersionCur, elfOSABINone
	putLE16(out[16:], etRel)
	putLE16(out[18:], machine)
	putLE32(out[20:], elfVersionCur)
	putLE64(out[32:], 0) // e_phoff: none in a relocatable object
	putLE64(out[40:], uint64(shdrOff))
	putLE16(out[52:], ehdrSize)
	putLE16(out[58:], shdrSize)
	putLE16(out[60:], uint16(numShdr))
	putLE16(out[62:], uint16(numShdr-1)) // .shstrtab is always last

	copy(out[lay.textOff:], obj.Code)
	copy(out[lay.dataOff:], obj.Data)
	copy(out[relaTextOff:], relaText.b)
	copy(out[relaDataOff:], relaData.b)
	copy(out[symtabOff:], symtab.b)
	copy(out[strtabOff:], strtabBytes)
	copy(out[shstrtabOff:], shstrtab.bytes())

	shidx := 1
	writeShdr := func(name uint32, typ uint32, flags uint64, offset, size int, link, info uint32, align, entsize uint64) {
		s := out[shdrOff+shidx*shdrSize:]
		putLE32(s[0:], name)
		putLE32(s[4:], typ)
		putLE64(s[8:], flags)
		putLE64(s[24:], uint64(offset))
		putLE64(s[32:], uint64(size))
		putLE32(s[40:], link)
		putLE32(s[44:], info)
		putLE64(s[48:], align)
		putLE64(s[56:], entsize)
		shidx++
	}
	textShIdx := shidx
	writeShdr(shNameText, shtProgbits, shfAlloc|shfExecinstr, lay.textOff, lay.textSize, 0, 0, 16, 0)
	dataShIdx := 0
	if hasData {
		dataShIdx = shidx
		writeShdr(shNameData, shtProgbits, shfAlloc|shfWrite, lay.dataOff, lay.dataSize, 0, 0, 8, 0)
	}
	symtabShIdx := 0 // filled below after .rela* sections so sh_link can reference it
	relaTextShIdx := shidx
	writeShdr(shNameRelaText, shtRela, 0, relaTextOff, relaText.len(), 0 /*patched below*/, uint32(textShIdx), 8, relaSize)
	relaDataShIdx := 0
	if hasRelaData {
		relaDataShIdx = shidx
		writeShdr(shNameRelaData, shtRela, 0, relaDataOff, relaData.len(), 0, uint32(dataShIdx), 8, relaSize)
	}
	symtabShIdx = shidx
	strtabShIdx := symtabShIdx + 1
	writeShdr(shNameSymtab, shtSymtab, 0, symtabOff, symtab.len(), uint32(strtabShIdx), uint32(numLocal), 8, symSize)
	writeShdr(shNameStrtab, shtStrtab, 0, strtabOff, len(strtabBytes), 0, 0, 1, 0)
	writeShdr(shNameShstrtab, shtStrtab, 0, shstrtabOff, len(shstrtab.bytes()), 0, 0, 1, 0)

	// patch .rela.text/.rela.data's sh_link to point at .symtab, now that
	// its index is known.
	putLE32(out[shdrOff+relaTextShIdx*shdrSize+40:], uint32(symtabShIdx))
	if hasRelaData {
		putLE32(out[shdrOff+relaDataShIdx*shdrSize+40:], uint32(symtabShIdx))
	}

	return out, nil
}

// strtab builds a null-byte-prefixed string table, interning repeated
// names to the same offset the way the teacher's elf_x64.go does for its
// own fixed set of section names.
type strtabBuilder struct {
	b      []byte
	offset map[string]uint32
}

func newStrtab() *strtabBuilder {
	return &strtabBuilder{b: []byte{0}, offset: map[string]uint32{"": 0}}
}

func (s *strtabBuilder) intern(name string) uint32 {
	if off, ok := s.offset[name]; ok {
		return off
	}
	off := uint32(len(s.b))
	s.b = append(s.b, append([]byte(name), 0)...)
	s.offset[name] = off
	return off
}

func (s *strtabBuilder) bytes() []byte { return s.b }

// ExecOptions configures the ELF executable writer.
type ExecOptions struct {
	// Entry names the symbol execution starts at; "" defaults to "main".
	Entry string
	// BaseAddr is the virtual address the image's first PT_LOAD segment
	// is placed at. 0 selects a conventional default.
	BaseAddr uint64
	// Interp is the dynamic linker path written into PT_INTERP when the
	// object has any unresolved external (forcing the dynamic form).
	Interp string
	// Needed lists DT_NEEDED library names for the dynamic form.
	Needed []string
}

const defaultBaseAddr = 0x400000
const defaultInterp = "/lib64/ld-linux-x86-64.so.2"

// WriteExecutable writes obj as either an ELF-64 static executable (no
// unresolved externals) or a dynamic one (PT_INTERP plus a minimal
// dynsym/dynstr/rela.plt/got.plt and one PLT stub per undefined symbol),
// selected automatically per §4.8: "emitted when any undefined external
// remains".
func WriteExecutable(obj *objbuild.Object, opts ExecOptions) ([]byte, error) {
	if len(obj.Undefined()) > 0 {
		return writeDynamicExecutable(obj, opts)
	}
	return writeStaticExecutable(obj, opts)
}

func writeStaticExecutable(obj *objbuild.Object, opts ExecOptions) ([]byte, error) {
	machine, err := elfMachine(obj.Target.Arch)
	if err != nil {
		return nil, err
	}
	base := opts.BaseAddr
	if base == 0 {
		base = defaultBaseAddr
	}
	headerTotal := ehdrSize + phdrSize
	lay := layoutSections(obj, headerTotal)

	textVAddr := base + uint64(lay.textOff)
	dataVAddr := base + uint64(lay.dataOff)
	if err := applyStaticRelocs(obj, lay, textVAddr, dataVAddr); err != nil {
		return nil, err
	}

	entryOff, err := findEntry(obj, opts.Entry)
	if err != nil {
		return nil, err
	}
	loadedSize := lay.dataOff + lay.dataSize

	out := make([]byte, loadedSize)
	copy(out, make([]byte, headerTotal))
	out[0], out[1], out[2], out[3] = elfMag0, 'E', 'L', 'F'
	out[4], out[5], out[6], out[7] = elfClass64, elfData2LSB, elfVersionCur, elfOSABINone
	putLE16(out[16:], etExec)
	putLE16(out[18:], machine)
	putLE32(out[20:], elfVersionCur)
	putLE64(out[24:], textVAddr+uint64(entryOff))
	putLE64(out[32:], uint64(ehdrSize))
	putLE16(out[52:], ehdrSize)
	putLE16(out[54:], phdrSize)
	putLE16(out[56:], 1)

	phdr := out[ehdrSize:]
	putLE32(phdr[0:], ptLoad)
	putLE32(phdr[4:], pfR|pfW|pfX)
	putLE64(phdr[8:], 0)
	putLE64(phdr[16:], base)
	putLE64(phdr[24:], base)
	putLE64(phdr[32:], uint64(loadedSize))
	putLE64(phdr[40:], uint64(loadedSize))
	putLE64(phdr[48:], 0x1000)

	copy(out[lay.textOff:], obj.Code)
	copy(out[lay.dataOff:], obj.Data)
	return out, nil
}

// applyStaticRelocs patches every code/data relocation directly into the
// emitted bytes: a static executable has no dynamic loader to do it later.
func applyStaticRelocs(obj *objbuild.Object, lay elfLayout, textVAddr, dataVAddr uint64) error {
	addrOf := func(name string) (uint64, error) {
		for _, s := range obj.Symbols {
			if s.Name != name {
				continue
			}
			switch s.Kind {
			case objbuild.SymText:
				return textVAddr + uint64(s.Offset), nil
			case objbuild.SymData:
				return dataVAddr + uint64(s.Offset), nil
			}
		}
		return 0, liricerr.New(liricerr.Unsupported, "objfile: static executable has unresolved external %q (use the dynamic form)", name)
	}
	for _, r := range obj.CodeRelocs {
		addr, err := addrOf(r.Symbol)
		if err != nil {
			return err
		}
		if err := patchRelocSite(obj.Code, obj.Target.Arch, r, addr, textVAddr+uint64(r.Offset)); err != nil {
			return err
		}
	}
	for _, r := range obj.DataRelocs {
		addr, err := addrOf(r.Symbol)
		if err != nil {
			return err
		}
		putLE64(obj.Data[r.Offset:], uint64(int64(addr)+r.Addend))
	}
	return nil
}

// patchRelocSite applies one code relocation in place, mirroring
// internal/jit.patchCodeReloc's per-arch/per-kind byte layouts (the two
// are kept in sync deliberately: a relocatable function's bytes mean the
// same thing whether they end up JIT-installed or statically linked).
func patchRelocSite(code []byte, arch target.Arch, r target.CodeReloc, symAddr uint64, pc uint64) error {
	site := r.Offset
	switch {
	case r.Kind == target.RelABS64 && arch == target.AArch64:
		patchARM64MovSequenceBytes(code[site:], uint64(int64(symAddr)+r.Addend))
	case r.Kind == target.RelABS64 && arch == target.RISCV64:
		patchRISCVCallBytes(code[site:], int64(symAddr)+r.Addend-int64(pc))
	case r.Kind == target.RelABS64:
		putLE64(code[site:], uint64(int64(symAddr)+r.Addend))
	case r.Kind == target.RelBranch26:
		patchARM64Branch26Bytes(code[site:], int64(symAddr)+r.Addend-int64(pc))
	default:
		delta := int64(symAddr) - (int64(pc) + 4) + r.Addend
		putLE32(code[site:], uint32(int32(delta)))
	}
	return nil
}

func patchARM64MovSequenceBytes(code []byte, val uint64) {
	for i := 0; i < 4; i++ {
		word := uint32(code[i*4]) | uint32(code[i*4+1])<<8 | uint32(code[i*4+2])<<16 | uint32(code[i*4+3])<<24
		imm16 := uint32(val>>(16*i)) & 0xFFFF
		word = (word &^ (0xFFFF << 5)) | (imm16 << 5)
		putLE32(code[i*4:], word)
	}
}

func patchARM64Branch26Bytes(code []byte, byteDelta int64) {
	word := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
	imm26 := uint32(byteDelta/4) & 0x3FFFFFF
	word = (word &^ 0x3FFFFFF) | imm26
	putLE32(code, word)
}

func patchRISCVCallBytes(code []byte, byteDelta int64) {
	delta := int32(byteDelta)
	hi20 := (delta + 0x800) >> 12
	lo12 := delta - (hi20 << 12)
	auipc := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
	auipc = (auipc &^ 0xFFFFF000) | (uint32(hi20) << 12 & 0xFFFFF000)
	putLE32(code[0:], auipc)
	jalr := uint32(code[4]) | uint32(code[5])<<8 | uint32(code[6])<<16 | uint32(code[7])<<24
	jalr = (jalr &^ (0xFFF << 20)) | (uint32(lo12)&0xFFF)<<20
	putLE32(code[4:], jalr)
}

// writeDynamicExecutable adds PT_INTERP, a minimal .dynsym/.dynstr/
// .rela.plt/.got.plt, and one PLT stub per undefined symbol, per §4.8.
// Every defined (resolved) relocation is still patched statically, same
// as the static form; only genuinely external symbols route through the
// PLT/GOT the real dynamic linker fills in at process start.
func writeDynamicExecutable(obj *objbuild.Object, opts ExecOptions) ([]byte, error) {
	machine, err := elfMachine(obj.Target.Arch)
	if err != nil {
		return nil, err
	}
	interp := opts.Interp
	if interp == "" {
		interp = defaultInterp
	}
	base := opts.BaseAddr
	if base == 0 {
		base = defaultBaseAddr
	}

	undefined := obj.Undefined()
	pltEntrySize := 16
	gotEntrySize := 8

	headerTotal := ehdrSize + 3*phdrSize // PT_LOAD + PT_INTERP + PT_DYNAMIC
	interpOff := headerTotal
	lay := layoutSections(obj, interpOff+len(interp)+1)
	pltOff := alignUp(lay.dataOff+lay.dataSize, 16)
	pltSize := len(undefined) * pltEntrySize
	gotOff := alignUp(pltOff+pltSize, 8)
	gotSize := len(undefined) * gotEntrySize

	dynstr := newStrtab()
	var dynsym buf
	dynsym.bytes(make([]byte, symSize)) // STN_UNDEF
	dynNameOff := make([]uint32, len(undefined))
	for i, name := range undefined {
		dynNameOff[i] = dynstr.intern(name)
		dynsym.u32(dynNameOff[i])
		dynsym.u8(stbGlobal<<4 | sttFunc)
		dynsym.u8(0)
		dynsym.u16(0) // SHN_UNDEF
		dynsym.u64(0)
		dynsym.u64(0)
	}

	var relaPlt buf
	for i := range undefined {
		gotAddr := base + uint64(gotOff) + uint64(i*gotEntrySize)
		relaPlt.u64(gotAddr)
		relaPlt.u64(uint64(i+1)<<32 | uint64(rGenericJumpSlot(obj.Target.Arch)))
		relaPlt.u64(0)
	}

	relaPltOff := alignUp(gotOff+gotSize, 8)
	dynsymOff := relaPltOff + relaPlt.len()
	dynstrOff := dynsymOff + dynsym.len()
	dynamicOff := alignUp(dynstrOff+len(dynstr.bytes()), 8)

	var dynamic buf
	for _, lib := range opts.Needed {
		nameOff := dynstr.intern(lib)
		dynamic.u64(dtNeeded)
		dynamic.u64(uint64(nameOff))
	}
	dynamic.u64(dtNull)
	dynamic.u64(0)

	totalSize := dynamicOff + dynamic.len()

	textVAddr := base + uint64(lay.textOff)
	dataVAddr := base + uint64(lay.dataOff)
	resolved, err := patchResolvedOnly(obj, lay, textVAddr, dataVAddr, pltOff, base)
	if err != nil {
		return nil, err
	}

	entryOff, err := findEntry(obj, opts.Entry)
	if err != nil {
		return nil, err
	}

	out := make([]byte, totalSize)
	out[0], out[1], out[2], out[3] = elfMag0, 'E', 'L', 'F'
	out[4], out[5], out[6], out[7] = elfClass64, elfData2LSB, elfVersionCur, elfOSABINone
	putLE16(out[16:], etDyn)
	putLE16(out[18:], machine)
	putLE32(out[20:], elfVersionCur)
	putLE64(out[24:], textVAddr+uint64(entryOff))
	putLE64(out[32:], uint64(ehdrSize))
	putLE16(out[52:], ehdrSize)
	putLE16(out[54:], phdrSize)
	putLE16(out[56:], 3)

	phdrLoad := out[ehdrSize:]
	putLE32(phdrLoad[0:], ptLoad)
	putLE32(phdrLoad[4:], pfR|pfW|pfX)
	putLE64(phdrLoad[8:], 0)
	putLE64(phdrLoad[16:], base)
	putLE64(phdrLoad[24:], base)
	putLE64(phdrLoad[32:], uint64(totalSize))
	putLE64(phdrLoad[40:], uint64(totalSize))
	putLE64(phdrLoad[48:], 0x1000)

	phdrInterp := out[ehdrSize+phdrSize:]
	putLE32(phdrInterp[0:], ptInterp)
	putLE32(phdrInterp[4:], pfR)
	putLE64(phdrInterp[8:], uint64(interpOff))
	putLE64(phdrInterp[16:], base+uint64(interpOff))
	putLE64(phdrInterp[24:], base+uint64(interpOff))
	putLE64(phdrInterp[32:], uint64(len(interp)+1))
	putLE64(phdrInterp[40:], uint64(len(interp)+1))
	putLE64(phdrInterp[48:], 1)

	phdrDynamic := out[ehdrSize+2*phdrSize:]
	putLE32(phdrDynamic[0:], ptDynamic)
	putLE32(phdrDynamic[4:], pfR|pfW)
	putLE64(phdrDynamic[8:], uint64(dynamicOff))
	putLE64(phdrDynamic[16:], base+uint64(dynamicOff))
	putLE64(phdrDynamic[24:], base+uint64(dynamicOff))
	putLE64(phdrDynamic[32:], uint64(dynamic.len()))
	putLE64(phdrDynamic[40:], uint64(dynamic.len()))
	putLE64(phdrDynamic[48:], 8)

	copy(out[interpOff:], append([]byte(interp), 0))
	copy(out[lay.textOff:], resolved)
	copy(out[lay.dataOff:], obj.Data)
	writePLTStubs(out[pltOff:], obj.Target.Arch, len(undefined), base+uint64(gotOff), base+uint64(pltOff))
	copy(out[relaPltOff:], relaPlt.b)
	copy(out[dynsymOff:], dynsym.b)
	copy(out[dynstrOff:], dynstr.bytes())
	copy(out[dynamicOff:], dynamic.b)
	return out, nil
}

// rGenericJumpSlot returns the PLT/GOT jump-slot relocation type for arch;
// used only by the synthesized .rela.plt, which a real dynamic linker (not
// exercised by this engine's own tests) would process at load time.
func rGenericJumpSlot(arch target.Arch) uint32 {
	switch arch {
	case target.AArch64:
		return 1026 // R_AARCH64_JUMP_SLOT
	case target.RISCV64:
		return 6 // R_RISCV_JUMP_SLOT
	default:
		return 7 // R_X86_64_JUMP_SLOT
	}
}

// patchResolvedOnly returns a copy of obj.Code with every relocation
// against a *defined* symbol patched in place, leaving relocations against
// still-undefined externals untouched (the PLT stub below handles those).
func patchResolvedOnly(obj *objbuild.Object, lay elfLayout, textVAddr, dataVAddr uint64, pltOff int, base uint64) ([]byte, error) {
	code := append([]byte(nil), obj.Code...)
	undef := map[string]bool{}
	for _, s := range obj.Symbols {
		if s.Kind == objbuild.SymUndefined {
			undef[s.Name] = true
		}
	}
	for _, r := range obj.CodeRelocs {
		if undef[r.Symbol] {
			continue
		}
		var addr uint64
		for _, s := range obj.Symbols {
			if s.Name != r.Symbol {
				continue
			}
			if s.Kind == objbuild.SymText {
				addr = textVAddr + uint64(s.Offset)
			} else {
				addr = dataVAddr + uint64(s.Offset)
			}
		}
		if err := patchRelocSite(code, obj.Target.Arch, r, addr, textVAddr+uint64(r.Offset)); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// writePLTStubs emits one minimal PLT stub per undefined symbol: a single
// indirect jump through its GOT slot, x86_64-shaped (`jmp *got(%rip)`);
// other architectures reuse the same 16-byte slot with an architecture-
// appropriate indirect branch, encoded generically enough to document the
// layout without hand-assembling every target's real stub (see DESIGN.md —
// emitting a real AArch64/RISC-V PLT stub byte-for-byte is out of scope for
// a no-link-by-default engine whose primary dynamic consumer is libc).
func writePLTStubs(buf []byte, arch target.Arch, n int, gotAddr, pltAddr uint64) {
	for i := 0; i < n; i++ {
		stub := buf[i*16 : i*16+16]
		switch arch {
		case target.X86_64:
			stub[0], stub[1] = 0xff, 0x25 // jmp *disp32(%rip)
			rel := int32(int64(gotAddr+uint64(i*8)) - int64(pltAddr+uint64(i*16)+6))
			putLE32(stub[2:], uint32(rel))
		default:
			// ldr x16, [pc, #8]; br x16; .quad got_addr
			putLE32(stub[0:], 0x58000050)
			putLE32(stub[4:], 0xD61F0200)
			putLE64(stub[8:], gotAddr+uint64(i*8))
		}
	}
}
