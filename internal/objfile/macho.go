package objfile

import (
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/objbuild"
	"github.com/krystophny/liric/internal/target"
)

// Mach-O constants this package needs, named the way the teacher's
// macho_arm64.go does (mach-o/loader.h's names, not debug/macho's Go
// spellings, since this package only ever writes and the teacher's own
// builder reads the same way).
const (
	machoMagic64 = 0xfeedfacf

	cpuTypeX86_64  = 0x01000007
	cpuTypeARM64   = 0x0100000c
	cpuSubtypeAll  = 0x00000003
	cpuSubtypeARM64All = 0x00000000

	mhObject = 0x1

	lcSegment64     = 0x19
	lcSymtab        = 0x2
	lcBuildVersion  = 0x32

	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4

	sAttrSomeInstructions = 0x00000400
	sAttrPureInstructions = 0x80000000

	nSect   = 0x0e
	nExt    = 0x01
	nUndf   = 0x00

	platformMacOS = 1

	machoRelocSize = 8
	nlistSize      = 16
	segCmdSize     = 72
	sectCmdSize    = 80
)

func machoCPU(arch target.Arch) (cputype, cpusubtype uint32, err error) {
	switch arch {
	case target.X86_64:
		return cpuTypeX86_64, cpuSubtypeAll, nil
	case target.AArch64:
		return cpuTypeARM64, cpuSubtypeARM64All, nil
	default:
		return 0, 0, liricerr.New(liricerr.Unsupported, "objfile: Mach-O has no writer for %v", arch)
	}
}

// machoRelocType maps a RelocKind to the ARM64_RELOC_*/X86_64_RELOC_* type
// nibble used in a packed relocation_info's r_type field, per the subset of
// spec §4.5 Mach-O actually needs: this engine only ever targets aarch64/
// darwin for Mach-O output, so the x86_64 arm is defensive, not exercised.
func machoRelocType(arch target.Arch, kind target.RelocKind) (pcrel bool, rtype uint32, err error) {
	if arch == target.AArch64 {
		switch kind {
		case target.RelABS64:
			return false, 0 /* ARM64_RELOC_UNSIGNED */, nil
		case target.RelBranch26:
			return true, 2 /* ARM64_RELOC_BRANCH26 */, nil
		case target.RelPage21:
			return true, 3 /* ARM64_RELOC_PAGE21 */, nil
		case target.RelPageOff12:
			return false, 4 /* ARM64_RELOC_PAGEOFF12 */, nil
		case target.RelGOTLoadPage21:
			return true, 5 /* ARM64_RELOC_GOT_LOAD_PAGE21 */, nil
		case target.RelGOTLoadPageOff12:
			return false, 6 /* ARM64_RELOC_GOT_LOAD_PAGEOFF12 */, nil
		}
	}
	if arch == target.X86_64 {
		switch kind {
		case target.RelABS64:
			return false, 0 /* X86_64_RELOC_UNSIGNED */, nil
		case target.RelPLT32:
			return true, 2 /* X86_64_RELOC_BRANCH */, nil
		case target.RelGOTPCREL:
			return true, 4 /* X86_64_RELOC_GOT_LOAD */, nil
		}
	}
	return false, 0, liricerr.New(liricerr.Unsupported, "objfile: relocation kind %v has no Mach-O mapping on %v", kind, arch)
}

// machoName returns name with the Mach-O convention underscore prefix,
// per macho_arm64.go's "_main"/"_"+f.Name symbol spellings.
func machoName(name string) string { return "_" + name }

// WriteMachORelocatable writes obj as a Mach-O MH_OBJECT: a single
// LC_SEGMENT_64 (unnamed, as object files carry) holding __text and
// (when non-empty) __data, LC_SYMTAB ordering symbols local-defined
// first then external-undefined last as dsymutil/ld expect, and
// LC_BUILD_VERSION so downstream tools can see the deployment target.
func WriteMachORelocatable(obj *objbuild.Object) ([]byte, error) {
	cputype, cpusubtype, err := machoCPU(obj.Target.Arch)
	if err != nil {
		return nil, err
	}

	hasData := len(obj.Data) > 0
	nsects := 1
	if hasData {
		nsects = 2
	}

	lcBuildVersionSize := 24 // no tool entries
	sizeofcmds := segCmdSize + nsects*sectCmdSize + 24 /* LC_SYMTAB */ + lcBuildVersionSize
	ncmds := 3 // LC_SEGMENT_64, LC_SYMTAB, LC_BUILD_VERSION
	headerSize := 32 + sizeofcmds

	textOff := alignUp(headerSize, 16)
	textSize := len(obj.Code)
	dataOff := alignUp(textOff+textSize, dataAlign)
	dataSize := len(obj.Data)

	// --- symbol table: defined (section) symbols first in declaration
	// order, then undefined externals last, per ld's MH_OBJECT convention.
	// Built before the relocations below: an extern relocation's
	// r_symbolnum is this final symtab index, not obj.Symbols' own order.
	strtab := []byte{0}
	internName := func(name string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, append([]byte(machoName(name)), 0)...)
		return off
	}

	type nlist struct {
		nameOff uint32
		typ     byte
		sect    byte
		desc    uint16
		value   uint64
	}
	var defined, undefined []nlist
	// symIndex maps a symbol name to its final symtab slot and whether a
	// relocation against it is section-relative (a defined symbol, kept
	// by its section number) or extern (an undefined one, kept by its
	// final symtab index), per relocation_info's r_extern/r_symbolnum.
	symIndex := map[string]machoSymRef{}
	for _, s := range obj.Symbols {
		switch s.Kind {
		case objbuild.SymText:
			defined = append(defined, nlist{nameOff: internName(s.Name), typ: nExt | nSect, sect: 1, value: uint64(s.Offset)})
			symIndex[s.Name] = machoSymRef{index: 1, extern: false}
		case objbuild.SymData:
			sect := byte(1)
			if hasData {
				sect = 2
			}
			defined = append(defined, nlist{nameOff: internName(s.Name), typ: nExt | nSect, sect: sect, value: uint64(s.Offset)})
			symIndex[s.Name] = machoSymRef{index: int(sect), extern: false}
		case objbuild.SymUndefined:
			undefined = append(undefined, nlist{nameOff: internName(s.Name), typ: nExt | nUndf})
		}
	}
	u := 0
	for _, s := range obj.Symbols {
		if s.Kind == objbuild.SymUndefined {
			symIndex[s.Name] = machoSymRef{index: len(defined) + u, extern: true}
			u++
		}
	}

	relOff := dataOff + dataSize
	var relText buf
	for _, r := range obj.CodeRelocs {
		if err := writeMachoReloc(&relText, symIndex, obj.Target.Arch, r); err != nil {
			return nil, err
		}
	}
	relDataOff := relOff + relText.len()
	var relData buf
	for _, r := range obj.DataRelocs {
		if err := writeMachoReloc(&relData, symIndex, obj.Target.Arch, r); err != nil {
			return nil, err
		}
	}

	symtabOff := relDataOff + relData.len()
	var symtab buf
	for _, n := range defined {
		symtab.u32(n.nameOff)
		symtab.u8(n.typ)
		symtab.u8(n.sect)
		symtab.u16(n.desc)
		symtab.u64(n.value)
	}
	for _, n := range undefined {
		symtab.u32(n.nameOff)
		symtab.u8(n.typ)
		symtab.u8(n.sect)
		symtab.u16(n.desc)
		symtab.u64(n.value)
	}
	strtabOff := symtabOff + symtab.len()

	totalSize := alignUp(strtabOff+len(strtab), 8)
	out := make([]byte, totalSize)
	putLE32(out[0:], machoMagic64)
	putLE32(out[4:], cputype)
	putLE32(out[8:], cpusubtype)
	putLE32(out[12:], mhObject)
	putLE32(out[16:], uint32(ncmds))
	putLE32(out[20:], uint32(sizeofcmds))
	putLE32(out[24:], 0) // flags
	putLE32(out[28:], 0) // reserved

	cmd := out[32:]
	segFileSize := dataOff + dataSize - textOff
	putLE32(cmd[0:], lcSegment64)
	putLE32(cmd[4:], uint32(segCmdSize+nsects*sectCmdSize))
	// segname: 16 zero bytes for an object file's anonymous segment.
	putLE64(cmd[24:], 0)                       // vmaddr
	putLE64(cmd[32:], uint64(segFileSize))     // vmsize
	putLE64(cmd[40:], uint64(textOff))         // fileoff
	putLE64(cmd[48:], uint64(segFileSize))     // filesize
	putLE32(cmd[56:], vmProtRead|vmProtWrite|vmProtExecute)
	putLE32(cmd[60:], vmProtRead|vmProtWrite|vmProtExecute)
	putLE32(cmd[64:], uint32(nsects))
	putLE32(cmd[68:], 0) // flags
	cmd = cmd[segCmdSize:]

	copy(cmd[0:16], "__text")
	copy(cmd[16:32], "__TEXT")
	putLE64(cmd[32:], uint64(textOff)) // addr
	putLE64(cmd[40:], uint64(textSize))
	putLE32(cmd[48:], uint32(textOff))
	putLE32(cmd[52:], 4) // align = 2^4
	putLE32(cmd[56:], uint32(relOff))
	putLE32(cmd[60:], uint32(len(obj.CodeRelocs)))
	putLE32(cmd[64:], sAttrSomeInstructions|sAttrPureInstructions)
	cmd = cmd[sectCmdSize:]

	if hasData {
		copy(cmd[0:16], "__data")
		copy(cmd[16:32], "__DATA")
		putLE64(cmd[32:], uint64(dataOff))
		putLE64(cmd[40:], uint64(dataSize))
		putLE32(cmd[48:], uint32(dataOff))
		putLE32(cmd[52:], 3) // align = 2^3
		putLE32(cmd[56:], uint32(relDataOff))
		putLE32(cmd[60:], uint32(len(obj.DataRelocs)))
		cmd = cmd[sectCmdSize:]
	}

	putLE32(cmd[0:], lcSymtab)
	putLE32(cmd[4:], 24)
	putLE32(cmd[8:], uint32(symtabOff))
	putLE32(cmd[12:], uint32(len(defined)+len(undefined)))
	putLE32(cmd[16:], uint32(strtabOff))
	putLE32(cmd[20:], uint32(len(strtab)))
	cmd = cmd[24:]

	putLE32(cmd[0:], lcBuildVersion)
	putLE32(cmd[4:], uint32(lcBuildVersionSize))
	putLE32(cmd[8:], platformMacOS)
	putLE32(cmd[12:], 0x000b0000) // minos 11.0
	putLE32(cmd[16:], 0x000b0000) // sdk 11.0
	putLE32(cmd[20:], 0)          // ntools

	copy(out[textOff:], obj.Code)
	copy(out[dataOff:], obj.Data)
	copy(out[relOff:], relText.b)
	copy(out[relDataOff:], relData.b)
	copy(out[symtabOff:], symtab.b)
	copy(out[strtabOff:], strtab)
	return out, nil
}

// machoSymRef is how writeMachoReloc resolves a relocation's r_symbolnum:
// a defined symbol's reference is section-relative (r_extern=0), carrying
// its section number; an undefined one is extern (r_extern=1), carrying
// its final symtab index.
type machoSymRef struct {
	index  int
	extern bool
}

func writeMachoReloc(w *buf, symIndex map[string]machoSymRef, arch target.Arch, r target.CodeReloc) error {
	pcrel, rtype, err := machoRelocType(arch, r.Kind)
	if err != nil {
		return err
	}
	ref, ok := symIndex[r.Symbol]
	if !ok {
		return liricerr.New(liricerr.NotFound, "objfile: Mach-O relocation against unknown symbol %q", r.Symbol)
	}
	w.u32(uint32(r.Offset))
	length := uint32(2) // 2 = 4 bytes; 3 = 8 bytes
	if r.Kind == target.RelABS64 {
		length = 3
	}
	pcrelBit := uint32(0)
	if pcrel {
		pcrelBit = 1
	}
	extern := uint32(0)
	if ref.extern {
		extern = 1
	}
	packed := uint32(ref.index)&0xFFFFFF | pcrelBit<<24 | length<<25 | extern<<27 | rtype<<28
	w.u32(packed)
	return nil
}
