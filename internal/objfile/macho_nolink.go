package objfile

import (
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/objbuild"
	"github.com/krystophny/liric/internal/target"
)

const (
	machoPageSize = 0x4000 // 16KB, matching the teacher's ARM64 page granule

	lcSegment64Cmd  = lcSegment64
	lcLoadDylinker  = 0xe
	lcLoadDylib     = 0xc
	lcMain          = 0x80000028
	lcCodeSignature = 0x1d

	pageZeroVMSize    = uint64(0x100000000)
	defaultTextVMAddr = pageZeroVMSize
)

// NoLinkOptions configures WriteMachONoLinkExecutable.
type NoLinkOptions struct {
	// Entry names the symbol execution starts at; "" defaults to "main".
	Entry string
	// ID is the ad-hoc code signature's identifier string.
	ID string
}

// WriteMachONoLinkExecutable writes obj as a self-contained, directly
// runnable Mach-O PIE executable for aarch64/darwin with no system linker
// step, per spec §4.8's "no-link" build path: every undefined external is
// resolved via dlsym against the host's shared C library at write time and
// baked as an absolute address into a synthesized __got section, addressed
// by the encoder's GOT_LOAD_PAGE21/GOT_LOAD_PAGEOFF12 relocations the same
// way a real GOT would be. This relies on Apple's dyld shared cache being
// slid once per boot rather than per process: a libSystem address captured
// here remains valid in the process that later executes this file, as long
// as both run within the same boot session (see DESIGN.md).
func WriteMachONoLinkExecutable(obj *objbuild.Object, opts NoLinkOptions) ([]byte, error) {
	if obj.Target.Arch != target.AArch64 || obj.Target.OS != target.Darwin {
		return nil, liricerr.New(liricerr.Unsupported, "objfile: no-link Mach-O executable requires aarch64/darwin, got %v/%v", obj.Target.Arch, obj.Target.OS)
	}

	undefined := obj.Undefined()
	gotAddr := make(map[string]uint64, len(undefined))
	for _, name := range undefined {
		addr, ok := resolveHostSymbol(name)
		if !ok {
			return nil, liricerr.New(liricerr.NotFound, "objfile: no-link build cannot resolve external symbol %q via dlsym", name)
		}
		gotAddr[name] = uint64(addr)
	}

	dylinkerPath := "/usr/lib/dyld"
	dylibPath := "/usr/lib/libSystem.B.dylib"

	lcDylinkerSize := alignUp(12+len(dylinkerPath)+1, 8)
	lcDylibSize := alignUp(24+len(dylibPath)+1, 8)
	const (
		lcMainSize    = 24
		lcSymtabSize  = 24
		lcCodeSigSize = 16
	)
	ncmds := 9 // PAGEZERO, TEXT, DATA, LINKEDIT, DYLINKER, DYLIB, MAIN, SYMTAB, CODE_SIGNATURE
	sizeofcmds := segCmdSize /*PAGEZERO*/ +
		segCmdSize + sectCmdSize*2 /*TEXT: __text,__got*/ +
		segCmdSize + sectCmdSize /*DATA: __data, always present so __got's neighbor segment exists*/ +
		segCmdSize /*LINKEDIT*/ +
		lcDylinkerSize + lcDylibSize + lcMainSize + lcSymtabSize + lcCodeSigSize

	headerSize := 32 + sizeofcmds
	textSectOff := alignUp(headerSize, 16)
	textSize := len(obj.Code)
	gotOff := alignUp(textSectOff+textSize, 8)
	gotSize := len(undefined) * 8
	textSegEnd := alignUp(gotOff+gotSize, machoPageSize)
	if textSegEnd < machoPageSize {
		textSegEnd = machoPageSize
	}

	dataSegStart := textSegEnd
	dataSectOff := dataSegStart
	dataSize := len(obj.Data)
	dataSegEnd := alignUp(dataSectOff+dataSize, machoPageSize)
	if dataSegEnd == dataSegStart {
		dataSegEnd = dataSegStart + machoPageSize
	}

	linkeditStart := dataSegEnd
	strtab := []byte{0}
	entryName := opts.Entry
	if entryName == "" {
		entryName = "main"
	}
	entryOff, err := findEntry(obj, entryName)
	if err != nil {
		return nil, err
	}
	entryNameOff := len(strtab)
	strtab = append(strtab, append([]byte(machoName(entryName)), 0)...)
	symtabOff := linkeditStart
	symtabSize := nlistSize // one entry: the entry symbol
	strtabOff := symtabOff + symtabSize
	strtabSize := len(strtab)

	id := opts.ID
	if id == "" {
		id = "a.out"
	}
	codeSignOff := alignUp(strtabOff+strtabSize, 16)
	signedSize := int64(codeSignOff) // the signature covers everything before it
	sigSize := int(codeSignSize(signedSize, id))
	linkeditEnd := alignUp(codeSignOff+sigSize, machoPageSize)
	if linkeditEnd == linkeditStart {
		linkeditEnd = linkeditStart + machoPageSize
	}
	totalFileSize := linkeditEnd

	textSegVAddr := defaultTextVMAddr
	dataSegVAddr := textSegVAddr + uint64(dataSegStart)
	linkeditVAddr := textSegVAddr + uint64(linkeditStart)

	textVMAddr := textSegVAddr + uint64(textSectOff)
	gotVMAddr := textSegVAddr + uint64(gotOff)
	dataVMAddr := textSegVAddr + uint64(dataSectOff)

	// Resolve every code/data relocation: internal symbols use their final
	// PC-relative target address, externs load through the GOT slot at
	// gotVMAddr+8*i, in declaration order of obj.Undefined().
	resolvedCode := append([]byte(nil), obj.Code...)
	gotIndex := map[string]int{}
	for i, name := range undefined {
		gotIndex[name] = i
	}
	definedAddr := func(name string) (uint64, bool) {
		for _, s := range obj.Symbols {
			if s.Name != name {
				continue
			}
			switch s.Kind {
			case objbuild.SymText:
				return textVMAddr + uint64(s.Offset), true
			case objbuild.SymData:
				return dataVMAddr + uint64(s.Offset), true
			}
		}
		return 0, false
	}
	for _, r := range obj.CodeRelocs {
		pc := textVMAddr + uint64(r.Offset)
		var resolvedAddr uint64
		if addr, ok := definedAddr(r.Symbol); ok {
			resolvedAddr = addr
		} else if idx, ok := gotIndex[r.Symbol]; ok {
			resolvedAddr = gotVMAddr + uint64(idx*8)
		} else {
			return nil, liricerr.New(liricerr.NotFound, "objfile: relocation against unknown symbol %q", r.Symbol)
		}
		if err := patchRelocSite(resolvedCode, target.AArch64, r, resolvedAddr, pc); err != nil {
			return nil, err
		}
	}
	resolvedData := append([]byte(nil), obj.Data...)
	for _, r := range obj.DataRelocs {
		addr, ok := definedAddr(r.Symbol)
		if !ok {
			return nil, liricerr.New(liricerr.Unsupported, "objfile: data relocation against unresolved external %q", r.Symbol)
		}
		putLE64(resolvedData[r.Offset:], uint64(int64(addr)+r.Addend))
	}

	got := make([]byte, gotSize)
	for _, name := range undefined {
		putLE64(got[gotIndex[name]*8:], gotAddr[name])
	}

	out := make([]byte, totalFileSize)
	putLE32(out[0:], machoMagic64)
	putLE32(out[4:], cpuTypeARM64)
	putLE32(out[8:], cpuSubtypeARM64All)
	putLE32(out[12:], 0x2) // MH_EXECUTE
	putLE32(out[16:], uint32(ncmds))
	putLE32(out[20:], uint32(sizeofcmds))
	putLE32(out[24:], 0x200001) // MH_NOUNDEFS | MH_PIE
	putLE32(out[28:], 0)

	cmd := out[32:]
	putSeg := func(vmaddr, vmsize uint64, fileoff, filesize int, maxprot, initprot uint32, nsects uint32) {
		putLE32(cmd[0:], lcSegment64Cmd)
		putLE32(cmd[4:], uint32(segCmdSize)+nsects*sectCmdSize)
		putLE64(cmd[24:], vmaddr)
		putLE64(cmd[32:], vmsize)
		putLE64(cmd[40:], uint64(fileoff))
		putLE64(cmd[48:], uint64(filesize))
		putLE32(cmd[56:], maxprot)
		putLE32(cmd[60:], initprot)
		putLE32(cmd[64:], nsects)
		cmd = cmd[segCmdSize:]
	}
	// __PAGEZERO
	copy(cmd[8:24], "__PAGEZERO")
	putSeg(0, pageZeroVMSize, 0, 0, 0, 0, 0)

	// __TEXT
	copy(cmd[8:24], "__TEXT")
	putSeg(textSegVAddr, uint64(dataSegStart), 0, dataSegStart, vmProtRead|vmProtWrite|vmProtExecute, vmProtRead|vmProtExecute, 2)
	copy(cmd[0:16], "__text")
	copy(cmd[16:32], "__TEXT")
	putLE64(cmd[32:], textVMAddr)
	putLE64(cmd[40:], uint64(textSize))
	putLE32(cmd[48:], uint32(textSectOff))
	putLE32(cmd[52:], 4)
	putLE32(cmd[64:], sAttrSomeInstructions|sAttrPureInstructions)
	cmd = cmd[sectCmdSize:]
	copy(cmd[0:16], "__got")
	copy(cmd[16:32], "__TEXT")
	putLE64(cmd[32:], gotVMAddr)
	putLE64(cmd[40:], uint64(gotSize))
	putLE32(cmd[48:], uint32(gotOff))
	putLE32(cmd[52:], 3)
	cmd = cmd[sectCmdSize:]

	// __DATA
	copy(cmd[8:24], "__DATA")
	putSeg(dataSegVAddr, uint64(linkeditStart-dataSegStart), dataSegStart, linkeditStart-dataSegStart, vmProtRead|vmProtWrite, vmProtRead|vmProtWrite, 1)
	copy(cmd[0:16], "__data")
	copy(cmd[16:32], "__DATA")
	putLE64(cmd[32:], dataVMAddr)
	putLE64(cmd[40:], uint64(dataSize))
	putLE32(cmd[48:], uint32(dataSectOff))
	putLE32(cmd[52:], 3)
	cmd = cmd[sectCmdSize:]

	// __LINKEDIT
	copy(cmd[8:24], "__LINKEDIT")
	putSeg(linkeditVAddr, uint64(totalFileSize-linkeditStart), linkeditStart, totalFileSize-linkeditStart, vmProtRead, vmProtRead, 0)

	putLE32(cmd[0:], lcLoadDylinker)
	putLE32(cmd[4:], uint32(lcDylinkerSize))
	putLE32(cmd[8:], 12)
	copy(cmd[12:], dylinkerPath)
	cmd = cmd[lcDylinkerSize:]

	putLE32(cmd[0:], lcLoadDylib)
	putLE32(cmd[4:], uint32(lcDylibSize))
	putLE32(cmd[8:], 24)  // name offset
	putLE32(cmd[12:], 2)  // timestamp
	putLE32(cmd[16:], 0)  // current_version
	putLE32(cmd[20:], 0)  // compatibility_version
	copy(cmd[24:], dylibPath)
	cmd = cmd[lcDylibSize:]

	putLE32(cmd[0:], lcMain)
	putLE32(cmd[4:], lcMainSize)
	putLE64(cmd[8:], uint64(textSectOff+entryOff))
	putLE64(cmd[16:], 0) // stacksize
	cmd = cmd[lcMainSize:]

	putLE32(cmd[0:], lcSymtab)
	putLE32(cmd[4:], lcSymtabSize)
	putLE32(cmd[8:], uint32(symtabOff))
	putLE32(cmd[12:], 1)
	putLE32(cmd[16:], uint32(strtabOff))
	putLE32(cmd[20:], uint32(strtabSize))
	cmd = cmd[lcSymtabSize:]

	putLE32(cmd[0:], lcCodeSignature)
	putLE32(cmd[4:], lcCodeSigSize)
	putLE32(cmd[8:], uint32(codeSignOff))
	putLE32(cmd[12:], uint32(sigSize))

	copy(out[textSectOff:], resolvedCode)
	copy(out[gotOff:], got)
	copy(out[dataSectOff:], resolvedData)

	var sym buf
	sym.u32(uint32(entryNameOff))
	sym.u8(nSect | nExt)
	sym.u8(1) // __text section index
	sym.u16(0)
	sym.u64(textVMAddr + uint64(entryOff))
	copy(out[symtabOff:], sym.b)
	copy(out[strtabOff:], strtab)

	codeSign(out[codeSignOff:], out, signedSize, 0, int64(dataSegStart), id)
	return out, nil
}
