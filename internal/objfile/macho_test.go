package objfile

import (
	"debug/macho"
	"testing"

	"github.com/krystophny/liric/internal/objbuild"
	"github.com/krystophny/liric/internal/target"
	"github.com/stretchr/testify/require"
)

func simpleARM64Object() *objbuild.Object {
	return &objbuild.Object{
		Target: target.Descriptor{Name: "aarch64-darwin", Arch: target.AArch64, OS: target.Darwin, WordSize: 8},
		// mov w0, #42 ; ret
		Code: []byte{0x40, 0x05, 0x80, 0x52, 0xc0, 0x03, 0x5f, 0xd6},
		Symbols: []objbuild.Symbol{
			{Name: "main", Kind: objbuild.SymText, Offset: 0},
		},
	}
}

func TestWriteMachORelocatableParsesAsMachO(t *testing.T) {
	obj := simpleARM64Object()
	out, err := WriteMachORelocatable(obj)
	require.NoError(t, err)

	f, err := macho.NewFile(newReaderAt(out))
	require.NoError(t, err)
	require.Equal(t, macho.TypeObj, f.Type)
	require.Equal(t, macho.CpuArm64, f.Cpu)

	sect := f.Section("__text")
	require.NotNil(t, sect)
	require.EqualValues(t, len(obj.Code), sect.Size)

	syms := f.Symtab
	require.NotNil(t, syms)
	var found bool
	for _, s := range syms.Syms {
		if s.Name == "_main" {
			found = true
		}
	}
	require.True(t, found, "_main should be present in the symbol table, underscore-prefixed")
}

func TestWriteMachORelocatableRejectsUnsupportedArch(t *testing.T) {
	obj := simpleARM64Object()
	obj.Target.Arch = target.RISCV64
	_, err := WriteMachORelocatable(obj)
	require.Error(t, err)
}
