package objfile

import (
	"debug/elf"
	"io"
	"testing"

	"github.com/krystophny/liric/internal/objbuild"
	"github.com/krystophny/liric/internal/target"
	"github.com/stretchr/testify/require"
)

func simpleObject() *objbuild.Object {
	return &objbuild.Object{
		Target: target.Descriptor{Name: "x86_64-linux", Arch: target.X86_64, OS: target.Linux, WordSize: 8},
		Code:   []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}, // mov eax, 42; ret
		Symbols: []objbuild.Symbol{
			{Name: "main", Kind: objbuild.SymText, Offset: 0},
		},
	}
}

func TestWriteRelocatableParsesAsELF(t *testing.T) {
	obj := simpleObject()
	out, err := WriteRelocatable(obj)
	require.NoError(t, err)

	f, err := elf.NewFile(newReaderAt(out))
	require.NoError(t, err)
	require.Equal(t, elf.ET_REL, f.Type)
	require.Equal(t, elf.EM_X86_64, f.Machine)

	text := f.Section(".text")
	require.NotNil(t, text)
	require.EqualValues(t, len(obj.Code), text.Size)

	syms, err := f.Symbols()
	require.NoError(t, err)
	var found bool
	for _, s := range syms {
		if s.Name == "main" {
			found = true
		}
	}
	require.True(t, found, "main should be present in .symtab")
}

func TestWriteExecutableStaticEntryPoint(t *testing.T) {
	obj := simpleObject()
	out, err := WriteExecutable(obj, ExecOptions{})
	require.NoError(t, err)

	f, err := elf.NewFile(newReaderAt(out))
	require.NoError(t, err)
	require.Equal(t, elf.ET_EXEC, f.Type)
	require.NotZero(t, f.Entry)
}

func TestWriteExecutableDynamicWhenUndefined(t *testing.T) {
	obj := simpleObject()
	obj.Symbols = append(obj.Symbols, objbuild.Symbol{Name: "puts", Kind: objbuild.SymUndefined})
	obj.CodeRelocs = append(obj.CodeRelocs, target.CodeReloc{Offset: 1, Symbol: "puts", Kind: target.RelPLT32})

	out, err := WriteExecutable(obj, ExecOptions{Needed: []string{"libc.so.6"}})
	require.NoError(t, err)

	f, err := elf.NewFile(newReaderAt(out))
	require.NoError(t, err)
	require.Equal(t, elf.ET_DYN, f.Type)
}

// readerAt adapts a []byte to io.ReaderAt, matching debug/elf.NewFile's
// expected input; this package otherwise only ever writes byte slices.
type readerAt struct{ b []byte }

func newReaderAt(b []byte) *readerAt { return &readerAt{b: b} }

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, nil
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, nil
	}
	return n, nil
}
