package encode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krystophny/liric/internal/target"
)

// constRetFunction builds the machine-level shape of `ret i32 42`: one
// "const" def followed by a "ret" use, with no blocks besides the entry.
func constRetFunction() *target.MFunction {
	mf := &target.MFunction{Name: "f"}
	b := mf.NewBlock()
	v := mf.NewVReg()
	b.Emit(target.MInst{Op: "const", Def: v, Imm: 42})
	b.Emit(target.MInst{Op: "ret", Uses: []target.VReg{v}})
	return mf
}

func callFunction(sym string) *target.MFunction {
	mf := &target.MFunction{Name: "f"}
	b := mf.NewBlock()
	v := mf.NewVReg()
	b.Emit(target.MInst{Op: "call", Def: v, Sym: sym})
	b.Emit(target.MInst{Op: "ret", Uses: []target.VReg{v}})
	return mf
}

// branchFunction builds an entry block whose unconditional "br" skips over a
// middle block to reach the exit block, so the jump-fixup pass has a
// nonzero displacement to patch.
func branchFunction() *target.MFunction {
	mf := &target.MFunction{Name: "f"}
	entry := mf.NewBlock()
	mid := mf.NewBlock()
	exit := mf.NewBlock()
	entry.Emit(target.MInst{Op: "br", Targets: []int{exit.ID}})
	mid.Emit(target.MInst{Op: "ret"})
	v := mf.NewVReg()
	exit.Emit(target.MInst{Op: "const", Def: v, Imm: 7})
	exit.Emit(target.MInst{Op: "ret", Uses: []target.VReg{v}})
	return mf
}

func TestX64EncodeConstReturn(t *testing.T) {
	code, relocs, err := NewX64().Encode(constRetFunction())
	require.NoError(t, err)
	require.Empty(t, relocs)
	require.NotEmpty(t, code)
	require.Equal(t, byte(0xc3), code[len(code)-1], "must end in `ret`")
	require.Equal(t, byte(0x55), code[0], "must start with `push rbp`")
}

func TestX64EncodeCallEmitsPLT32Reloc(t *testing.T) {
	code, relocs, err := NewX64().Encode(callFunction("puts"))
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.Equal(t, "puts", relocs[0].Symbol)
	require.Equal(t, target.RelPLT32, relocs[0].Kind)
	require.Less(t, relocs[0].Offset, len(code))
}

func TestX64EncodeBranchFixupPatchesRel32(t *testing.T) {
	code, _, err := NewX64().Encode(branchFunction())
	require.NoError(t, err)
	// `jmp rel32` is opcode 0xe9 followed by a 4-byte displacement; find it
	// and confirm it isn't left as the zero placeholder.
	found := false
	for i := 0; i < len(code)-4; i++ {
		if code[i] == 0xe9 {
			found = true
			rel := int32(uint32(code[i+1]) | uint32(code[i+2])<<8 | uint32(code[i+3])<<16 | uint32(code[i+4])<<24)
			require.NotZero(t, rel)
		}
	}
	require.True(t, found, "expected a jmp rel32 opcode in the encoded function")
}

func TestX64EncodeUnsupportedOpReturnsError(t *testing.T) {
	mf := &target.MFunction{Name: "f"}
	b := mf.NewBlock()
	b.Emit(target.MInst{Op: "not-a-real-op"})
	b.Emit(target.MInst{Op: "ret"})
	_, _, err := NewX64().Encode(mf)
	require.Error(t, err)
}

func TestARM64EncodeConstReturn(t *testing.T) {
	code, relocs, err := NewARM64().Encode(constRetFunction())
	require.NoError(t, err)
	require.Empty(t, relocs)
	require.NotEmpty(t, code)
	require.Zero(t, len(code)%4, "aarch64 encoding must be a whole number of 32-bit words")
}

func TestARM64EncodeCallEmitsBranch26Reloc(t *testing.T) {
	code, relocs, err := NewARM64().Encode(callFunction("puts"))
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.Equal(t, "puts", relocs[0].Symbol)
	require.Equal(t, target.RelBranch26, relocs[0].Kind)
	require.Zero(t, relocs[0].Offset%4)
	require.Less(t, relocs[0].Offset, len(code))
}

func TestARM64EncodeGlobalAddrEmitsABS64Reloc(t *testing.T) {
	mf := &target.MFunction{Name: "f"}
	b := mf.NewBlock()
	v := mf.NewVReg()
	b.Emit(target.MInst{Op: "globaladdr", Def: v, Sym: "my_global"})
	b.Emit(target.MInst{Op: "ret", Uses: []target.VReg{v}})
	_, relocs, err := NewARM64().Encode(mf)
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.Equal(t, target.RelABS64, relocs[0].Kind)
	require.Equal(t, "my_global", relocs[0].Symbol)
}

func TestRISCV64EncodeConstReturn(t *testing.T) {
	code, relocs, err := NewRISCV64().Encode(constRetFunction())
	require.NoError(t, err)
	require.Empty(t, relocs)
	require.NotEmpty(t, code)
}

func TestRISCV64EncodeCallEmitsReloc(t *testing.T) {
	_, relocs, err := NewRISCV64().Encode(callFunction("puts"))
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.Equal(t, "puts", relocs[0].Symbol)
}

func TestAllEncodersRejectUnknownOp(t *testing.T) {
	mf := &target.MFunction{Name: "f"}
	b := mf.NewBlock()
	b.Emit(target.MInst{Op: "bogus"})

	for _, enc := range []target.Encoder{NewX64(), NewARM64(), NewRISCV64()} {
		_, _, err := enc.Encode(mf)
		require.Error(t, err)
	}
}
