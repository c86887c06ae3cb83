package target

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMFunctionNewBlockAssignsDenseIDs(t *testing.T) {
	mf := &MFunction{Name: "f"}
	b0 := mf.NewBlock()
	b1 := mf.NewBlock()
	b2 := mf.NewBlock()

	require.Equal(t, 0, b0.ID)
	require.Equal(t, 1, b1.ID)
	require.Equal(t, 2, b2.ID)
	require.Len(t, mf.Blocks, 3)
	require.Same(t, b1, mf.Blocks[1])
}

func TestMFunctionNewVRegReservesZeroAndCountsNumVRegs(t *testing.T) {
	mf := &MFunction{Name: "f"}
	v1 := mf.NewVReg()
	v2 := mf.NewVReg()

	require.Equal(t, VReg(1), v1)
	require.Equal(t, VReg(2), v2)
	require.Equal(t, 2, mf.NumVRegs)
	require.NotEqual(t, VReg(0), v1, "0 is reserved for \"no result\"")
}

func TestMBlockEmitAppendsInOrder(t *testing.T) {
	mf := &MFunction{Name: "f"}
	b := mf.NewBlock()
	b.Emit(MInst{Op: "const", Imm: 1})
	b.Emit(MInst{Op: "ret"})

	require.Len(t, b.Insts, 2)
	require.Equal(t, "const", b.Insts[0].Op)
	require.Equal(t, "ret", b.Insts[1].Op)
}

func TestArchString(t *testing.T) {
	require.Equal(t, "x86_64", X86_64.String())
	require.Equal(t, "aarch64", AArch64.String())
	require.Equal(t, "riscv64", RISCV64.String())
	require.Equal(t, "Arch(99)", Arch(99).String())
}

func TestOSString(t *testing.T) {
	require.Equal(t, "linux", Linux.String())
	require.Equal(t, "darwin", Darwin.String())
}

func TestRelocKindString(t *testing.T) {
	require.Equal(t, "ABS64", RelABS64.String())
	require.Equal(t, "GOT_LOAD_PAGEOFF12", RelGOTLoadPageOff12.String())
}

func TestDescriptorStringIsName(t *testing.T) {
	d := Descriptor{Name: "x86_64-linux", Arch: X86_64, OS: Linux}
	require.Equal(t, "x86_64-linux", d.String())
}
