package intrinsics

import (
	"testing"

	"github.com/krystophny/liric/internal/target"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLibcRewrites(t *testing.T) {
	r := Default()
	e, ok := r.Lookup("llvm.fabs.f64")
	require.True(t, ok)
	require.Equal(t, target.IntrinsicLibc, e.Kind)
	require.Equal(t, "fabs", e.LibcName)
	require.True(t, e.SupportsOn(target.X86_64))
	require.True(t, e.SupportsOn(target.RISCV64))
}

func TestDefaultRegistryUnknownName(t *testing.T) {
	r := Default()
	_, ok := r.Lookup("llvm.not.a.real.intrinsic")
	require.False(t, ok)
}

func TestBuiltinNeverSupportsOn(t *testing.T) {
	r := Default()
	e, ok := r.Lookup("llvm.lfortran_runtime.init")
	require.True(t, ok)
	require.Equal(t, target.IntrinsicBuiltin, e.Kind)
	require.False(t, e.SupportsOn(target.AArch64))
}

func TestRegisterBlobSupportsOnlyRegisteredArch(t *testing.T) {
	r := Default()
	r.RegisterBlob("llvm.my_stencil", map[target.Arch][]byte{
		target.AArch64: {0x01, 0x02},
	})
	e, ok := r.Lookup("llvm.my_stencil")
	require.True(t, ok)
	require.Equal(t, target.IntrinsicBlob, e.Kind)
	require.True(t, e.SupportsOn(target.AArch64))
	require.False(t, e.SupportsOn(target.X86_64))
}
