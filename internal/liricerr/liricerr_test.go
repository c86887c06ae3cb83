package liricerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFormatsMessageAndCode(t *testing.T) {
	err := New(NotFound, "symbol %q missing", "foo")
	require.EqualError(t, err, "not-found: symbol \"foo\" missing")
	require.Nil(t, err.Unwrap())
}

func TestWrapChainsCause(t *testing.T) {
	cause := errors.New("mmap failed")
	err := Wrap(Backend, cause, "jit: could not allocate code region")
	require.Equal(t, cause, err.Unwrap())
	require.Contains(t, err.Error(), "mmap failed")
}

func TestIsWalksWrappedCauses(t *testing.T) {
	inner := New(Argument, "bad opcode")
	outer := Wrap(Backend, inner, "select failed")
	require.True(t, Is(outer, Backend))
	require.True(t, Is(outer, Argument))
	require.False(t, Is(outer, NotFound))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), Argument))
	require.False(t, Is(nil, Argument))
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "mode-conflict", ModeConflict.String())
	require.Equal(t, "unknown", Code(999).String())
}
