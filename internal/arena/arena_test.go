package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBytesAlignment(t *testing.T) {
	a := New(64)
	p1 := a.Bytes(3, 1)
	p2 := a.Bytes(8, 8)
	require.NotNil(t, p1)
	require.Len(t, p2, 8)
	require.Zero(t, uintptr(unsafe.Pointer(&p2[0]))%8, "8-byte aligned allocation must land on an 8-byte boundary")
}

func TestBytesGrowsAcrossChunks(t *testing.T) {
	a := New(16)
	a.Bytes(12, 1)
	before := a.NumChunks()
	a.Bytes(12, 1) // does not fit in the remainder of the first 16-byte chunk
	require.Greater(t, a.NumChunks(), before)
}

func TestStringIsNulTerminatedAndDistinct(t *testing.T) {
	a := New(64)
	s1 := a.String("abc")
	s2 := a.String("abc")
	require.Equal(t, "abc", s1)
	require.Equal(t, "abc", s2)
	require.NotSame(t, unsafe.StringData(s1), unsafe.StringData(s2))
	require.Equal(t, byte(0), unsafe.Slice(unsafe.StringData(s1), len(s1)+1)[len(s1)])
}

func TestUsedTracksAllocations(t *testing.T) {
	a := New(256)
	require.Zero(t, a.Used())
	a.Bytes(10, 1)
	require.GreaterOrEqual(t, a.Used(), 10)
}

type point struct{ X, Y int64 }

func TestAllocTyped(t *testing.T) {
	a := New(256)
	p := Alloc[point](a)
	p.X, p.Y = 1, 2
	require.Equal(t, int64(1), p.X)
	require.Equal(t, int64(2), p.Y)
}

func TestAllocSliceTyped(t *testing.T) {
	a := New(256)
	s := AllocSlice[int64](a, 4)
	require.Len(t, s, 4)
	s[0] = 7
	require.Equal(t, int64(7), s[0])
}
