package symtab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternIsDenseAndStable(t *testing.T) {
	tab := New()
	a := tab.Intern("foo")
	b := tab.Intern("bar")
	again := tab.Intern("foo")
	require.Equal(t, 0, a)
	require.Equal(t, 1, b)
	require.Equal(t, a, again)
	require.Equal(t, 2, tab.Len())
}

func TestLookupMissing(t *testing.T) {
	tab := New()
	tab.Intern("foo")
	id, ok := tab.Lookup("bar")
	require.False(t, ok)
	require.Zero(t, id)

	id, ok = tab.Lookup("foo")
	require.True(t, ok)
	require.Equal(t, 0, id)
}

func TestNameRoundTrips(t *testing.T) {
	tab := New()
	id := tab.Intern("main")
	require.Equal(t, "main", tab.Name(id))
	require.Equal(t, []string{"main"}, tab.Names())
}
