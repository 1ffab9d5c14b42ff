package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupReturnsLongestPrefixMatch(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(Route{Prefix: 0x0A000000, PrefixLen: 8, EgressPort: 0}))
	require.NoError(t, tbl.Add(Route{Prefix: 0x0A000100, PrefixLen: 24, EgressPort: 1}))

	r, ok := tbl.Lookup(0x0A000105)
	require.True(t, ok)
	assert.Equal(t, uint16(1), r.EgressPort)

	r, ok = tbl.Lookup(0x0A020105)
	require.True(t, ok)
	assert.Equal(t, uint16(0), r.EgressPort)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	tbl := New()
	_, ok := tbl.Lookup(0x01020304)
	assert.False(t, ok)
}

func TestAddRejectsInvalidPrefixLen(t *testing.T) {
	tbl := New()
	assert.ErrorIs(t, tbl.Add(Route{PrefixLen: 33}), ErrInvalidPrefixLen)
	assert.ErrorIs(t, tbl.Add(Route{PrefixLen: -1}), ErrInvalidPrefixLen)
}

func TestAddRejectsWhenFull(t *testing.T) {
	tbl := New()
	for i := 0; i < MaxRoutes; i++ {
		require.NoError(t, tbl.Add(Route{Prefix: uint32(i), PrefixLen: 32}))
	}
	err := tbl.Add(Route{Prefix: 0xFFFFFFFF, PrefixLen: 32})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestDeleteRemovesExactMatch(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(Route{Prefix: 0x0A000000, PrefixLen: 8}))
	assert.True(t, tbl.Delete(0x0A000000, 8))
	_, ok := tbl.Lookup(0x0A000001)
	assert.False(t, ok)
}
