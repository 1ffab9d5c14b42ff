package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsUpToMinDataRoom(t *testing.T) {
	b := New(64)
	assert.Equal(t, MinDataRoom+2*Headroom, b.Cap())
	assert.Equal(t, 0, b.Len())
}

func TestPrependThenPopHeadRoundTrips(t *testing.T) {
	b := New(MinDataRoom)
	require.NoError(t, b.Append([]byte("payload")))

	hdr, err := b.Prepend(4)
	require.NoError(t, err)
	copy(hdr, []byte{0xde, 0xad, 0xbe, 0xef})

	assert.Equal(t, append([]byte{0xde, 0xad, 0xbe, 0xef}, []byte("payload")...), b.Bytes())

	popped, err := b.PopHead(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, popped)
	assert.Equal(t, []byte("payload"), b.Bytes())
}

func TestPrependBeyondHeadroomFails(t *testing.T) {
	b := New(MinDataRoom)
	_, err := b.Prepend(Headroom + 1)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAppendBeyondCapacityFails(t *testing.T) {
	b := New(MinDataRoom)
	err := b.Append(make([]byte, b.Cap()+1))
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestTruncate(t *testing.T) {
	b := New(MinDataRoom)
	require.NoError(t, b.Append([]byte("0123456789")))
	b.Truncate(4)
	assert.Equal(t, []byte("0123"), b.Bytes())
}

func TestSetLenFromTailWrite(t *testing.T) {
	b := New(MinDataRoom)
	n := copy(b.Tail(), []byte("hello"))
	require.NoError(t, b.SetLen(n))
	assert.Equal(t, []byte("hello"), b.Bytes())
}

func TestOwnerAndPortAccessors(t *testing.T) {
	b := New(MinDataRoom)
	assert.Equal(t, OwnerNone, b.Owner())
	assert.Equal(t, -1, b.Port())

	b.SetOwner(OwnerHoldQueue)
	b.SetPort(3)
	assert.Equal(t, OwnerHoldQueue, b.Owner())
	assert.Equal(t, 3, b.Port())
}
