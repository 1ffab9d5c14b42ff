package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrySendTryRecvRoundTrip(t *testing.T) {
	r := New[int](2)
	assert.True(t, r.TrySend(1))
	assert.True(t, r.TrySend(2))
	assert.False(t, r.TrySend(3))

	v, ok := r.TryRecv()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, r.Len())
}

func TestTryRecvEmptyReturnsFalse(t *testing.T) {
	r := New[int](1)
	_, ok := r.TryRecv()
	assert.False(t, ok)
}
