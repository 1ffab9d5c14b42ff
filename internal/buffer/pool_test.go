package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolSizingAndMinimum(t *testing.T) {
	p, err := NewPool(0, Config{
		RXDescriptors:   64,
		TXDescriptors:   64,
		PipelineDepth:   32,
		QueuesPerWorker: 1,
	})
	require.NoError(t, err)
	// (64+64+32)*2*1 = 320 -> next_pow2 = 512, already >= minimum 512.
	assert.Equal(t, 512, p.Capacity())

	small, err := NewPool(0, Config{RXDescriptors: 1, TXDescriptors: 1, PipelineDepth: 1, QueuesPerWorker: 1})
	require.NoError(t, err)
	assert.Equal(t, 512, small.Capacity())
}

func TestPoolGetPutExhaustionAndReuse(t *testing.T) {
	p, err := NewPool(0, Config{RXDescriptors: 1, TXDescriptors: 1, PipelineDepth: 1, QueuesPerWorker: 1})
	require.NoError(t, err)

	drawn := make([]*Buffer, 0, p.Capacity())
	for i := 0; i < p.Capacity(); i++ {
		b, ok := p.Get()
		require.True(t, ok)
		drawn = append(drawn, b)
	}

	_, ok := p.Get()
	assert.False(t, ok, "pool should be exhausted after draining its full capacity")

	p.Put(drawn[0])
	b, ok := p.Get()
	require.True(t, ok)
	assert.Equal(t, OwnerWorkerBurst, b.Owner())
}

func TestPoolBuffersMeetMinimumDataRoom(t *testing.T) {
	p, err := NewPool(0, Config{RXDescriptors: 1, TXDescriptors: 1, PipelineDepth: 1, QueuesPerWorker: 1})
	require.NoError(t, err)

	b, ok := p.Get()
	require.True(t, ok)
	assert.GreaterOrEqual(t, b.Cap()-2*Headroom, MinDataRoom)
}
