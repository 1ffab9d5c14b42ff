package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalibrateProducesUsableClock(t *testing.T) {
	c := Calibrate()
	assert.Greater(t, c.Hz(), int64(0))
	assert.Greater(t, c.Now(), int64(0))
}

func TestDeadlineAndExpired(t *testing.T) {
	c := Calibrate()
	d := c.Deadline(10 * time.Millisecond)
	assert.False(t, c.Expired(d))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, c.Expired(d))
}

func TestZeroDeadlineNeverExpires(t *testing.T) {
	c := Calibrate()
	assert.False(t, c.Expired(0))
}

func TestPRNGDeterministicForSeed(t *testing.T) {
	a := NewPRNG(42)
	b := NewPRNG(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestPRNGZeroSeedIsReplaced(t *testing.T) {
	p := NewPRNG(0)
	assert.NotEqual(t, uint64(0), p.Next())
}

func TestUint32nBounds(t *testing.T) {
	p := NewPRNG(7)
	for i := 0; i < 1000; i++ {
		v := p.Uint32n(10)
		assert.Less(t, v, uint32(10))
	}
	assert.Equal(t, uint32(0), p.Uint32n(0))
}
