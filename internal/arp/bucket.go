package arp

import (
	"sync"

	"github.com/jroosing/packetforge/internal/timing"
)

// bucket is a single-key token bucket: each port's outgoing ARP-request
// rate is capped as a whole, not per destination, so one tracked key is
// enough.
type bucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	tokens float64
	last   int64
	clock  *timing.Clock
}

func newBucket(ratePerSecond float64, clock *timing.Clock) *bucket {
	return &bucket{rate: ratePerSecond, tokens: ratePerSecond, last: clock.Now(), clock: clock}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	elapsedSec := float64(now-b.last) / float64(secondTicks)
	if elapsedSec > 0 {
		b.tokens += elapsedSec * b.rate
		if b.tokens > b.rate {
			b.tokens = b.rate
		}
		b.last = now
	}
	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}
