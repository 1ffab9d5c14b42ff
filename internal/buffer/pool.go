package buffer

import (
	"errors"
	"fmt"

	"github.com/jroosing/packetforge/internal/helpers"
)

// PageTier identifies which backing allocation tier a Pool was created on.
type PageTier int

const (
	TierHugepage1G PageTier = iota
	TierHugepage2M
	Tier4K
)

func (t PageTier) String() string {
	switch t {
	case TierHugepage1G:
		return "1G-hugepage"
	case TierHugepage2M:
		return "2M-hugepage"
	default:
		return "4K"
	}
}

// ErrAllAllocationTiersFailed is returned when every backing tier (1 GiB
// hugepage, 2 MiB hugepage, 4 KiB page) failed to provide memory.
var ErrAllAllocationTiersFailed = errors.New("buffer: all allocation tiers failed")

// Pool is a per-core bounded pool of fixed-size packet buffers. Capacity is
// sized once at creation and never grows; Get blocks the caller only in the
// sense of returning a zero-value miss, never by actually blocking on the
// data path (callers treat a miss as "drop and count", matching the worker
// loop's non-blocking posture).
type Pool struct {
	free     chan *Buffer
	dataRoom int
	tier     PageTier
	capacity int
}

// Config controls how a per-worker Pool is sized from its queue and
// pipeline dimensions.
type Config struct {
	RXDescriptors   int
	TXDescriptors   int
	PipelineDepth   int
	QueuesPerWorker int
	DataRoom        int // 0 uses MinDataRoom
}

// NewPool sizes the pool to
// next_pow2((rx_desc+tx_desc+pipeline_depth)*2*queues_per_worker), minimum
// 512, and attempts allocation through three tiers in order: 1 GiB
// hugepages on the given NUMA node, then 2 MiB hugepages, then plain 4 KiB
// pages on any node. Failure of all three tiers is fatal (returns an
// error the caller should treat as a startup failure).
func NewPool(node int, cfg Config) (*Pool, error) {
	capacity := helpers.NextPow2((cfg.RXDescriptors + cfg.TXDescriptors + cfg.PipelineDepth) * 2 * max(cfg.QueuesPerWorker, 1))
	if capacity < 512 {
		capacity = 512
	}
	dataRoom := cfg.DataRoom
	if dataRoom < MinDataRoom {
		dataRoom = MinDataRoom
	}

	var lastErr error
	for _, tier := range []PageTier{TierHugepage1G, TierHugepage2M, Tier4K} {
		backing, err := allocateTier(tier, node, capacity, dataRoom+2*Headroom)
		if err != nil {
			lastErr = err
			continue
		}
		p := &Pool{
			free:     make(chan *Buffer, capacity),
			dataRoom: dataRoom,
			tier:     tier,
			capacity: capacity,
		}
		for i := 0; i < capacity; i++ {
			b := sliceBuffer(backing, i, dataRoom+2*Headroom)
			p.free <- b
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAllAllocationTiersFailed, lastErr)
}

func sliceBuffer(backing []byte, idx, stride int) *Buffer {
	b := &Buffer{data: backing[idx*stride : (idx+1)*stride]}
	b.reset()
	return b
}

// Tier reports which backing allocation tier this pool ultimately used.
func (p *Pool) Tier() PageTier { return p.tier }

// Capacity returns the pool's fixed buffer count.
func (p *Pool) Capacity() int { return p.capacity }

// Get returns a buffer from the pool, or (nil, false) if exhausted. Callers
// on the data path must treat a miss as a drop-and-count condition, never
// block waiting for one.
func (p *Pool) Get() (*Buffer, bool) {
	select {
	case b := <-p.free:
		b.reset()
		b.SetOwner(OwnerWorkerBurst)
		return b, true
	default:
		return nil, false
	}
}

// Put returns a buffer to the pool. Putting a buffer not originally drawn
// from this pool, or double-putting, is a caller bug; Put is best-effort
// and silently drops buffers that would overflow pool capacity (shouldn't
// happen if callers obey single-ownership).
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	b.SetOwner(OwnerNone)
	select {
	case p.free <- b:
	default:
	}
}
