// Package ringbuf implements the small bounded, non-blocking per-port
// hand-off queues: worker-to-management hand-off for ARP frames and for
// ICMP/UDP segments the worker classifies but does not itself process.
// Unlike the control bus (internal/controlbus), which is a literal
// lock-free SPSC ring over a fixed array because it sits on the
// management->worker hot path with a wall-clock-bounded retry, these
// hand-offs are single-producer/single-consumer by construction (one
// worker feeds one management core per port) and a buffered channel gives
// the same non-blocking TrySend/TryRecv contract with far less code.
package ringbuf

// Ring is a bounded single-consumer queue. TrySend and TryRecv are both
// non-blocking: a full ring drops the newest item rather than stall the
// worker's run-to-completion loop.
type Ring[T any] struct {
	ch chan T
}

// New creates a Ring with the given capacity.
func New[T any](depth int) *Ring[T] {
	if depth < 1 {
		depth = 1
	}
	return &Ring[T]{ch: make(chan T, depth)}
}

// TrySend enqueues v, returning false if the ring is full.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// TryRecv dequeues the next item, if any.
func (r *Ring[T]) TryRecv() (T, bool) {
	select {
	case v := <-r.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len reports the number of items currently queued.
func (r *Ring[T]) Len() int { return len(r.ch) }
