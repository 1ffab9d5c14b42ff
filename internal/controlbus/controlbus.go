// Package controlbus implements the management-to-worker control channel:
// one single-producer/single-consumer ring per worker carrying fixed-size
// command envelopes, plus one SPSC ring per worker carrying ACKs back to
// management.
//
// The rings are built directly on `sync/atomic` head/tail counters over a
// fixed array: the smallest thing that gives true SPSC semantics without a
// mutex on the hot path. A Go channel would block the sender instead of
// honoring the wall-clock-bounded retry a full ring requires.
package controlbus

import (
	"errors"
	"fmt"
	"time"
)

// Cmd identifies a control-message opcode.
type Cmd uint32

const (
	CmdNoop Cmd = iota
	CmdSetProfile
	CmdStart
	CmdStop
	CmdSetRate
	CmdShutdown
)

// EnvelopeSize is the fixed wire size of a control message.
const EnvelopeSize = 256

// PayloadSize is the opaque payload carried by each envelope.
const PayloadSize = 248

// Envelope is the 256-byte fixed-size control message: cmd, seq, and an
// opaque 248-byte payload.
type Envelope struct {
	Cmd     Cmd
	Seq     uint32
	Payload [PayloadSize]byte
}

// Ack is the worker->management reply: which worker, which seq it is
// acknowledging, and a return code (0 = success).
type Ack struct {
	WorkerIdx uint32
	Seq       uint32
	RC        int32
}

// ErrRingOverflow is returned by Send when the worker's ring stayed full for
// the entire spin-retry window.
var ErrRingOverflow = errors.New("controlbus: ring overflow")

// spinWindow bounds how long Send retries an enqueue against a full ring.
const spinWindow = 100 * time.Microsecond

// ring is a fixed-capacity SPSC circular buffer of T, sized to a power of
// two so index wrap is a mask instead of a modulo.
type ring[T any] struct {
	buf  []T
	mask uint64
	head atomicCounter
	tail atomicCounter
}

func newRing[T any](capacity int) *ring[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

func (r *ring[T]) tryPush(v T) bool {
	head := r.head.load()
	tail := r.tail.load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = v
	r.head.store(head + 1)
	return true
}

func (r *ring[T]) tryPop() (T, bool) {
	var zero T
	tail := r.tail.load()
	head := r.head.load()
	if tail >= head {
		return zero, false
	}
	v := r.buf[tail&r.mask]
	r.tail.store(tail + 1)
	return v, true
}

// Worker is one worker's pair of control/ACK rings.
type Worker struct {
	idx   int
	ctrl  *ring[Envelope]
	acks  *ring[Ack]
	runOn atomicBool
}

// Bus owns every worker's ring pair and is the management-side handle used
// to send, broadcast, and shut down.
type Bus struct {
	workers []*Worker
}

// New creates a Bus with one ring pair per worker, each sized to
// max(64, next_pow2(pipelineDepth*2)).
func New(numWorkers, pipelineDepth int) *Bus {
	size := pipelineDepth * 2
	if size < 64 {
		size = 64
	}
	b := &Bus{workers: make([]*Worker, numWorkers)}
	for i := range b.workers {
		w := &Worker{idx: i, ctrl: newRing[Envelope](size), acks: newRing[Ack](size)}
		w.runOn.store(true)
		b.workers[i] = w
	}
	return b
}

// Worker returns the per-worker ring handle for workerIdx.
func (b *Bus) Worker(workerIdx int) *Worker { return b.workers[workerIdx] }

// NumWorkers returns the number of worker ring pairs the bus manages.
func (b *Bus) NumWorkers() int { return len(b.workers) }

// Send enqueues msg to the given worker, heap-copying the envelope. On a
// full ring it spin-retries for up to 100µs before giving up and returning
// ErrRingOverflow.
func (b *Bus) Send(workerIdx int, msg Envelope) error {
	w := b.workers[workerIdx]
	deadline := time.Now().Add(spinWindow)
	for {
		if w.ctrl.tryPush(msg) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: worker %d", ErrRingOverflow, workerIdx)
		}
	}
}

// Broadcast applies Send across every worker and returns the count that
// succeeded.
func (b *Bus) Broadcast(msg Envelope) int {
	ok := 0
	for i := range b.workers {
		if b.Send(i, msg) == nil {
			ok++
		}
	}
	return ok
}

// Shutdown broadcasts a shutdown command and marks every worker's run flag
// false so workers observe it within one poll iteration even if their ring
// was full.
func (b *Bus) Shutdown() int {
	n := b.Broadcast(Envelope{Cmd: CmdShutdown})
	for _, w := range b.workers {
		w.runOn.store(false)
	}
	return n
}

// DrainAck pops the next pending ACK for workerIdx, if any.
func (b *Bus) DrainAck(workerIdx int) (Ack, bool) {
	return b.workers[workerIdx].acks.tryPop()
}

// Poll is called once per worker loop iteration: it pops at most one
// pending control message. The caller must emit an ACK (via Acknowledge)
// before the next Poll call, per the "must ACK before draining the next"
// contract.
func (w *Worker) Poll() (Envelope, bool) {
	if !w.runOn.load() {
		return Envelope{Cmd: CmdShutdown}, true
	}
	return w.ctrl.tryPop()
}

// Acknowledge pushes an ACK for the given seq/rc onto the worker's ACK ring.
// A full ACK ring silently drops the ack (management can detect this via a
// missing-ack timeout on its side; the data model does not specify one).
func (w *Worker) Acknowledge(seq uint32, rc int32) {
	w.acks.tryPush(Ack{WorkerIdx: uint32(w.idx), Seq: seq, RC: rc})
}

// RunFlag reports whether this worker should keep running its loop.
func (w *Worker) RunFlag() bool { return w.runOn.load() }

// Handle processes a shutdown command synchronously: it clears the run
// flag so the worker's own loop exits, and returns true if cmd was
// CmdShutdown.
func (w *Worker) Handle(cmd Cmd) bool {
	if cmd == CmdShutdown {
		w.runOn.store(false)
		return true
	}
	return false
}
