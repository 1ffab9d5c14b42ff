package nic

import "github.com/jroosing/packetforge/internal/buffer"

// LoopbackPort is an in-process buffer-queue port used by tests, benches,
// and any host without raw-socket privilege. Two LoopbackPorts can be
// cross-wired (see CrossWire) so generated traffic from one engine
// instance is answered by a second instance in-process.
type LoopbackPort struct {
	rx   chan *buffer.Buffer
	peer *LoopbackPort
	caps Caps
}

// NewLoopbackPort creates a standalone loopback port with the given RX
// queue depth. It advertises checksum offload the way a kernel loopback
// does: frames never leave the process, so checksums are neither computed
// on TX nor verified on RX — builders take the offload branch and RxBurst
// marks every delivered frame checksum-good.
func NewLoopbackPort(queueDepth int) *LoopbackPort {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &LoopbackPort{
		rx:   make(chan *buffer.Buffer, queueDepth),
		caps: Caps{HasChecksumOffload: true, MaxTXQueues: 1},
	}
}

// CrossWire connects a and b so that TxBurst on one delivers to the
// other's RxBurst, modeling a direct cable between two engine instances.
func CrossWire(a, b *LoopbackPort) {
	a.peer = b
	b.peer = a
}

// RxBurst drains up to len(bufs) queued buffers (queue is ignored; a
// loopback port has exactly one logical queue).
func (p *LoopbackPort) RxBurst(_ int, bufs []*buffer.Buffer) int {
	n := 0
	for n < len(bufs) {
		select {
		case b := <-p.rx:
			b.SetRxChecksumGood(true)
			bufs[n] = b
			n++
		default:
			return n
		}
	}
	return n
}

// TxBurst hands each buffer to the peer's RX queue (or drops it if there
// is no peer or the peer's queue is full), returning the accepted count.
func (p *LoopbackPort) TxBurst(_ int, bufs []*buffer.Buffer) int {
	if p.peer == nil {
		return 0
	}
	n := 0
	for _, b := range bufs {
		select {
		case p.peer.rx <- b:
			n++
		default:
		}
	}
	return n
}

// Capabilities reports the port's capability record.
func (p *LoopbackPort) Capabilities() Caps { return p.caps }

// Close is a no-op for a loopback port; there is no OS resource to free.
func (p *LoopbackPort) Close() error { return nil }
