// Package nic abstracts the polled burst RX/TX API the data plane drives:
// a Port interface plus two implementations, a raw-socket port for Linux
// and an in-process loopback port for tests, benches, and hosts without
// CAP_NET_RAW. Ports never block; a burst call returns whatever is ready.
package nic

import "github.com/jroosing/packetforge/internal/buffer"

// Caps is a port's probed capability record: checksum offload, RSS,
// scatter/gather, multi-segment TX. The data path branches on these
// flags rather than on driver identity, so new driver support is a new
// capability record, not a new call site.
type Caps struct {
	HasChecksumOffload bool
	HasRSS             bool
	HasScatterGather   bool
	HasMultiSegTX      bool
	MaxTXQueues        int
}

// Port is the polled burst interface every worker drives directly; it has
// no blocking methods so a worker's run-to-completion loop never
// suspends on I/O.
type Port interface {
	// RxBurst fills up to len(bufs) buffers from queue and returns how many
	// were filled.
	RxBurst(queue int, bufs []*buffer.Buffer) int
	// TxBurst submits up to len(bufs) buffers to queue for transmission and
	// returns how many were accepted; buffers not accepted remain owned by
	// the caller, which must free them.
	TxBurst(queue int, bufs []*buffer.Buffer) int
	// Capabilities reports this port's probed capability record.
	Capabilities() Caps
	// Close releases any OS resources the port holds.
	Close() error
}
