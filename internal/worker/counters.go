package worker

import "sync/atomic"

// Counters are a worker's running drop/throughput totals, read by the
// telemetry exporter without any coordination with the worker's own
// run-to-completion loop.
type Counters struct {
	RxTotal          atomic.Uint64
	DropMalformedEth atomic.Uint64
	DropARPRingFull  atomic.Uint64
	DropIPv4         atomic.Uint64
	DropICMPRingFull atomic.Uint64
	DropUDPRingFull  atomic.Uint64
	DropUnknownProto atomic.Uint64
	DropTCPParse     atomic.Uint64
	DropNoARP        atomic.Uint64
	DropTCBFull      atomic.Uint64
	DropTCPNoTCB     atomic.Uint64
	DropNoRoute      atomic.Uint64
	TxSent           atomic.Uint64
	TxDropped        atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters suitable for JSON encoding
// or export as Prometheus gauges.
type Snapshot struct {
	RxTotal          uint64
	DropMalformedEth uint64
	DropARPRingFull  uint64
	DropIPv4         uint64
	DropICMPRingFull uint64
	DropUDPRingFull  uint64
	DropUnknownProto uint64
	DropTCPParse     uint64
	DropNoARP        uint64
	DropTCBFull      uint64
	DropTCPNoTCB     uint64
	DropNoRoute      uint64
	TxSent           uint64
	TxDropped        uint64
}

// Snapshot reads every counter without attempting a single atomic view
// across fields; each field is individually consistent.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RxTotal:          c.RxTotal.Load(),
		DropMalformedEth: c.DropMalformedEth.Load(),
		DropARPRingFull:  c.DropARPRingFull.Load(),
		DropIPv4:         c.DropIPv4.Load(),
		DropICMPRingFull: c.DropICMPRingFull.Load(),
		DropUDPRingFull:  c.DropUDPRingFull.Load(),
		DropUnknownProto: c.DropUnknownProto.Load(),
		DropTCPParse:     c.DropTCPParse.Load(),
		DropNoARP:        c.DropNoARP.Load(),
		DropTCBFull:      c.DropTCBFull.Load(),
		DropTCPNoTCB:     c.DropTCPNoTCB.Load(),
		DropNoRoute:      c.DropNoRoute.Load(),
		TxSent:           c.TxSent.Load(),
		TxDropped:        c.TxDropped.Load(),
	}
}
