// Package worker implements the per-core run-to-completion loop:
// drain the control bus, RX-classify and dispatch
// inbound frames, run the TCP timer sweep, drive the rate-controlled
// generator, and burst-transmit every reply produced this tick. A Worker
// never blocks; every step is bounded by a fixed burst size so one tick's
// cost is predictable.
package worker

import (
	"encoding/binary"
	"time"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/controlbus"
	"github.com/jroosing/packetforge/internal/flowrunner"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/pcapng"
	"github.com/jroosing/packetforge/internal/route"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/options"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/tcp/timer"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/txgen"
	"github.com/jroosing/packetforge/internal/wire"
)

// rxBurstSize bounds how many frames a worker drains from one queue per
// tick, matching the generator's MaxTokens-scale burst budget.
const rxBurstSize = 32

// closedTCBHoldoff is how much longer a freed ephemeral port stays
// reserved after its TCB leaves the table outside TIME_WAIT (e.g. on
// RST), the same conservative margin internal/tcp/timer uses for
// TIME_WAIT expiry.
const closedTCBHoldoff = 4 * time.Second

// OwnedQueue identifies one (port, queue) pair a Worker polls for RX.
type OwnedQueue struct {
	PortID int
	Queue  int
}

type pendingSeg struct {
	portID int
	buf    *buffer.Buffer
}

// Worker sequences every data-plane component (A-O) owned by one core: the
// buffer pool, control bus endpoint, TCB store, ephemeral port pool, TCP
// engine, TX generator, and the port bindings it is responsible for
// polling.
type Worker struct {
	Idx   int
	Clock *timing.Clock
	Pool  *buffer.Pool
	Bus   *controlbus.Worker
	TCB   *tcb.Store
	Ports *portpool.Pool
	Engine *fsm.Engine
	TxGen  *txgen.State
	Route  *route.Table

	// Flows drives the configured HTTP(S) connection workload; nil when
	// the worker only serves passive/generated traffic.
	Flows *flowrunner.Runner

	Bindings map[int]*PortBinding
	Owned    []OwnedQueue
	Counters *Counters

	portForDst map[uint32]int
	arpOutbox  []pendingSeg
}

// New assembles a Worker from its already-constructed components.
func New(idx int, clock *timing.Clock, pool *buffer.Pool, bus *controlbus.Worker, store *tcb.Store,
	ports *portpool.Pool, engine *fsm.Engine, gen *txgen.State, rt *route.Table,
	bindings map[int]*PortBinding, owned []OwnedQueue,
) *Worker {
	return &Worker{
		Idx: idx, Clock: clock, Pool: pool, Bus: bus, TCB: store, Ports: ports,
		Engine: engine, TxGen: gen, Route: rt, Bindings: bindings, Owned: owned,
		Counters:   &Counters{},
		portForDst: make(map[uint32]int),
	}
}

// Tick runs one full iteration of the worker loop. It returns true once
// the worker has been told to shut down; the caller's run loop should
// stop calling Tick after that.
func (w *Worker) Tick() bool {
	if shutdown := w.drainControl(); shutdown {
		return true
	}

	w.arpOutbox = w.arpOutbox[:0]
	pending := make(map[int][]*buffer.Buffer)

	for _, oq := range w.Owned {
		binding := w.Bindings[oq.PortID]
		if binding == nil {
			continue
		}
		bufs := make([]*buffer.Buffer, rxBurstSize)
		n := binding.Port.RxBurst(oq.Queue, bufs)
		w.Counters.RxTotal.Add(uint64(n)) //nolint:gosec // n bounded by rxBurstSize
		for i := 0; i < n; i++ {
			if binding.Recorder != nil {
				binding.Recorder.Record(bufs[i].Bytes(), pcapng.DirectionRX)
			}
			w.processInbound(binding, bufs[i], pending)
		}
	}

	w.tickTimer(pending)
	w.tickTxGen(pending)
	w.tickFlows(pending)

	for _, seg := range w.arpOutbox {
		pending[seg.portID] = append(pending[seg.portID], seg.buf)
	}

	w.transmit(pending)
	return false
}

// drainControl polls the control bus once, honoring shutdown immediately
// and acknowledging every other command before any further work.
func (w *Worker) drainControl() bool {
	env, ok := w.Bus.Poll()
	if !ok {
		return false
	}
	if env.Cmd == controlbus.CmdShutdown {
		w.Bus.Acknowledge(env.Seq, 0)
		return true
	}

	rc := int32(0)
	switch env.Cmd {
	case controlbus.CmdStart:
		cfg, err := decodeStartPayload(env.Payload[:])
		if err != nil {
			rc = 1
		} else {
			w.TxGen.Arm(cfg)
		}
	case controlbus.CmdStop:
		w.TxGen.Disarm()
		if w.Flows != nil {
			w.Flows.Disarm()
		}
	case controlbus.CmdSetRate:
		rate, err := decodeRatePayload(env.Payload[:])
		if err != nil {
			rc = 1
		} else {
			w.TxGen.SetRate(rate)
		}
	case controlbus.CmdSetProfile:
		p, err := flowrunner.DecodeProfilePayload(env.Payload[:])
		if err != nil || w.Flows == nil {
			rc = 1
		} else {
			w.Flows.Configure(p)
		}
	case controlbus.CmdNoop:
	default:
		rc = 1
	}
	w.Bus.Acknowledge(env.Seq, rc)
	return false
}

// processInbound classifies one RX'd frame by EtherType and dispatches it,
// freeing buf back to the pool once its contents have been consumed.
func (w *Worker) processInbound(binding *PortBinding, buf *buffer.Buffer, pending map[int][]*buffer.Buffer) {
	off := 0
	eth, err := wire.ParseEthernetHeader(buf.Bytes(), &off)
	if err != nil {
		w.Counters.DropMalformedEth.Add(1)
		w.Pool.Put(buf)
		return
	}
	if _, err := buf.PopHead(off); err != nil {
		w.Counters.DropMalformedEth.Add(1)
		w.Pool.Put(buf)
		return
	}

	switch eth.Type {
	case wire.EtherTypeARP:
		if !binding.ARPRing.TrySend(buf) {
			w.Counters.DropARPRingFull.Add(1)
			w.Pool.Put(buf)
		}
	case wire.EtherTypeIPv4:
		w.handleIPv4(binding, buf, pending)
	default:
		w.Counters.DropUnknownProto.Add(1)
		w.Pool.Put(buf)
	}
}

func (w *Worker) handleIPv4(binding *PortBinding, buf *buffer.Buffer, pending map[int][]*buffer.Buffer) {
	h, err := ipv4.ParseInbound(buf, binding.LocalIP, buf.RxChecksumGood())
	if err != nil {
		w.Counters.DropIPv4.Add(1)
		w.Pool.Put(buf)
		return
	}

	switch h.Protocol {
	case wire.ProtoTCP:
		w.handleTCP(binding, h, buf, pending)
	case wire.ProtoICMP:
		if !binding.ICMPRing.TrySend(Inbound{Buf: buf, SrcIP: h.Src, DstIP: h.Dst}) {
			w.Counters.DropICMPRingFull.Add(1)
			w.Pool.Put(buf)
		}
	case wire.ProtoUDP:
		if !binding.UDPRing.TrySend(Inbound{Buf: buf, SrcIP: h.Src, DstIP: h.Dst}) {
			w.Counters.DropUDPRingFull.Add(1)
			w.Pool.Put(buf)
		}
	default:
		w.Counters.DropUnknownProto.Add(1)
		w.Pool.Put(buf)
	}
}

func (w *Worker) handleTCP(binding *PortBinding, iph wire.IPv4Header, buf *buffer.Buffer, pending map[int][]*buffer.Buffer) {
	th, optsRaw, payload, err := wire.ParseTCP(buf.Bytes(), iph.Src, iph.Dst, buf.RxChecksumGood())
	if err != nil {
		w.Counters.DropTCPParse.Add(1)
		w.Pool.Put(buf)
		return
	}
	opts, err := options.Parse(optsRaw)
	if err != nil {
		w.Counters.DropTCPParse.Add(1)
		w.Pool.Put(buf)
		return
	}

	mac, ok := w.resolve(binding, iph.Src)
	if !ok {
		w.Counters.DropNoARP.Add(1)
		w.Pool.Put(buf)
		return
	}

	tuple := tcb.Tuple{SrcIP: iph.Dst, SrcPort: th.DstPort, DstIP: iph.Src, DstPort: th.SrcPort}
	seg := fsm.SegIn{Header: th, Options: opts, Payload: payload}

	t, found := w.TCB.Lookup(tuple)
	if !found {
		if th.Flags&wire.FlagSYN != 0 && th.Flags&wire.FlagACK == 0 {
			newT, err := w.TCB.Alloc(tuple)
			if err != nil {
				w.Counters.DropTCBFull.Add(1)
			} else if reply, err := w.Engine.PassiveOpen(newT, seg, mac); err == nil && reply != nil {
				w.portForDst[tuple.DstIP] = binding.ID
				w.addPending(pending, binding.ID, reply)
			}
		} else {
			w.Counters.DropTCPNoTCB.Add(1)
		}
		w.Pool.Put(buf)
		return
	}

	segs, freeTCB, err := w.Engine.Input(t, seg, mac)
	w.Pool.Put(buf)
	if err != nil {
		return
	}
	w.portForDst[tuple.DstIP] = binding.ID
	for _, s := range segs {
		w.addPending(pending, binding.ID, s)
	}
	if freeTCB {
		w.Ports.Free(t.Tuple.SrcIP, t.Tuple.SrcPort, w.Clock.Deadline(closedTCBHoldoff))
		w.TCB.Free(t)
	}
}

// tickTimer runs the per-tick TCB timer sweep and schedules every segment
// it produces for transmission on the port its destination routes through.
func (w *Worker) tickTimer(pending map[int][]*buffer.Buffer) {
	now := w.Clock.Now()
	segs := timer.Sweep(w.TCB, w.Ports, w.Engine, w.resolveMAC, now)
	for _, seg := range segs {
		portID, ok := w.portForSeg(seg)
		if !ok {
			w.Counters.DropNoRoute.Add(1)
			w.Pool.Put(seg)
			continue
		}
		w.addPending(pending, portID, seg)
	}
}

// tickTxGen drives the rate-controlled generator, if armed, and schedules
// its output on its configured egress port.
func (w *Worker) tickTxGen(pending map[int][]*buffer.Buffer) {
	if w.TxGen == nil || !w.TxGen.Armed() {
		return
	}
	binding := w.Bindings[w.TxGen.PortID()]
	if binding == nil {
		return
	}
	bufs := w.TxGen.Tick(w.Pool, binding.IPv4Caps())
	if len(bufs) == 0 {
		return
	}
	for _, b := range bufs {
		w.addPending(pending, binding.ID, b)
	}
	// The generator's egress queues are sized so TxBurst practically
	// never partially accepts a tick's output; the full batch is
	// reported as sent.
	w.TxGen.ReportSent(len(bufs))
}

// tickFlows drives the HTTP(S) flow runner, if configured, resolving the
// profile's destination through the egress port's ARP cache the same way
// the RX path does and scheduling every produced segment on that port.
func (w *Worker) tickFlows(pending map[int][]*buffer.Buffer) {
	if w.Flows == nil || !w.Flows.Active() {
		return
	}
	binding := w.Bindings[w.Flows.PortID()]
	if binding == nil {
		return
	}
	segs := w.Flows.Tick(func(ip uint32) (wire.MAC, bool) {
		return w.resolve(binding, ip)
	})
	for _, s := range segs {
		w.addPending(pending, binding.ID, s)
	}
}

func (w *Worker) transmit(pending map[int][]*buffer.Buffer) {
	for portID, bufs := range pending {
		binding := w.Bindings[portID]
		if binding == nil {
			for _, b := range bufs {
				w.Pool.Put(b)
			}
			continue
		}
		if binding.Recorder != nil {
			for _, b := range bufs {
				binding.Recorder.Record(b.Bytes(), pcapng.DirectionTX)
			}
		}
		q := w.Idx % binding.NumTXQueues
		sent := binding.Port.TxBurst(q, bufs)
		w.Counters.TxSent.Add(uint64(sent)) //nolint:gosec // sent bounded by len(bufs)
		for _, b := range bufs[sent:] {
			w.Pool.Put(b)
			w.Counters.TxDropped.Add(1)
		}
	}
}

func (w *Worker) addPending(pending map[int][]*buffer.Buffer, portID int, buf *buffer.Buffer) {
	pending[portID] = append(pending[portID], buf)
}

// routeEgress resolves the egress port and next hop for dstIP via the
// shared route table.
func (w *Worker) routeEgress(dstIP uint32) (portID int, nextHop uint32, ok bool) {
	r, found := w.Route.Lookup(dstIP)
	if !found {
		return 0, 0, false
	}
	return int(r.EgressPort), r.NextHop, true
}

// resolve looks up (or kicks off resolution for) the MAC serving dstIP on
// binding, recording the successful mapping's egress port for later TX
// routing of segments built outside the RX loop (the timer sweep).
func (w *Worker) resolve(binding *PortBinding, dstIP uint32) (wire.MAC, bool) {
	mac, found := binding.ARPCache.Lookup(dstIP)
	if found {
		w.portForDst[dstIP] = binding.ID
		return mac, true
	}
	if pkt, sent := binding.ARPCache.Request(dstIP); sent {
		if buf := w.buildARPRequest(binding, pkt); buf != nil {
			w.arpOutbox = append(w.arpOutbox, pendingSeg{binding.ID, buf})
		}
	}
	return wire.MAC{}, false
}

// resolveMAC adapts resolve to the timer.ResolveMAC signature, routing
// dstIP to its egress port (and next hop, if any) first.
func (w *Worker) resolveMAC(dstIP uint32) (wire.MAC, bool) {
	portID, nextHop, ok := w.routeEgress(dstIP)
	if !ok {
		return wire.MAC{}, false
	}
	binding := w.Bindings[portID]
	if binding == nil {
		return wire.MAC{}, false
	}
	target := dstIP
	if nextHop != 0 {
		target = nextHop
	}
	mac, resolved := w.resolve(binding, target)
	if resolved {
		w.portForDst[dstIP] = portID
	}
	return mac, resolved
}

func (w *Worker) buildARPRequest(binding *PortBinding, pkt wire.ARPPacket) *buffer.Buffer {
	buf, ok := w.Pool.Get()
	if !ok {
		return nil
	}
	scratch := make([]byte, wire.ARPHeaderSize)
	if err := pkt.Build(scratch); err != nil {
		w.Pool.Put(buf)
		return nil
	}
	if err := buf.Append(scratch); err != nil {
		w.Pool.Put(buf)
		return nil
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		w.Pool.Put(buf)
		return nil
	}
	hdr := wire.EthernetHeader{Dst: wire.Broadcast, Src: binding.LocalMAC, Type: wire.EtherTypeARP}
	if err := hdr.Marshal(ethBytes); err != nil {
		w.Pool.Put(buf)
		return nil
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return buf
}

// portForSeg recovers the egress port the timer sweep built seg for by
// peeking its already-written IPv4 destination address and consulting the
// portForDst map resolveMAC populated for that same destination earlier
// in this tick (or a previous one).
func (w *Worker) portForSeg(seg *buffer.Buffer) (int, bool) {
	dst, ok := peekIPv4Dst(seg)
	if !ok {
		return 0, false
	}
	portID, ok := w.portForDst[dst]
	return portID, ok
}

func peekIPv4Dst(buf *buffer.Buffer) (uint32, bool) {
	b := buf.Bytes()
	off := wire.EthernetHeaderSize + 16
	if len(b) < off+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[off : off+4]), true
}
