// Package mgmt implements the management-core tick: the slow-path
// counterpart to internal/worker's
// data-plane loop. Where a Worker never blocks and never does anything a
// worker-per-core budget can't bound, the management core owns the things
// that are rare, stateful across ticks, or simply don't need a dedicated
// core: ARP aging and request/reply handling, ICMP ping driving and echo
// replies, and counting the UDP traffic workers hand off instead of
// processing themselves.
//
// One management core is assigned per coremap.PortAssignment the same way
// data-plane cores are (see internal/coremap); it shares the PortBinding a
// port's worker(s) already populate via their ARP/ICMP/UDP rings.
package mgmt

import (
	"errors"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/icmp"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
	"github.com/jroosing/packetforge/internal/worker"
)

// ErrNotResolved is returned by Ping when the destination's MAC is not yet
// in the ARP cache; the caller should retry once a reply arrives.
var ErrNotResolved = errors.New("mgmt: destination MAC not yet resolved")

// arpDrainBurst and protoDrainBurst bound how many ring entries the
// management core drains per tick, the same non-blocking, bounded-cost
// discipline the worker's RX loop uses.
const (
	arpDrainBurst   = 64
	protoDrainBurst = 64
)

// Counters tracks management-core activity, exported alongside
// worker.Counters by the telemetry collector.
type Counters struct {
	ARPRepliesSent   uint64
	ARPRequestsSent  uint64
	ARPProbesSent    uint64
	ICMPEchoReplied  uint64
	ICMPEchoMatched  uint64
	ICMPDropNoARP    uint64
	UDPDatagramsSeen uint64
	DropMalformed    uint64
}

// Core drains one PortBinding's management hand-off rings and the ARP
// cache's aging sweep, producing frames ready for its port's TX queue.
type Core struct {
	Binding *worker.PortBinding
	Clock   *timing.Clock
	ICMP    *icmp.Driver
	ids     ipv4.IDCounter

	Counters Counters
}

// NewCore builds a management core for one port binding. id seeds the
// ICMP driver's echo identifier for pings this process originates.
func NewCore(binding *worker.PortBinding, clock *timing.Clock, icmpID uint16) *Core {
	return &Core{
		Binding: binding,
		Clock:   clock,
		ICMP:    icmp.NewDriver(icmpID),
	}
}

// Tick runs one management-core iteration: drain the ARP ring, drain the
// ICMP and UDP rings, and age the ARP cache. It returns the frames ready
// for transmission on this core's port; the caller (the process's
// management run loop) is responsible for calling Port.TxBurst.
func (c *Core) Tick() []*buffer.Buffer {
	var out []*buffer.Buffer
	out = append(out, c.drainARP()...)
	out = append(out, c.drainICMP()...)
	c.drainUDP()
	out = append(out, c.ageARP()...)
	return out
}

func (c *Core) drainARP() []*buffer.Buffer {
	var out []*buffer.Buffer
	for i := 0; i < arpDrainBurst; i++ {
		buf, ok := c.Binding.ARPRing.TryRecv()
		if !ok {
			break
		}
		out = append(out, c.handleARPFrame(buf)...)
	}
	return out
}

func (c *Core) handleARPFrame(buf *buffer.Buffer) []*buffer.Buffer {
	pkt, err := wire.ParseARPPacket(buf.Bytes())
	buf.SetOwner(buffer.OwnerNone)
	if err != nil {
		c.Counters.DropMalformed++
		return nil
	}

	switch pkt.Opcode {
	case wire.ARPOpRequest:
		reply, send := c.Binding.ARPCache.HandleRequest(pkt)
		if !send {
			return nil
		}
		c.Counters.ARPRepliesSent++
		frame, err := c.buildARPFrame(reply, reply.TargetMAC)
		if err != nil {
			return nil
		}
		return []*buffer.Buffer{frame}
	case wire.ARPOpReply:
		held := c.Binding.ARPCache.HandleReply(pkt)
		return held
	default:
		c.Counters.DropMalformed++
		return nil
	}
}

// ageARP sweeps the port's ARP cache for probes and re-requests due this
// tick, wrapping each in an Ethernet frame addressed to its target (probes
// are unicast to the already-known MAC; fresh requests are broadcast).
func (c *Core) ageARP() []*buffer.Buffer {
	pkts := c.Binding.ARPCache.Age(c.Clock.Now())
	if len(pkts) == 0 {
		return nil
	}
	out := make([]*buffer.Buffer, 0, len(pkts))
	for _, pkt := range pkts {
		dst := wire.Broadcast
		if pkt.TargetMAC != (wire.MAC{}) {
			dst = pkt.TargetMAC
		}
		frame, err := c.buildARPFrame(pkt, dst)
		if err != nil {
			continue
		}
		c.Counters.ARPProbesSent++
		out = append(out, frame)
	}
	return out
}

func (c *Core) buildARPFrame(pkt wire.ARPPacket, dstMAC wire.MAC) (*buffer.Buffer, error) {
	buf := buffer.New(wire.EthernetHeaderSize + wire.ARPHeaderSize)
	scratch := make([]byte, wire.ARPHeaderSize)
	if err := pkt.Build(scratch); err != nil {
		return nil, err
	}
	if err := buf.Append(scratch); err != nil {
		return nil, err
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		return nil, err
	}
	hdr := wire.EthernetHeader{Dst: dstMAC, Src: c.Binding.LocalMAC, Type: wire.EtherTypeARP}
	if err := hdr.Marshal(ethBytes); err != nil {
		return nil, err
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return buf, nil
}

// drainICMP answers inbound echo requests and matches inbound echo
// replies against this core's outstanding ping driver state. A request
// targeting a peer whose MAC isn't yet cached is dropped rather than
// held: the next probe or reply from that peer will resolve it, and pings
// are a diagnostic tool, not a reliability-sensitive path.
func (c *Core) drainICMP() []*buffer.Buffer {
	var out []*buffer.Buffer
	for i := 0; i < protoDrainBurst; i++ {
		in, ok := c.Binding.ICMPRing.TryRecv()
		if !ok {
			break
		}
		out = append(out, c.handleICMP(in)...)
	}
	return out
}

func (c *Core) handleICMP(in worker.Inbound) []*buffer.Buffer {
	msg, err := wire.ParseICMPEcho(in.Buf.Bytes())
	if err != nil {
		in.Buf.SetOwner(buffer.OwnerNone)
		c.Counters.DropMalformed++
		return nil
	}

	if msg.Type == wire.ICMPTypeEchoReply {
		if rep, err := c.ICMP.HandleInbound(in.Buf.Bytes()); err == nil && rep != nil {
			c.Counters.ICMPEchoMatched++
		}
		in.Buf.SetOwner(buffer.OwnerNone)
		return nil
	}
	if msg.Type != wire.ICMPTypeEchoRequest {
		in.Buf.SetOwner(buffer.OwnerNone)
		return nil
	}

	dstMAC, found := c.Binding.ARPCache.Lookup(in.SrcIP)
	in.Buf.SetOwner(buffer.OwnerNone)
	if !found {
		c.Counters.ICMPDropNoARP++
		_, _ = c.Binding.ARPCache.Request(in.SrcIP)
		return nil
	}

	reply := buffer.New(wire.EthernetHeaderSize + wire.IPv4HeaderSize + wire.ICMPHeaderSize + len(msg.Payload))
	if err := icmp.BuildEchoReply(reply, msg, in.DstIP, in.SrcIP, dstMAC, c.Binding.LocalMAC, &c.ids, c.Binding.IPv4Caps()); err != nil {
		return nil
	}
	c.Counters.ICMPEchoReplied++
	return []*buffer.Buffer{reply}
}

// drainUDP accounts for inbound UDP datagrams handed off by workers. The
// data plane's UDP role is purely generative (internal/txgen); there is no
// inbound UDP protocol state to drive here beyond counting traffic for
// telemetry (e.g. replies from a UDP echo target under load).
func (c *Core) drainUDP() {
	for i := 0; i < protoDrainBurst; i++ {
		in, ok := c.Binding.UDPRing.TryRecv()
		if !ok {
			break
		}
		in.Buf.SetOwner(buffer.OwnerNone)
		c.Counters.UDPDatagramsSeen++
	}
}

// Ping issues one echo request toward dstIP via this core's port binding,
// returning the frame to transmit and the sequence number the caller (the
// CLI's `ping` command) should watch for in a later Counters snapshot or a
// matched reply.
func (c *Core) Ping(dstIP uint32, payloadLen int) (*buffer.Buffer, uint16, error) {
	dstMAC, found := c.Binding.ARPCache.Lookup(dstIP)
	if !found {
		_, _ = c.Binding.ARPCache.Request(dstIP)
		return nil, 0, ErrNotResolved
	}
	buf := buffer.New(wire.EthernetHeaderSize + wire.IPv4HeaderSize + wire.ICMPHeaderSize + payloadLen)
	seq, err := c.ICMP.BuildEchoRequest(buf, c.Binding.LocalIP, dstIP, dstMAC, c.Binding.LocalMAC, payloadLen, c.Binding.IPv4Caps())
	if err != nil {
		return nil, 0, err
	}
	return buf, seq, nil
}
