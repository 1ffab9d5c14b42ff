// Package icmp implements the management side of component Q: building
// ICMP echo requests for the `ping` CLI command, matching inbound replies,
// and reporting round-trip times. The wire codec itself lives in
// internal/wire; this package is the driver loop around it.
package icmp

import (
	"fmt"
	"sync"
	"time"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/wire"
)

// Reply is one matched echo reply, reported to the ping driver's caller.
type Reply struct {
	Sequence uint16
	RTT      time.Duration
}

// Driver tracks in-flight pings for one management session: outstanding
// sequence numbers mapped to send time, so a later inbound echo reply can
// be matched and timed.
type Driver struct {
	mu      sync.Mutex
	id      uint16
	sentAt  map[uint16]time.Time
	nextSeq uint16
	ids     ipv4.IDCounter
}

// NewDriver creates a ping driver using id as the ICMP identifier (usually
// the process or session id truncated to 16 bits).
func NewDriver(id uint16) *Driver {
	return &Driver{id: id, sentAt: make(map[uint16]time.Time)}
}

// BuildEchoRequest assembles one Ethernet/IPv4/ICMP echo request for the
// given destination, recording the send time under its sequence number.
// caps is the egress port's capability record.
func (d *Driver) BuildEchoRequest(buf *buffer.Buffer, srcIP, dstIP uint32, dstMAC, localMAC wire.MAC, payloadLen int, caps ipv4.Caps) (uint16, error) {
	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.sentAt[seq] = time.Now()
	d.mu.Unlock()

	if payloadLen <= 0 {
		payloadLen = 56
	}
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := wire.ICMPEcho{Type: wire.ICMPTypeEchoRequest, ID: d.id, Sequence: seq, Payload: payload}
	scratch := make([]byte, wire.ICMPHeaderSize+len(payload))
	n, err := msg.Build(scratch)
	if err != nil {
		return 0, err
	}
	if err := buf.Append(scratch[:n]); err != nil {
		return 0, err
	}
	if err := ipv4.BuildOutbound(buf, srcIP, dstIP, 64, wire.ProtoICMP, d.ids.Next(), false, caps); err != nil {
		return 0, err
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		return 0, err
	}
	hdr := wire.EthernetHeader{Dst: dstMAC, Src: localMAC, Type: wire.EtherTypeIPv4}
	if err := hdr.Marshal(ethBytes); err != nil {
		return 0, err
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return seq, nil
}

// HandleInbound parses an ICMP message already stripped of its Ethernet
// and IPv4 headers. An echo reply matching this driver's id completes the
// round trip and returns a Reply; any other message (an echo request, or
// a reply carrying another identifier) yields a nil Reply and no error.
// Echo requests are answered separately, with BuildEchoReply.
func (d *Driver) HandleInbound(payload []byte) (*Reply, error) {
	msg, err := wire.ParseICMPEcho(payload)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.ICMPTypeEchoReply || msg.ID != d.id {
		return nil, nil
	}
	d.mu.Lock()
	sentAt, ok := d.sentAt[msg.Sequence]
	if ok {
		delete(d.sentAt, msg.Sequence)
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("icmp: unmatched sequence %d", msg.Sequence)
	}
	return &Reply{Sequence: msg.Sequence, RTT: time.Since(sentAt)}, nil
}

// BuildEchoReply answers an inbound echo request targeting the local
// engine (data-plane side of component Q, driven from the worker loop
// rather than the management ping driver).
func BuildEchoReply(buf *buffer.Buffer, req wire.ICMPEcho, srcIP, dstIP uint32, dstMAC, localMAC wire.MAC, ids *ipv4.IDCounter, caps ipv4.Caps) error {
	reply := wire.ICMPEcho{Type: wire.ICMPTypeEchoReply, ID: req.ID, Sequence: req.Sequence, Payload: req.Payload}
	scratch := make([]byte, wire.ICMPHeaderSize+len(req.Payload))
	n, err := reply.Build(scratch)
	if err != nil {
		return err
	}
	if err := buf.Append(scratch[:n]); err != nil {
		return err
	}
	if err := ipv4.BuildOutbound(buf, srcIP, dstIP, 64, wire.ProtoICMP, ids.Next(), false, caps); err != nil {
		return err
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		return err
	}
	hdr := wire.EthernetHeader{Dst: dstMAC, Src: localMAC, Type: wire.EtherTypeIPv4}
	if err := hdr.Marshal(ethBytes); err != nil {
		return err
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return nil
}

// Outstanding reports the number of echo requests still awaiting a reply,
// used by the CLI's `ping` summary to count timeouts.
func (d *Driver) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sentAt)
}

// ExpireOlderThan drops tracked requests sent before the cutoff, treating
// them as lost for the ping summary.
func (d *Driver) ExpireOlderThan(cutoff time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	now := time.Now()
	for seq, sentAt := range d.sentAt {
		if now.Sub(sentAt) > cutoff {
			delete(d.sentAt, seq)
			n++
		}
	}
	return n
}
