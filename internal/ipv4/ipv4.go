// Package ipv4 implements the component G input/output path: building
// outbound headers (with checksum-offload awareness) and validating
// inbound datagrams and stripping their header.
package ipv4

import (
	"errors"
	"fmt"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/wire"
)

// ErrNotForUs is returned by ParseInbound when the destination address does
// not match the port's configured local IP.
var ErrNotForUs = errors.New("ipv4: packet not addressed to local IP")

// Caps carries the subset of NIC capabilities the IPv4 layer consults.
type Caps struct {
	ChecksumOffload bool
}

// IDCounter is a monotonically increasing IPv4 identification field
// generator, one per worker.
type IDCounter struct{ next uint16 }

// Next returns the next packet ID, wrapping at 65535 like the wire field it
// feeds.
func (c *IDCounter) Next() uint16 {
	c.next++
	return c.next
}

// BuildOutbound prepends a 20-byte IPv4 header to buf. Every byte already
// in buf is taken as payload/transport header, so TotalLength is computed
// as IPv4HeaderSize+buf.Len() at the time of the call. When the egress
// port offloads the header checksum, the field is left zeroed and buf is
// tagged for the port to complete it.
func BuildOutbound(buf *buffer.Buffer, src, dst uint32, ttl uint8, protocol wire.Protocol, id uint16, df bool, caps Caps) error {
	payloadLen := buf.Len()
	hdr, err := buf.Prepend(wire.IPv4HeaderSize)
	if err != nil {
		return fmt.Errorf("ipv4: %w", err)
	}
	h := wire.IPv4Header{
		TotalLength: uint16(wire.IPv4HeaderSize + payloadLen), //nolint:gosec // bounded by buffer capacity
		ID:          id,
		DF:          df,
		TTL:         ttl,
		Protocol:    protocol,
		Src:         src,
		Dst:         dst,
	}
	if err := h.Build(hdr, wire.BuildOpts{ChecksumOffload: caps.ChecksumOffload}); err != nil {
		return err
	}
	if caps.ChecksumOffload {
		buf.AddOffload(buffer.OffloadIPv4Cksum)
	}
	return nil
}

// ParseInbound validates an inbound IPv4 datagram and pops its header off
// buf, leaving the transport payload as buf's valid region. localIP is the
// port's configured address; rxChecksumGood reflects NIC-reported RX
// checksum-offload status.
func ParseInbound(buf *buffer.Buffer, localIP uint32, rxChecksumGood bool) (wire.IPv4Header, error) {
	off := 0
	h, err := wire.ParseIPv4Header(buf.Bytes(), &off, rxChecksumGood)
	if err != nil {
		return wire.IPv4Header{}, err
	}
	if h.Dst != localIP {
		return wire.IPv4Header{}, ErrNotForUs
	}
	if _, err := buf.PopHead(off); err != nil {
		return wire.IPv4Header{}, fmt.Errorf("ipv4: %w", err)
	}
	return h, nil
}
