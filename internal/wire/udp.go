package wire

import (
	"encoding/binary"
	"fmt"
)

// UDPHeaderSize is the fixed size of a UDP header.
const UDPHeaderSize = 8

// UDPHeader is a UDP datagram header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// BuildUDP writes a UDP header plus payload into b and computes the
// checksum over the IPv4 pseudo-header, header, and payload.
func BuildUDP(b []byte, src, dst uint32, h UDPHeader, payload []byte) (int, error) {
	total := UDPHeaderSize + len(payload)
	if len(b) < total {
		return 0, fmt.Errorf("%w: udp datagram needs %d bytes", ErrWireError, total)
	}
	h.Length = uint16(total) //nolint:gosec // bounded by buffer size checked above
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], 0)
	copy(b[8:total], payload)

	pseudo := PseudoHeader(src, dst, ProtoUDP, h.Length)
	cksum := checksum16Parts(pseudo, b[:total])
	if cksum == 0 {
		cksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(b[6:8], cksum)
	return total, nil
}

// ParseUDP parses a UDP header and payload from msg, verifying the checksum
// against the given pseudo-header source/destination.
func ParseUDP(msg []byte, src, dst uint32) (UDPHeader, []byte, error) {
	if len(msg) < UDPHeaderSize {
		return UDPHeader{}, nil, fmt.Errorf("%w: unexpected EOF in udp header", ErrWireError)
	}
	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(msg[0:2]),
		DstPort:  binary.BigEndian.Uint16(msg[2:4]),
		Length:   binary.BigEndian.Uint16(msg[4:6]),
		Checksum: binary.BigEndian.Uint16(msg[6:8]),
	}
	if int(h.Length) > len(msg) || h.Length < UDPHeaderSize {
		return UDPHeader{}, nil, fmt.Errorf("%w: bad udp length %d", ErrWireError, h.Length)
	}
	if h.Checksum != 0 {
		pseudo := PseudoHeader(src, dst, ProtoUDP, h.Length)
		if checksum16Parts(pseudo, msg[:h.Length]) != 0 {
			return UDPHeader{}, nil, fmt.Errorf("%w: bad udp checksum", ErrWireError)
		}
	}
	return h, msg[UDPHeaderSize:h.Length], nil
}
