package wire

import (
	"encoding/binary"
	"fmt"
)

// TCPHeaderSize is the size of the fixed TCP header, excluding options.
const TCPHeaderSize = 20

// TCP flag bits.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// TCPHeader is the fixed portion of a TCP segment header.
type TCPHeader struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Ack       uint32
	Flags     uint8
	Window    uint16
	Checksum  uint16
	UrgentPtr uint16
}

// BuildTCP writes the fixed header, options, and payload into b. With
// offload false the checksum is computed in software over the IPv4
// pseudo-header plus the full segment; with offload true only the
// pseudo-header seed is written into the checksum field, for the egress
// port's hardware to complete (the caller must tag the buffer with
// buffer.OffloadTCPCksum). dataOffset (in 4-byte words) is computed from
// len(options).
func BuildTCP(b []byte, src, dst uint32, h TCPHeader, options, payload []byte, offload bool) (int, error) {
	if len(options)%4 != 0 {
		return 0, fmt.Errorf("%w: tcp options length %d not a multiple of 4", ErrWireError, len(options))
	}
	dataOffset := (TCPHeaderSize + len(options)) / 4
	if dataOffset > 15 {
		return 0, fmt.Errorf("%w: tcp options too long", ErrWireError)
	}
	total := TCPHeaderSize + len(options) + len(payload)
	if len(b) < total {
		return 0, fmt.Errorf("%w: tcp segment needs %d bytes", ErrWireError, total)
	}

	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = uint8(dataOffset<<4) | 0
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], h.UrgentPtr)
	copy(b[TCPHeaderSize:TCPHeaderSize+len(options)], options)
	copy(b[TCPHeaderSize+len(options):total], payload)

	pseudo := PseudoHeader(src, dst, ProtoTCP, uint16(total)) //nolint:gosec // bounded by buffer size checked above
	if offload {
		// Hardware expects the non-complemented pseudo-header sum as the
		// seed, the complement of what checksum16Parts returns.
		binary.BigEndian.PutUint16(b[16:18], ^checksum16Parts(pseudo))
	} else {
		binary.BigEndian.PutUint16(b[16:18], checksum16Parts(pseudo, b[:total]))
	}
	return total, nil
}

// ParseTCP parses the fixed header from msg, returning it along with the
// raw options bytes and payload. Checksum verification against the given
// pseudo-header addresses is performed unless checksumGood is true.
func ParseTCP(msg []byte, src, dst uint32, checksumGood bool) (TCPHeader, []byte, []byte, error) {
	if len(msg) < TCPHeaderSize {
		return TCPHeader{}, nil, nil, fmt.Errorf("%w: unexpected EOF in tcp header", ErrWireError)
	}
	dataOffset := int(msg[12]>>4) * 4
	if dataOffset < TCPHeaderSize || dataOffset > len(msg) {
		return TCPHeader{}, nil, nil, fmt.Errorf("%w: bad tcp data offset %d", ErrWireError, dataOffset)
	}
	if !checksumGood {
		pseudo := PseudoHeader(src, dst, ProtoTCP, uint16(len(msg))) //nolint:gosec // msg length from NIC RX, bounded by MTU in practice
		if checksum16Parts(pseudo, msg) != 0 {
			return TCPHeader{}, nil, nil, fmt.Errorf("%w: bad tcp checksum", ErrWireError)
		}
	}
	h := TCPHeader{
		SrcPort:   binary.BigEndian.Uint16(msg[0:2]),
		DstPort:   binary.BigEndian.Uint16(msg[2:4]),
		Seq:       binary.BigEndian.Uint32(msg[4:8]),
		Ack:       binary.BigEndian.Uint32(msg[8:12]),
		Flags:     msg[13],
		Window:    binary.BigEndian.Uint16(msg[14:16]),
		Checksum:  binary.BigEndian.Uint16(msg[16:18]),
		UrgentPtr: binary.BigEndian.Uint16(msg[18:20]),
	}
	options := msg[TCPHeaderSize:dataOffset]
	payload := msg[dataOffset:]
	return h, options, payload, nil
}
