package wire

import (
	"encoding/binary"
	"fmt"
)

// IPv4HeaderSize is the size of an IPv4 header with no options (IHL=5).
const IPv4HeaderSize = 20

// Protocol identifies the payload carried by an IPv4 datagram.
type Protocol uint8

const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

// IPv4Header is the subset of RFC 791 fields this engine builds and
// inspects.
type IPv4Header struct {
	DSCP        uint8
	ECN         uint8
	TotalLength uint16
	ID          uint16
	DF          bool
	MF          bool
	FragOffset  uint16
	TTL         uint8
	Protocol    Protocol
	Checksum    uint16
	Src         uint32
	Dst         uint32
}

// BuildOpts controls checksum computation on Build.
type BuildOpts struct {
	// ChecksumOffload, when true, leaves the checksum field zeroed (the
	// port's NIC is expected to compute it).
	ChecksumOffload bool
}

// Build writes a 20-byte IPv4 header into b (which must be at least
// IPv4HeaderSize long) with TTL defaulted to 64 if zero and the DF bit as
// requested. The payload is not included; TotalLength must already account
// for it.
func (h IPv4Header) Build(b []byte, opts BuildOpts) error {
	if len(b) < IPv4HeaderSize {
		return fmt.Errorf("%w: ipv4 header needs %d bytes", ErrWireError, IPv4HeaderSize)
	}
	ttl := h.TTL
	if ttl == 0 {
		ttl = 64
	}
	b[0] = 0x45 // version 4, IHL 5
	b[1] = (h.DSCP << 2) | (h.ECN & 0x3)
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	flagsFrag := h.FragOffset & 0x1FFF
	if h.DF {
		flagsFrag |= 1 << 14
	}
	if h.MF {
		flagsFrag |= 1 << 13
	}
	binary.BigEndian.PutUint16(b[6:8], flagsFrag)
	b[8] = ttl
	b[9] = uint8(h.Protocol)
	binary.BigEndian.PutUint16(b[10:12], 0)
	binary.BigEndian.PutUint32(b[12:16], h.Src)
	binary.BigEndian.PutUint32(b[16:20], h.Dst)

	if opts.ChecksumOffload {
		return nil
	}
	cksum := checksum16(b[:IPv4HeaderSize])
	binary.BigEndian.PutUint16(b[10:12], cksum)
	return nil
}

// ParseIPv4Header validates and parses an IPv4 header at the front of msg,
// advancing *off past it. TotalLength is validated against the bytes of msg
// from the header's start onward. checksumGood, when true
// (NIC-reported RX checksum offload), skips software verification.
func ParseIPv4Header(msg []byte, off *int, checksumGood bool) (IPv4Header, error) {
	start := *off
	if start+IPv4HeaderSize > len(msg) {
		return IPv4Header{}, fmt.Errorf("%w: unexpected EOF in ipv4 header", ErrWireError)
	}
	b := msg[start : start+IPv4HeaderSize]
	version := b[0] >> 4
	ihl := int(b[0]&0x0F) * 4
	if version != 4 {
		return IPv4Header{}, fmt.Errorf("%w: unsupported ip version %d", ErrWireError, version)
	}
	if ihl < IPv4HeaderSize {
		return IPv4Header{}, fmt.Errorf("%w: ihl %d below minimum", ErrWireError, ihl)
	}
	if start+ihl > len(msg) {
		return IPv4Header{}, fmt.Errorf("%w: ihl %d exceeds buffer", ErrWireError, ihl)
	}

	totalLength := binary.BigEndian.Uint16(b[2:4])
	if int(totalLength) > len(msg)-start {
		return IPv4Header{}, fmt.Errorf("%w: total_length %d exceeds available data", ErrWireError, totalLength)
	}

	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	df := flagsFrag&(1<<14) != 0
	mf := flagsFrag&(1<<13) != 0
	fragOffset := flagsFrag & 0x1FFF
	if mf || fragOffset != 0 {
		return IPv4Header{}, fmt.Errorf("%w: fragmented packet dropped", ErrWireError)
	}

	if !checksumGood {
		if checksum16(msg[start:start+ihl]) != 0 {
			return IPv4Header{}, fmt.Errorf("%w: bad ipv4 header checksum", ErrWireError)
		}
	}

	h := IPv4Header{
		DSCP:        b[1] >> 2,
		ECN:         b[1] & 0x3,
		TotalLength: totalLength,
		ID:          binary.BigEndian.Uint16(b[4:6]),
		DF:          df,
		MF:          mf,
		FragOffset:  fragOffset,
		TTL:         b[8],
		Protocol:    Protocol(b[9]),
		Checksum:    binary.BigEndian.Uint16(b[10:12]),
		Src:         binary.BigEndian.Uint32(b[12:16]),
		Dst:         binary.BigEndian.Uint32(b[16:20]),
	}
	*off = start + ihl
	return h, nil
}

// PseudoHeader returns the 12-byte IPv4 pseudo-header used by UDP/TCP
// checksums.
func PseudoHeader(src, dst uint32, protocol Protocol, segmentLen uint16) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], src)
	binary.BigEndian.PutUint32(b[4:8], dst)
	b[8] = 0
	b[9] = uint8(protocol)
	binary.BigEndian.PutUint16(b[10:12], segmentLen)
	return b
}
