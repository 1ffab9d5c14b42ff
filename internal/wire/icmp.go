package wire

import (
	"encoding/binary"
	"fmt"
)

// ICMPHeaderSize is the size of the ICMP echo header (type, code, checksum,
// id, sequence) before the payload.
const ICMPHeaderSize = 8

const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

// ICMPEcho is an ICMP echo request/reply message.
type ICMPEcho struct {
	Type     uint8
	Code     uint8
	ID       uint16
	Sequence uint16
	Payload  []byte
}

// Build writes the ICMP echo message (header + payload) into b, computing
// the checksum over the whole message.
func (m ICMPEcho) Build(b []byte) (int, error) {
	total := ICMPHeaderSize + len(m.Payload)
	if len(b) < total {
		return 0, fmt.Errorf("%w: icmp echo needs %d bytes", ErrWireError, total)
	}
	b[0] = m.Type
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[4:6], m.ID)
	binary.BigEndian.PutUint16(b[6:8], m.Sequence)
	copy(b[8:total], m.Payload)

	cksum := checksum16(b[:total])
	binary.BigEndian.PutUint16(b[2:4], cksum)
	return total, nil
}

// ParseICMPEcho parses an ICMP echo request/reply occupying the whole of
// msg, verifying the checksum.
func ParseICMPEcho(msg []byte) (ICMPEcho, error) {
	if len(msg) < ICMPHeaderSize {
		return ICMPEcho{}, fmt.Errorf("%w: unexpected EOF in icmp header", ErrWireError)
	}
	if checksum16(msg) != 0 {
		return ICMPEcho{}, fmt.Errorf("%w: bad icmp checksum", ErrWireError)
	}
	m := ICMPEcho{
		Type:     msg[0],
		Code:     msg[1],
		ID:       binary.BigEndian.Uint16(msg[4:6]),
		Sequence: binary.BigEndian.Uint16(msg[6:8]),
	}
	if len(msg) > ICMPHeaderSize {
		m.Payload = append([]byte(nil), msg[ICMPHeaderSize:]...)
	}
	return m, nil
}
