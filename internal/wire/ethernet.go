package wire

import (
	"encoding/binary"
	"fmt"
)

// EtherType identifies the payload protocol carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeVLAN EtherType = 0x8100
)

// MAC is a 6-byte hardware address.
type MAC [6]byte

// Broadcast is the all-ones MAC used when a destination cannot be resolved.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsZero reports whether m is the unset all-zero address.
func (m MAC) IsZero() bool { return m == MAC{} }

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EthernetHeaderSize is the fixed size of an untagged Ethernet II header.
const EthernetHeaderSize = 14

// EthernetHeader is an untagged Ethernet II frame header.
type EthernetHeader struct {
	Dst  MAC
	Src  MAC
	Type EtherType
}

// Marshal serializes an Ethernet header in wire order.
func (h EthernetHeader) Marshal(b []byte) error {
	if len(b) < EthernetHeaderSize {
		return fmt.Errorf("%w: ethernet header needs %d bytes", ErrWireError, EthernetHeaderSize)
	}
	copy(b[0:6], h.Dst[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(h.Type))
	return nil
}

// ParseEthernetHeader parses an Ethernet header at the front of msg and
// advances *off by EthernetHeaderSize.
func ParseEthernetHeader(msg []byte, off *int) (EthernetHeader, error) {
	if *off+EthernetHeaderSize > len(msg) {
		return EthernetHeader{}, fmt.Errorf("%w: unexpected EOF in ethernet header", ErrWireError)
	}
	var h EthernetHeader
	copy(h.Dst[:], msg[*off:*off+6])
	copy(h.Src[:], msg[*off+6:*off+12])
	h.Type = EtherType(binary.BigEndian.Uint16(msg[*off+12 : *off+14]))
	*off += EthernetHeaderSize
	return h, nil
}
