package wire

import (
	"encoding/binary"
	"fmt"
)

// ARPHeaderSize is the size of an Ethernet/IPv4 ARP packet (RFC 826 over
// Ethernet): hardware/protocol type and length, opcode, sender/target
// hardware and protocol addresses.
const ARPHeaderSize = 28

// ARP opcodes.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

const (
	arpHTypeEthernet uint16 = 1
	arpPTypeIPv4     uint16 = 0x0800
)

// ARPPacket is an Ethernet/IPv4 ARP request or reply.
type ARPPacket struct {
	Opcode    uint16
	SenderMAC MAC
	SenderIP  uint32
	TargetMAC MAC
	TargetIP  uint32
}

// Build writes the ARP packet into b.
func (p ARPPacket) Build(b []byte) error {
	if len(b) < ARPHeaderSize {
		return fmt.Errorf("%w: arp packet needs %d bytes", ErrWireError, ARPHeaderSize)
	}
	binary.BigEndian.PutUint16(b[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], arpPTypeIPv4)
	b[4] = 6 // hardware address length
	b[5] = 4 // protocol address length
	binary.BigEndian.PutUint16(b[6:8], p.Opcode)
	copy(b[8:14], p.SenderMAC[:])
	binary.BigEndian.PutUint32(b[14:18], p.SenderIP)
	copy(b[18:24], p.TargetMAC[:])
	binary.BigEndian.PutUint32(b[24:28], p.TargetIP)
	return nil
}

// ParseARPPacket parses an ARP packet from msg.
func ParseARPPacket(msg []byte) (ARPPacket, error) {
	if len(msg) < ARPHeaderSize {
		return ARPPacket{}, fmt.Errorf("%w: unexpected EOF in arp packet", ErrWireError)
	}
	if binary.BigEndian.Uint16(msg[0:2]) != arpHTypeEthernet || binary.BigEndian.Uint16(msg[2:4]) != arpPTypeIPv4 {
		return ARPPacket{}, fmt.Errorf("%w: unsupported arp hardware/protocol type", ErrWireError)
	}
	var p ARPPacket
	p.Opcode = binary.BigEndian.Uint16(msg[6:8])
	copy(p.SenderMAC[:], msg[8:14])
	p.SenderIP = binary.BigEndian.Uint32(msg[14:18])
	copy(p.TargetMAC[:], msg[18:24])
	p.TargetIP = binary.BigEndian.Uint32(msg[24:28])
	return p, nil
}
