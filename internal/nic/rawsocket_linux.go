//go:build linux

package nic

import (
	"fmt"
	"net"

	"github.com/jroosing/packetforge/internal/buffer"
	"golang.org/x/sys/unix"
)

// RawSocketPort drives an interface through an AF_PACKET SOCK_RAW socket
// per queue, with PACKET_FANOUT configured so inbound traffic is
// distributed across queues by a hash of the packet (a software
// approximation of hardware symmetric RSS, since no real NIC is driven).
// Capability probing always reports software fallback: a raw socket offers
// none of checksum offload, RSS, scatter/gather, or multi-segment TX.
type RawSocketPort struct {
	ifIndex int
	fds     []int
}

// OpenRawSocketPort opens numQueues AF_PACKET sockets bound to ifaceName,
// joined to a common PACKET_FANOUT group so inbound traffic spreads across
// them.
func OpenRawSocketPort(ifaceName string, numQueues int) (*RawSocketPort, error) {
	if numQueues < 1 {
		numQueues = 1
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("nic: %w", err)
	}

	fanoutGroup := uint16(iface.Index & 0xffff) //nolint:gosec // fanout group id only needs to be process-unique
	fds := make([]int, 0, numQueues)
	for i := 0; i < numQueues; i++ {
		fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("nic: socket: %w", err)
		}
		addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: iface.Index}
		if err := unix.Bind(fd, &addr); err != nil {
			unix.Close(fd)
			closeAll(fds)
			return nil, fmt.Errorf("nic: bind: %w", err)
		}
		fanoutArg := int(fanoutGroup) | (unix.PACKET_FANOUT_HASH << 16)
		_ = unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, fanoutArg) // best-effort
		fds = append(fds, fd)
	}
	return &RawSocketPort{ifIndex: iface.Index, fds: fds}, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func htons(v int) uint16 { return uint16(v<<8) | uint16(v>>8) } //nolint:gosec // 16-bit byte swap

// RxBurst reads up to len(bufs) frames from the queue's socket into fresh
// buffer tail regions, non-blocking (the socket is left in its default
// blocking mode but a short read is requested with MSG_DONTWAIT so the
// worker loop never suspends).
func (p *RawSocketPort) RxBurst(queue int, bufs []*buffer.Buffer) int {
	if queue < 0 || queue >= len(p.fds) {
		return 0
	}
	fd := p.fds[queue]
	n := 0
	for n < len(bufs) {
		b := bufs[n]
		read, _, err := unix.Recvfrom(fd, b.Tail(), unix.MSG_DONTWAIT)
		if err != nil || read <= 0 {
			break
		}
		if err := b.SetLen(read); err != nil {
			break
		}
		b.SetPort(p.ifIndex)
		n++
	}
	return n
}

// TxBurst writes each buffer's valid bytes to the queue's socket.
func (p *RawSocketPort) TxBurst(queue int, bufs []*buffer.Buffer) int {
	if queue < 0 || queue >= len(p.fds) {
		return 0
	}
	fd := p.fds[queue]
	n := 0
	for _, b := range bufs {
		if err := unix.Sendto(fd, b.Bytes(), unix.MSG_DONTWAIT, &unix.SockaddrLinklayer{Ifindex: p.ifIndex}); err != nil {
			break
		}
		n++
	}
	return n
}

// Capabilities reports the all-software-fallback record (see type doc).
func (p *RawSocketPort) Capabilities() Caps {
	return Caps{MaxTXQueues: len(p.fds)}
}

// Close releases every queue's socket file descriptor.
func (p *RawSocketPort) Close() error {
	closeAll(p.fds)
	return nil
}
