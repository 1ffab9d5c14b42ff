package worker

import (
	"github.com/jroosing/packetforge/internal/arp"
	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/nic"
	"github.com/jroosing/packetforge/internal/pcapng"
	"github.com/jroosing/packetforge/internal/ringbuf"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

// arpRingDepth and protoRingDepth bound the worker-to-management hand-off
// queues; a full ring sheds the newest frame rather than stall the RX loop.
const (
	arpRingDepth   = 64
	protoRingDepth = 256
)

// Inbound carries an ICMP or UDP datagram (already stripped of its
// Ethernet and IPv4 headers) from a worker's RX loop to whichever
// management-core handler owns that protocol.
type Inbound struct {
	Buf   *buffer.Buffer
	SrcIP uint32
	DstIP uint32
}

// PortBinding is everything a worker (or the management core sharing the
// same physical port) needs to drive one NIC port: the port itself, its
// ARP cache, its local identity, and the hand-off rings feeding the
// management core. One PortBinding is shared by every worker and the
// management core assigned to the same port, per coremap's port-to-core
// assignment.
type PortBinding struct {
	ID          int
	Port        nic.Port
	ARPCache    *arp.Cache
	LocalIP     uint32
	LocalMAC    wire.MAC
	NumTXQueues int

	// Caps is the port's capability record, probed once at binding time;
	// builders consult it to decide between hardware checksum offload and
	// the software path.
	Caps nic.Caps

	ARPRing  *ringbuf.Ring[*buffer.Buffer]
	ICMPRing *ringbuf.Ring[Inbound]
	UDPRing  *ringbuf.Ring[Inbound]

	// Recorder taps every frame this port sends or receives for the CLI's
	// `trace start|stop|save` surface. Nil until the
	// management layer attaches one; Record itself is a no-op while
	// disarmed, so the hot path pays only a nil check when no trace is
	// running.
	Recorder *pcapng.Recorder
}

// NewPortBinding wraps port with a fresh ARP cache and hand-off rings. The
// number of TX queues is taken from the port's probed capabilities,
// defaulting to 1 for ports that do not report multi-queue support.
func NewPortBinding(id int, port nic.Port, localIP uint32, localMAC wire.MAC, clock *timing.Clock) *PortBinding {
	caps := port.Capabilities()
	q := caps.MaxTXQueues
	if q < 1 {
		q = 1
	}
	return &PortBinding{
		ID:          id,
		Port:        port,
		ARPCache:    arp.NewCache(localIP, localMAC, clock),
		LocalIP:     localIP,
		LocalMAC:    localMAC,
		NumTXQueues: q,
		Caps:        caps,
		ARPRing:     ringbuf.New[*buffer.Buffer](arpRingDepth),
		ICMPRing:    ringbuf.New[Inbound](protoRingDepth),
		UDPRing:     ringbuf.New[Inbound](protoRingDepth),
	}
}

// IPv4Caps projects the port's probed capability record onto the IPv4
// layer's view of it, for builders that take ipv4.Caps directly.
func (b *PortBinding) IPv4Caps() ipv4.Caps {
	return ipv4.Caps{ChecksumOffload: b.Caps.HasChecksumOffload}
}
