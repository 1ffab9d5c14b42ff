// Package txgen implements the rate-controlled transmit generator: a
// token-bucket rate limiter plus a deadline-bounded burst builder running
// the ICMP echo protocol builder. One State is owned per worker; a run
// self-disarms at its deadline without a control-bus round trip.
package txgen

import (
	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

// MaxTokens caps the bucket at 32 tokens (one token per packet), which
// also bounds a single tick's burst.
const MaxTokens = 32

// State holds one worker's generator: token bucket, arm/disarm state, the
// ICMP sequence counter, and the configured target.
type State struct {
	tokens  float64
	ratePPS float64 // 0 = unlimited
	lastFed int64

	armed      bool
	deadline   int64 // 0 = no deadline
	srcIP      uint32
	dstIP      uint32
	dstMAC     wire.MAC
	localMAC   wire.MAC
	icmpID     uint16
	sequence   uint16
	payload    []byte
	portID     int
	clock      *timing.Clock
	ids        ipv4.IDCounter
	sentTotal  uint64
	droppTotal uint64
}

// New creates a disarmed generator bound to clock for deadline/refill math.
func New(clock *timing.Clock) *State {
	return &State{clock: clock}
}

// Config arms the generator for one run.
type Config struct {
	RatePPS    float64 // 0 = unlimited (burst up to MaxTokens per tick)
	DurationS  float64 // 0 = run until explicitly stopped
	SrcIP      uint32
	DstIP      uint32
	DstMAC     wire.MAC
	LocalMAC   wire.MAC
	ICMPID     uint16
	PayloadLen int
	// PortID is the NIC port the worker should egress generated traffic
	// on; it is opaque to this package and only round-tripped for the
	// worker's own use via PortID().
	PortID int
}

// Arm starts (or re-starts) the generator with cfg, per the `start` control
// command. A zero DurationS means the generator runs until `stop`/Disarm.
func (s *State) Arm(cfg Config) {
	s.ratePPS = cfg.RatePPS
	s.tokens = MaxTokens
	s.lastFed = s.clock.Now()
	s.srcIP = cfg.SrcIP
	s.dstIP = cfg.DstIP
	s.dstMAC = cfg.DstMAC
	s.localMAC = cfg.LocalMAC
	s.icmpID = cfg.ICMPID
	s.portID = cfg.PortID
	s.sequence = 0
	payloadLen := cfg.PayloadLen
	if payloadLen <= 0 {
		payloadLen = 56
	}
	s.payload = make([]byte, payloadLen)
	for i := range s.payload {
		s.payload[i] = byte(i) // fixed, monotonic pattern
	}
	s.armed = true
	if cfg.DurationS > 0 {
		s.deadline = s.clock.Now() + int64(cfg.DurationS*1e9)
	} else {
		s.deadline = 0
	}
}

// Disarm stops generation immediately, in response to a `stop` command.
func (s *State) Disarm() { s.armed = false }

// Armed reports whether the generator is currently producing traffic.
func (s *State) Armed() bool { return s.armed }

// PortID reports the NIC port the currently armed run targets.
func (s *State) PortID() int { return s.portID }

// SetRate updates the target rate of an already-armed run in place, in
// response to a `set_rate` command; it does not reset tokens or sequence
// state the way a fresh Arm would.
func (s *State) SetRate(ratePPS float64) { s.ratePPS = ratePPS }

func (s *State) refill(now int64) {
	if s.ratePPS <= 0 {
		s.tokens = MaxTokens
		s.lastFed = now
		return
	}
	elapsed := now - s.lastFed
	if elapsed <= 0 {
		return
	}
	s.tokens += float64(elapsed) * s.ratePPS / 1e9
	if s.tokens > MaxTokens {
		s.tokens = MaxTokens
	}
	s.lastFed = now
}

// Tick runs one worker iteration of the generator: self-disarms at its
// deadline, refills tokens, builds and returns up to MaxTokens buffers for
// the worker to burst-transmit. caps is the egress port's capability
// record, deciding whether checksums are left to hardware. Unsent buffers
// must be freed by the caller and the caller must report the count
// actually sent via ReportSent so the token count stays accurate.
func (s *State) Tick(pool *buffer.Pool, caps ipv4.Caps) []*buffer.Buffer {
	if !s.armed {
		return nil
	}
	now := s.clock.Now()
	if s.deadline != 0 && now >= s.deadline {
		s.armed = false
		return nil
	}
	s.refill(now)

	want := int(s.tokens)
	if want > MaxTokens {
		want = MaxTokens
	}
	if want <= 0 {
		return nil
	}

	out := make([]*buffer.Buffer, 0, want)
	for i := 0; i < want; i++ {
		buf, ok := pool.Get()
		if !ok {
			s.droppTotal++
			break
		}
		if err := s.buildICMPEcho(buf, caps); err != nil {
			pool.Put(buf)
			s.droppTotal++
			break
		}
		out = append(out, buf)
		s.sequence++
	}
	return out
}

// ReportSent decrements the token count by the number of buffers the
// worker actually transmitted this tick; unsent buffers cost nothing.
func (s *State) ReportSent(n int) {
	s.tokens -= float64(n)
	if s.tokens < 0 {
		s.tokens = 0
	}
	s.sentTotal += uint64(n) //nolint:gosec // n bounded by MaxTokens
}

// Counters exposes the generator's running totals for telemetry.
func (s *State) Counters() (sent, dropped uint64) { return s.sentTotal, s.droppTotal }

func (s *State) buildICMPEcho(buf *buffer.Buffer, caps ipv4.Caps) error {
	msg := wire.ICMPEcho{Type: wire.ICMPTypeEchoRequest, ID: s.icmpID, Sequence: s.sequence, Payload: s.payload}
	scratch := make([]byte, wire.ICMPHeaderSize+len(s.payload))
	n, err := msg.Build(scratch)
	if err != nil {
		return err
	}
	if err := buf.Append(scratch[:n]); err != nil {
		return err
	}
	if err := ipv4.BuildOutbound(buf, s.srcIP, s.dstIP, 64, wire.ProtoICMP, s.ids.Next(), false, caps); err != nil {
		return err
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		return err
	}
	hdr := wire.EthernetHeader{Dst: s.dstMAC, Src: s.localMAC, Type: wire.EtherTypeIPv4}
	if err := hdr.Marshal(ethBytes); err != nil {
		return err
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return nil
}
