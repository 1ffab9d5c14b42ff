// Package arp implements the per-port ARP cache: resolution state machine,
// bounded hold queue for buffers awaiting resolution, and the probe/expire
// aging pass run once per management tick.
package arp

import (
	"sync"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

// State is an ARP cache entry's resolution state.
type State int

const (
	StateFree State = iota
	StatePending
	StateResolved
	StateStale
	StateFailed
)

// MaxHold is the maximum number of buffers an entry can hold while pending.
const MaxHold = 8

// resolvedTTL is how long a RESOLVED entry stays fresh before aging begins.
const resolvedTTL = 300 // seconds, as ticks via clock.FromDuration

// refreshWindow is how close to expiry a RESOLVED entry downgrades to STALE.
const refreshWindow = 30 // seconds

const maxFailCount = 2

// Entry is one cached (IP -> MAC) resolution.
type Entry struct {
	IP        uint32
	MAC       wire.MAC
	State     State
	ExpireTSC int64
	FailCount int
	Hold      []*buffer.Buffer
}

// Cache is a single port's ARP table: a hash from IP to Entry guarded by a
// reader/writer lock, the port's local identity, and a token bucket
// limiting outgoing requests to 1000/s.
type Cache struct {
	mu       sync.RWMutex
	entries  map[uint32]*Entry
	localIP  uint32
	localMAC wire.MAC
	clock    *timing.Clock
	bucket   *bucket
}

// NewCache creates an empty cache for a port with the given local identity.
func NewCache(localIP uint32, localMAC wire.MAC, clock *timing.Clock) *Cache {
	return &Cache{
		entries:  make(map[uint32]*Entry),
		localIP:  localIP,
		localMAC: localMAC,
		clock:    clock,
		bucket:   newBucket(1000, clock),
	}
}

// Lookup returns the cached MAC for ip iff the entry is RESOLVED.
func (c *Cache) Lookup(ip uint32) (wire.MAC, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ip]
	if !ok || e.State != StateResolved {
		return wire.MAC{}, false
	}
	return e.MAC, true
}

// Request inserts a PENDING entry for ip if none exists yet, and returns the
// broadcast ARP request packet to send along with whether the port's
// outgoing-request rate limit allowed it. A nil entry insert with !sent
// means the request was not admitted this call; the caller should not
// retry within the same tick.
func (c *Cache) Request(ip uint32) (wire.ARPPacket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[ip]; !exists {
		c.entries[ip] = &Entry{IP: ip, State: StatePending}
	}
	if !c.bucket.allow() {
		return wire.ARPPacket{}, false
	}
	return wire.ARPPacket{
		Opcode:    wire.ARPOpRequest,
		SenderMAC: c.localMAC,
		SenderIP:  c.localIP,
		TargetMAC: wire.MAC{},
		TargetIP:  ip,
	}, true
}

// Hold appends buf to the hold queue of the PENDING (or STALE/being-
// reresolved) entry for ip, returning false if the entry does not exist or
// the hold queue is already at MaxHold.
func (c *Cache) Hold(ip uint32, buf *buffer.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || e.State == StateResolved || e.State == StateFailed {
		return false
	}
	if len(e.Hold) >= MaxHold {
		return false
	}
	buf.SetOwner(buffer.OwnerHoldQueue)
	e.Hold = append(e.Hold, buf)
	return true
}

// HandleReply processes an incoming ARP reply: if a PENDING entry exists
// for the sender IP, it is resolved and its held buffers are returned for
// the caller to flush to TX.
func (c *Cache) HandleReply(pkt wire.ARPPacket) []*buffer.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pkt.SenderIP]
	if !ok || e.State == StateResolved {
		return nil
	}
	e.MAC = pkt.SenderMAC
	e.State = StateResolved
	e.FailCount = 0
	e.ExpireTSC = c.clock.Now() + c.clock.FromDuration(resolvedTTL*secondTicks)
	held := e.Hold
	e.Hold = nil
	for _, b := range held {
		b.SetOwner(buffer.OwnerTXQueue)
	}
	return held
}

// HandleRequest processes an incoming ARP request targeting this port's
// local IP and returns the reply packet to enqueue to TX, or ok=false if
// the request was not for us.
func (c *Cache) HandleRequest(pkt wire.ARPPacket) (wire.ARPPacket, bool) {
	if pkt.Opcode != wire.ARPOpRequest || pkt.TargetIP != c.localIP {
		return wire.ARPPacket{}, false
	}
	return wire.ARPPacket{
		Opcode:    wire.ARPOpReply,
		SenderMAC: c.localMAC,
		SenderIP:  c.localIP,
		TargetMAC: pkt.SenderMAC,
		TargetIP:  pkt.SenderIP,
	}, true
}

// Age runs the per-tick probe/expire pass: RESOLVED entries nearing expiry
// downgrade to STALE and are re-probed; entries past expiry increment
// FailCount and become FAILED after two failures. It returns the probe
// packets to send this tick (subject to the same rate limit as Request).
func (c *Cache) Age(now int64) []wire.ARPPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var probes []wire.ARPPacket
	refreshTicks := c.clock.FromDuration(refreshWindow * secondTicks)
	for ip, e := range c.entries {
		switch e.State {
		case StateResolved:
			if e.ExpireTSC-now <= refreshTicks && e.ExpireTSC > now {
				e.State = StateStale
				if c.bucket.allow() {
					probes = append(probes, wire.ARPPacket{
						Opcode: wire.ARPOpRequest, SenderMAC: c.localMAC, SenderIP: c.localIP, TargetIP: ip,
					})
				}
			}
		case StateStale, StatePending:
			if e.ExpireTSC != 0 && now >= e.ExpireTSC {
				e.FailCount++
				if e.FailCount >= maxFailCount {
					e.State = StateFailed
				} else if c.bucket.allow() {
					probes = append(probes, wire.ARPPacket{
						Opcode: wire.ARPOpRequest, SenderMAC: c.localMAC, SenderIP: c.localIP, TargetIP: ip,
					})
				}
			}
		}
	}
	return probes
}

// secondTicks is one second in nanoseconds, the unit timing.Clock ticks in.
// It is an untyped constant, so resolvedTTL*secondTicks converts to a
// time.Duration at the call sites above without this file importing time.
const secondTicks = 1_000_000_000
