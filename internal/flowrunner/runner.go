// Package flowrunner drives the configured HTTP(S) flows on top of the
// TCP engine: it opens connections at the profile's target rate, sends
// one HTTP/1.1 request per connection once established, parses the
// response through internal/http1, and closes the connection when the
// response completes. TLS flows interpose internal/tlsengine between the
// TCP payload stream and the HTTP bytes. One Runner is owned by one
// worker and shares that worker's TCB store, port pool, and FSM engine;
// it never blocks a tick — TLS I/O happens on the session's own pump
// goroutines and is drained here non-blocking.
package flowrunner

import (
	"crypto/tls"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/http1"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/tlsengine"
	"github.com/jroosing/packetforge/internal/wire"
)

// maxOpensPerTick caps how many new connections one tick may initiate,
// the same burst budget the TX generator applies to its packets.
const maxOpensPerTick = 32

// maxSegsPerConnTick bounds how many data segments one connection may
// emit per tick, keeping a single fat response from starving the rest of
// the loop.
const maxSegsPerConnTick = 8

// Stats are the runner's running totals, read racily by telemetry.
type Stats struct {
	Opened      uint64
	Established uint64
	Completed   uint64
	ParseErrors uint64
	OpenFailed  uint64
}

type conn struct {
	t     *tcb.TCB
	tuple tcb.Tuple

	parser *http1.ConnState
	sess   *tlsengine.Session

	txPending []byte
	reqSent   bool
	done      bool
	closing   bool
}

// Runner owns one worker's flow-driving state. All fields are touched
// only from the owning worker's tick, matching the single-writer model
// every other per-worker substructure follows.
type Runner struct {
	clock  *timing.Clock
	engine *fsm.Engine
	tcbs   *tcb.Store
	ports  *portpool.Pool

	// TLSConf, when non-nil, is applied to every connection of a profile
	// with EnableTLS set. Built once at startup from the config's cert
	// material (internal/tlsengine.ClientConfig).
	TLSConf *tls.Config

	profile  Profile
	armed    bool
	deadline int64

	tokens  float64
	lastFed int64
	nextSrc uint32

	conns []*conn
	stats Stats
}

// New builds a disarmed Runner sharing the owning worker's engine, TCB
// store, and ephemeral port pool.
func New(clock *timing.Clock, engine *fsm.Engine, tcbs *tcb.Store, ports *portpool.Pool) *Runner {
	return &Runner{clock: clock, engine: engine, tcbs: tcbs, ports: ports}
}

// Configure installs a new profile and arms the runner, in response to a
// `set_profile` control command. The profile carries its own rate,
// concurrency cap, and optional duration, so no separate start round-trip
// is needed.
func (r *Runner) Configure(p Profile) {
	r.profile = p
	r.tokens = 0
	r.lastFed = r.clock.Now()
	r.nextSrc = p.SrcIPLo
	r.armed = true
	if p.DurationS > 0 {
		r.deadline = r.clock.Now() + int64(p.DurationS*1e9)
	} else {
		r.deadline = 0
	}
}

// Disarm stops opening new connections; in-flight connections run to
// completion and are reaped as their TCBs free.
func (r *Runner) Disarm() { r.armed = false }

// Armed reports whether the runner is currently opening connections.
func (r *Runner) Armed() bool { return r.armed }

// Active reports whether the runner still has work: it is armed or has
// connections left to drive to completion.
func (r *Runner) Active() bool { return r.armed || len(r.conns) > 0 }

// PortID reports the NIC port the current profile egresses on.
func (r *Runner) PortID() int { return r.profile.PortID }

// Stats returns the runner's running totals.
func (r *Runner) Stats() Stats { return r.stats }

// Tick runs one worker iteration of the flow driver: reap finished
// connections, open new ones up to the rate and concurrency budget, and
// drive every live connection's request/response exchange. It returns
// the segments to burst-transmit this tick; resolve maps the profile's
// destination IP to a MAC the same way the worker's RX path does.
func (r *Runner) Tick(resolve func(ip uint32) (wire.MAC, bool)) []*buffer.Buffer {
	now := r.clock.Now()
	if r.armed && r.deadline != 0 && now >= r.deadline {
		r.armed = false
	}

	r.reap()

	var out []*buffer.Buffer
	mac, resolved := resolve(r.profile.DstIP)

	if r.armed && resolved {
		r.refill(now)
		budget := maxOpensPerTick
		for r.tokens >= 1 && budget > 0 && uint32(len(r.conns)) < r.maxConcurrent() { //nolint:gosec // len bounded by MaxConcurrent
			seg, c, err := r.open(mac)
			if err != nil {
				r.stats.OpenFailed++
				break
			}
			r.tokens--
			budget--
			r.conns = append(r.conns, c)
			out = append(out, seg)
		}
	}

	if resolved {
		for _, c := range r.conns {
			out = append(out, r.drive(c, mac)...)
		}
	}
	return out
}

func (r *Runner) maxConcurrent() uint32 {
	if r.profile.MaxConcurrent == 0 {
		return 1
	}
	return r.profile.MaxConcurrent
}

func (r *Runner) refill(now int64) {
	if r.profile.TargetCPS <= 0 {
		r.tokens = maxOpensPerTick
		r.lastFed = now
		return
	}
	elapsed := now - r.lastFed
	if elapsed <= 0 {
		return
	}
	r.tokens += float64(elapsed) * r.profile.TargetCPS / 1e9
	if r.tokens > maxOpensPerTick {
		r.tokens = maxOpensPerTick
	}
	r.lastFed = now
}

// nextSrcIP cycles through the profile's configured source range.
func (r *Runner) nextSrcIP() uint32 {
	ip := r.nextSrc
	if r.nextSrc >= r.profile.SrcIPHi {
		r.nextSrc = r.profile.SrcIPLo
	} else {
		r.nextSrc++
	}
	return ip
}

// open allocates an ephemeral port and a TCB, binds the L7 pipeline to
// the TCB's data callback, and emits the SYN.
func (r *Runner) open(mac wire.MAC) (*buffer.Buffer, *conn, error) {
	srcIP := r.nextSrcIP()
	srcPort, err := r.ports.Allocate(srcIP)
	if err != nil {
		return nil, nil, err
	}
	tuple := tcb.Tuple{SrcIP: srcIP, SrcPort: srcPort, DstIP: r.profile.DstIP, DstPort: r.profile.DstPort}
	t, err := r.tcbs.Alloc(tuple)
	if err != nil {
		r.ports.Free(srcIP, srcPort, r.clock.Now())
		return nil, nil, err
	}

	c := &conn{t: t, tuple: tuple}
	c.parser = http1.NewConn(func(http1.Response) {
		c.done = true
		r.stats.Completed++
	})

	if r.profile.EnableTLS && r.TLSConf != nil {
		c.sess = tlsengine.NewClient(r.TLSConf)
		t.L7Context = func(b []byte) { c.sess.DeliverCiphertext(b) }
	} else {
		t.L7Context = func(b []byte) {
			if ferr := c.parser.Feed(b); ferr != nil {
				r.stats.ParseErrors++
				c.done = true
			}
		}
	}

	seg, err := r.engine.ActiveOpen(t, mac)
	if err != nil {
		r.ports.Free(srcIP, srcPort, r.clock.Now())
		r.tcbs.Free(t)
		return nil, nil, err
	}
	r.stats.Opened++
	return seg, c, nil
}

// drive advances one connection: send the request once established,
// shuttle TLS ciphertext/plaintext, flush pending bytes into TCP
// segments, and initiate close once the response has completed.
func (r *Runner) drive(c *conn, mac wire.MAC) []*buffer.Buffer {
	var out []*buffer.Buffer

	switch c.t.State {
	case tcb.StateEstablished, tcb.StateCloseWait:
	default:
		return nil
	}

	if !c.reqSent {
		if r.sendRequest(c) {
			c.reqSent = true
			c.parser.ExpectResponse()
			r.stats.Established++
		}
	}

	if c.sess != nil {
		r.pumpTLS(c)
	}

	for i := 0; i < maxSegsPerConnTick && len(c.txPending) > 0; i++ {
		n, seg, err := r.engine.Send(c.t, c.txPending, mac)
		if err != nil || n == 0 {
			break
		}
		out = append(out, seg)
		c.txPending = c.txPending[n:]
	}

	// A peer-initiated close (close-wait) ends the exchange whether or
	// not a full response ever arrived; anything still queued for
	// transmission is abandoned so the close below can proceed.
	if c.t.State == tcb.StateCloseWait {
		c.done = true
		c.txPending = nil
	}

	if c.done && !c.closing && len(c.txPending) == 0 {
		if seg, err := r.engine.Close(c.t, mac); err == nil && seg != nil {
			out = append(out, seg)
		}
		c.closing = true
		if c.sess != nil {
			_ = c.sess.Close()
		}
	}
	return out
}

// sendRequest queues the HTTP request bytes for transmission, reporting
// whether the request is now on its way (for TLS, the handshake must
// finish first; until then the tick retries).
func (r *Runner) sendRequest(c *conn) bool {
	spec := http1.RequestSpec{
		Method: "GET",
		URL:    r.urlOrDefault(),
		Host:   r.profile.Host,
	}
	if r.profile.BodyLen > 0 {
		spec.Method = "POST"
		spec.Body = make([]byte, r.profile.BodyLen)
		for i := range spec.Body {
			spec.Body[i] = 'x'
		}
	}
	var hdr [http1.MaxHeaderSize]byte
	n, err := http1.BuildRequest(hdr[:], spec)
	if err != nil {
		r.stats.ParseErrors++
		c.done = true
		return false
	}
	req := hdr[:n]

	if c.sess == nil {
		c.txPending = append(c.txPending, req...)
		return true
	}

	done, herr := c.sess.HandshakeDone()
	if !done {
		return false
	}
	if herr != nil {
		c.done = true
		return false
	}
	// WritePlaintext may block inside crypto/tls; keep it off the tick.
	go func(s *tlsengine.Session, b []byte) { _, _ = s.WritePlaintext(b) }(c.sess, req)
	return true
}

func (r *Runner) urlOrDefault() string {
	if r.profile.URL == "" {
		return "/"
	}
	return r.profile.URL
}

// pumpTLS drains the session's pump channels without blocking: outbound
// ciphertext joins txPending for the TCP send path, inbound plaintext
// feeds the HTTP parser.
func (r *Runner) pumpTLS(c *conn) {
outbox:
	for {
		select {
		case b, ok := <-c.sess.Outbox():
			if !ok {
				break outbox
			}
			c.txPending = append(c.txPending, b...)
		default:
			break outbox
		}
	}
	for {
		select {
		case b, ok := <-c.sess.Plaintext():
			if !ok {
				return
			}
			if err := c.parser.Feed(b); err != nil {
				r.stats.ParseErrors++
				c.done = true
			}
		default:
			return
		}
	}
}

// reap drops connections whose TCB has been freed out from under them by
// the worker's RX path or timer sweep (RST, last-ack, TIME_WAIT expiry).
// A freed slot may have been re-allocated to a different tuple already,
// so both the in-use flag and the tuple are checked.
func (r *Runner) reap() {
	live := r.conns[:0]
	for _, c := range r.conns {
		if c.t.InUse && c.t.Tuple == c.tuple {
			live = append(live, c)
			continue
		}
		if c.sess != nil {
			_ = c.sess.Close()
		}
	}
	r.conns = live
}
