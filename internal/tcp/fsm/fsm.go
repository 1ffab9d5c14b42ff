// Package fsm implements the TCP engine's RFC 793 state machine, New-Reno
// congestion control, RFC 6298 RTO, delayed ACK, and segment emission
// over raw Ethernet/IPv4 frames. One Engine is shared by every TCB a worker owns; each call
// operates on a caller-supplied *tcb.TCB.
package fsm

import (
	"errors"
	"time"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/ipv4"
	"github.com/jroosing/packetforge/internal/nic"
	"github.com/jroosing/packetforge/internal/tcp/options"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

const (
	localMSS       = 1460
	localWScale    = 7
	maxCwnd        = 64 * 1024 * 1024
	delayedAckWin  = 40 * time.Millisecond
	timeWaitWin    = 4 * time.Second
	initialRTOUs   = 1_000_000
	minRTOUs       = 200_000
	maxRTOUs       = 60_000_000
	maxRetransmits = 15
	ttl            = 64
)

// ErrNotEstablished is returned by Send when the TCB is not in the
// established state.
var ErrNotEstablished = errors.New("fsm: connection not established")

// ErrNoBuffer is returned when the worker's buffer pool is exhausted.
var ErrNoBuffer = errors.New("fsm: no free buffer")

// SegIn is a parsed inbound TCP segment: header, options, and payload.
type SegIn struct {
	Header  wire.TCPHeader
	Options options.Options
	Payload []byte
}

// Engine builds and parses TCP segments for TCBs owned by one worker.
type Engine struct {
	Pool     *buffer.Pool
	LocalMAC wire.MAC
	Clock    *timing.Clock
	PRNG     *timing.PRNG

	// Caps is the probed capability record of the ports this worker
	// drives (nic.Port.Capabilities()); the zero value takes the
	// software-checksum path for every segment.
	Caps nic.Caps

	ids ipv4.IDCounter
}

func (e *Engine) nowUs() int64 { return e.Clock.Now() / 1000 }

func (e *Engine) generateISN() uint32 { return uint32(e.PRNG.Next()) } //nolint:gosec // ISN is intentionally truncated

func signedDelta(a, b uint32) int32 { return int32(a - b) } //nolint:gosec // intentional wraparound comparator

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// PassiveOpen handles a SYN on an unknown 4-tuple: t must already be
// freshly Alloc'd with its Tuple set. It populates negotiated options,
// picks an ISN, arms RTO, and returns the SYN+ACK segment to transmit.
func (e *Engine) PassiveOpen(t *tcb.TCB, syn SegIn, dstMAC wire.MAC) (*buffer.Buffer, error) {
	t.RcvNxt = syn.Header.Seq + 1
	isn := e.generateISN()
	t.SndUna = isn
	t.SndNxt = isn

	t.MSSRemote = syn.Options.MSS
	if !syn.Options.HasMSS {
		t.MSSRemote = options.DefaultMSS
	}
	t.WScaleRemote = syn.Options.WScale
	t.SACKEnabled = syn.Options.SACKPermitted
	t.TSEnabled = syn.Options.HasTimestamp
	t.LastTSEcr = syn.Options.TSVal
	// The SYN's window is never scaled (RFC 1323 §2.2).
	t.SndWnd = uint32(syn.Header.Window)

	t.MSSLocal = localMSS
	t.WScaleLocal = localWScale
	t.RcvWnd = uint32(65535) << localWScale
	t.Cwnd = 10 * uint32(t.MSSRemote)
	t.Ssthresh = maxCwnd
	t.State = tcb.StateSynReceived
	t.ActiveOpen = false
	e.armRTO(t)

	opts := options.Options{MSS: localMSS, HasMSS: true, WScale: localWScale, HasWScale: true, SACKPermitted: t.SACKEnabled}
	if t.TSEnabled {
		opts.HasTimestamp = true
		opts.TSVal = uint32(e.nowUs()) //nolint:gosec // timestamp option wraps, matching RFC 1323
		opts.TSEcr = syn.Options.TSVal
	}

	seg, err := e.buildSegment(t, dstMAC, wire.FlagSYN|wire.FlagACK, nil, opts)
	if err != nil {
		return nil, err
	}
	t.SndNxt++ // SYN consumes one sequence number
	return seg, nil
}

// ActiveOpen sends a SYN for a TCB whose Tuple and ports are already
// populated by the caller, entering syn-sent.
func (e *Engine) ActiveOpen(t *tcb.TCB, dstMAC wire.MAC) (*buffer.Buffer, error) {
	isn := e.generateISN()
	t.SndUna = isn
	t.SndNxt = isn
	t.MSSLocal = localMSS
	t.WScaleLocal = localWScale
	t.RcvWnd = uint32(65535) << localWScale
	t.TSEnabled = true
	t.SACKEnabled = true
	t.State = tcb.StateSynSent
	t.ActiveOpen = true
	e.armRTO(t)

	opts := options.Options{
		MSS: localMSS, HasMSS: true,
		WScale: localWScale, HasWScale: true,
		SACKPermitted: true,
		HasTimestamp:  true,
		TSVal:         uint32(e.nowUs()), //nolint:gosec // timestamp option wraps, matching RFC 1323
	}
	seg, err := e.buildSegment(t, dstMAC, wire.FlagSYN, nil, opts)
	if err != nil {
		return nil, err
	}
	t.SndNxt++
	return seg, nil
}

// Input processes an inbound segment against t's current state. It returns
// any segments to transmit in reply and whether the TCB should now be
// freed by the caller (which also returns its ephemeral port to the pool).
func (e *Engine) Input(t *tcb.TCB, seg SegIn, dstMAC wire.MAC) ([]*buffer.Buffer, bool, error) {
	if seg.Header.Flags&wire.FlagRST != 0 {
		return nil, true, nil
	}

	switch t.State {
	case tcb.StateSynSent:
		return e.inputSynSent(t, seg, dstMAC)
	case tcb.StateSynReceived:
		return e.inputSynReceived(t, seg)
	case tcb.StateEstablished, tcb.StateFinWait1, tcb.StateFinWait2, tcb.StateCloseWait, tcb.StateClosing:
		return e.inputActive(t, seg, dstMAC)
	case tcb.StateLastAck:
		if seg.Header.Flags&wire.FlagACK != 0 && seg.Header.Ack == t.SndNxt {
			return nil, true, nil
		}
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

func (e *Engine) inputSynSent(t *tcb.TCB, seg SegIn, dstMAC wire.MAC) ([]*buffer.Buffer, bool, error) {
	if seg.Header.Flags&(wire.FlagSYN|wire.FlagACK) == (wire.FlagSYN|wire.FlagACK) && seg.Header.Ack == t.SndNxt {
		t.MSSRemote = seg.Options.MSS
		if !seg.Options.HasMSS {
			t.MSSRemote = options.DefaultMSS
		}
		t.WScaleRemote = seg.Options.WScale
		t.TSEnabled = t.TSEnabled && seg.Options.HasTimestamp
		t.SACKEnabled = t.SACKEnabled && seg.Options.SACKPermitted
		t.LastTSEcr = seg.Options.TSVal
		t.RcvNxt = seg.Header.Seq + 1
		t.SndUna = seg.Header.Ack
		// The SYN+ACK's window is never scaled (RFC 1323 §2.2).
		t.SndWnd = uint32(seg.Header.Window)
		t.RetransmitCount = 0
		t.RTODeadlineTSC = 0
		t.Cwnd = 10 * uint32(t.MSSRemote)
		t.Ssthresh = maxCwnd
		t.State = tcb.StateEstablished

		ack, err := e.buildSegment(t, dstMAC, wire.FlagACK, nil, e.ackOptions(t))
		if err != nil {
			return nil, false, err
		}
		return []*buffer.Buffer{ack}, false, nil
	}
	rst, err := e.buildRST(t, dstMAC)
	if err != nil {
		return nil, true, err
	}
	return []*buffer.Buffer{rst}, true, nil
}

func (e *Engine) inputSynReceived(t *tcb.TCB, seg SegIn) ([]*buffer.Buffer, bool, error) {
	if seg.Header.Flags&wire.FlagACK != 0 && seg.Header.Ack == t.SndNxt {
		t.RetransmitCount = 0
		t.RTODeadlineTSC = 0
		t.SndWnd = uint32(seg.Header.Window) << t.WScaleRemote
		t.State = tcb.StateEstablished
	}
	return nil, false, nil
}

func (e *Engine) inputActive(t *tcb.TCB, seg SegIn, dstMAC wire.MAC) ([]*buffer.Buffer, bool, error) {
	var out []*buffer.Buffer

	// 1. ACK handling.
	if signedDelta(seg.Header.Ack, t.SndUna) > 0 {
		acked := seg.Header.Ack - t.SndUna
		t.SndUna = seg.Header.Ack
		t.DupAckCount = 0
		e.onNewACK(t, acked)
		if t.SndUna == t.SndNxt {
			t.RTODeadlineTSC = 0
		} else {
			t.RTODeadlineTSC = e.Clock.Deadline(time.Duration(t.RTOUs) * time.Microsecond)
		}
	} else if seg.Header.Ack == t.SndUna {
		t.DupAckCount++
		if t.DupAckCount == 3 {
			e.onThreeDupAcks(t)
		}
	}
	t.SndWnd = uint32(seg.Header.Window) << t.WScaleRemote

	// 2. RTT sample.
	if t.TSEnabled && seg.Options.HasTimestamp && seg.Options.TSEcr != 0 {
		rttUs := e.nowUs() - int64(seg.Options.TSEcr)
		if rttUs > 0 && rttUs < maxRTOUs {
			if t.SRTTUs == 0 {
				t.SRTTUs = rttUs
				t.RTTVarUs = rttUs / 2
			} else {
				t.RTTVarUs = (3*t.RTTVarUs + abs64(t.SRTTUs-rttUs)) / 4
				t.SRTTUs = (7*t.SRTTUs + rttUs) / 8
			}
			t.RTOUs = clampI64(t.SRTTUs+4*t.RTTVarUs, minRTOUs, maxRTOUs)
		}
	}
	if seg.Options.HasTimestamp {
		t.LastTSEcr = seg.Options.TSVal
	}

	// 3. Data.
	if seg.Header.Seq == t.RcvNxt && len(seg.Payload) > 0 {
		t.RcvNxt += uint32(len(seg.Payload)) //nolint:gosec // payload bounded by MTU
		if cb, ok := t.L7Context.(func([]byte)); ok && cb != nil {
			cb(seg.Payload)
		}
		t.PendingAck = true
		t.DelayedAckTSC = e.Clock.Deadline(delayedAckWin)
	}

	// 4. FIN. Consumed only when in order (its sequence number is the
	// octet right after any payload this segment carried); a retransmitted
	// FIN must not advance rcv_nxt a second time, but still earns a fresh
	// ACK so the peer can stop retransmitting.
	if seg.Header.Flags&wire.FlagFIN != 0 {
		if seg.Header.Seq+uint32(len(seg.Payload)) == t.RcvNxt { //nolint:gosec // payload bounded by MTU
			switch t.State {
			case tcb.StateEstablished:
				t.RcvNxt++
				t.State = tcb.StateCloseWait
			case tcb.StateFinWait1, tcb.StateFinWait2:
				t.RcvNxt++
				t.State = tcb.StateTimeWait
				t.TimeWaitDeadlineTSC = e.Clock.Deadline(timeWaitWin)
			case tcb.StateCloseWait, tcb.StateClosing:
				// The FIN was already consumed on a previous segment;
				// nothing to transition.
			}
		}
		t.PendingAck = false
		ack, err := e.buildSegment(t, dstMAC, wire.FlagACK, nil, e.ackOptions(t))
		if err != nil {
			return nil, false, err
		}
		out = append(out, ack)
	}
	return out, false, nil
}

// Close initiates a local close from established or close-wait.
func (e *Engine) Close(t *tcb.TCB, dstMAC wire.MAC) (*buffer.Buffer, error) {
	switch t.State {
	case tcb.StateEstablished:
		t.State = tcb.StateFinWait1
	case tcb.StateCloseWait:
		t.State = tcb.StateLastAck
	default:
		return nil, nil
	}
	seg, err := e.buildSegment(t, dstMAC, wire.FlagFIN|wire.FlagACK, nil, e.ackOptions(t))
	if err != nil {
		return nil, err
	}
	t.SndNxt++
	if t.RTODeadlineTSC == 0 {
		e.armRTO(t)
	}
	return seg, nil
}

// Send emits one data segment: it accepts up to the lesser of the caller's bytes,
// the available congestion/flow window, and the effective MSS.
func (e *Engine) Send(t *tcb.TCB, payload []byte, dstMAC wire.MAC) (int, *buffer.Buffer, error) {
	if t.State != tcb.StateEstablished {
		return 0, nil, ErrNotEstablished
	}
	effectiveWindow := t.Cwnd
	if t.SndWnd < effectiveWindow {
		effectiveWindow = t.SndWnd
	}
	inFlight := uint32(signedDelta(t.SndNxt, t.SndUna))
	var available uint32
	if effectiveWindow > inFlight {
		available = effectiveWindow - inFlight
	}
	effectiveMSS := int(t.MSSRemote)
	if t.TSEnabled {
		effectiveMSS -= 12
	}
	if effectiveMSS < 1 {
		effectiveMSS = 1
	}
	sendLen := len(payload)
	if int(available) < sendLen {
		sendLen = int(available)
	}
	if effectiveMSS < sendLen {
		sendLen = effectiveMSS
	}
	if sendLen <= 0 {
		return 0, nil, nil
	}

	seg, err := e.buildSegment(t, dstMAC, wire.FlagACK|wire.FlagPSH, payload[:sendLen], e.ackOptions(t))
	if err != nil {
		return 0, nil, err
	}
	t.SndNxt += uint32(sendLen) //nolint:gosec // sendLen bounded by effectiveMSS
	if t.RTODeadlineTSC == 0 {
		e.armRTO(t)
	}
	return sendLen, seg, nil
}

// HandleRTO processes an RTO expiry: it returns the retransmit
// segment (if any — only the handshake/close control segments are ever
// retransmitted; in-flight data is not), and whether the TCB must now be
// freed because retransmit_count exceeded 15.
func (e *Engine) HandleRTO(t *tcb.TCB, dstMAC wire.MAC) (*buffer.Buffer, bool, error) {
	t.RetransmitCount++
	if t.RetransmitCount > maxRetransmits {
		rst, err := e.buildRST(t, dstMAC)
		return rst, true, err
	}
	t.RTOUs = clampI64(t.RTOUs*2, minRTOUs, maxRTOUs)
	e.onRTO(t)

	var seg *buffer.Buffer
	var err error
	switch t.State {
	case tcb.StateSynSent:
		seg, err = e.buildSegment(t, dstMAC, wire.FlagSYN, nil,
			options.Options{MSS: localMSS, HasMSS: true, WScale: localWScale, HasWScale: true, SACKPermitted: true})
	case tcb.StateSynReceived:
		seg, err = e.buildSegment(t, dstMAC, wire.FlagSYN|wire.FlagACK, nil,
			options.Options{MSS: localMSS, HasMSS: true, WScale: localWScale, HasWScale: true})
	case tcb.StateFinWait1, tcb.StateClosing, tcb.StateLastAck:
		seg, err = e.buildSegment(t, dstMAC, wire.FlagFIN|wire.FlagACK, nil, e.ackOptions(t))
	}
	if err != nil {
		return nil, false, err
	}
	e.armRTO(t)
	return seg, false, nil
}

// FlushDelayedAck emits an ACK if t has a pending delayed ACK whose
// deadline has passed.
func (e *Engine) FlushDelayedAck(t *tcb.TCB, dstMAC wire.MAC, now int64) (*buffer.Buffer, error) {
	if !t.PendingAck || now < t.DelayedAckTSC {
		return nil, nil
	}
	t.PendingAck = false
	return e.buildSegment(t, dstMAC, wire.FlagACK, nil, e.ackOptions(t))
}

// CheckTimeWaitExpired reports whether a TIME_WAIT TCB's hold-off has
// elapsed, letting the timer scan free it.
func (e *Engine) CheckTimeWaitExpired(t *tcb.TCB, now int64) bool {
	return t.State == tcb.StateTimeWait && t.TimeWaitDeadlineTSC != 0 && now >= t.TimeWaitDeadlineTSC
}

func (e *Engine) armRTO(t *tcb.TCB) {
	if t.RTOUs == 0 {
		t.RTOUs = initialRTOUs
	}
	t.RTODeadlineTSC = e.Clock.Deadline(time.Duration(t.RTOUs) * time.Microsecond)
}

func (e *Engine) ackOptions(t *tcb.TCB) options.Options {
	var o options.Options
	if t.TSEnabled {
		o.HasTimestamp = true
		o.TSVal = uint32(e.nowUs()) //nolint:gosec // timestamp option wraps, matching RFC 1323
		o.TSEcr = t.LastTSEcr
	}
	return o
}

// onNewACK applies New-Reno's window-growth rule to newly-acknowledged
// bytes: slow start below ssthresh, additive increase above it, and an
// immediate deflate to ssthresh when this ACK ends fast recovery.
func (e *Engine) onNewACK(t *tcb.TCB, acked uint32) {
	mss := uint32(t.MSSRemote)
	if mss == 0 {
		mss = options.DefaultMSS
	}
	switch {
	case t.InFastRecover:
		t.Cwnd = t.Ssthresh
		t.InFastRecover = false
	case t.Cwnd < t.Ssthresh:
		inc := acked
		if inc > mss {
			inc = mss
		}
		t.Cwnd += inc
	default:
		inc := mss * mss / t.Cwnd
		if inc < 1 {
			inc = 1
		}
		t.Cwnd += inc
	}
	if t.Cwnd > maxCwnd {
		t.Cwnd = maxCwnd
	}
}

func (e *Engine) reduceForLoss(t *tcb.TCB) uint32 {
	mss := uint32(t.MSSRemote)
	if mss == 0 {
		mss = options.DefaultMSS
	}
	flight := uint32(signedDelta(t.SndNxt, t.SndUna))
	ssthresh := flight / 2
	if twoMSS := 2 * mss; ssthresh < twoMSS {
		ssthresh = twoMSS
	}
	t.Ssthresh = ssthresh
	return mss
}

// onThreeDupAcks enters fast recovery on the third duplicate ACK (RFC 5681).
func (e *Engine) onThreeDupAcks(t *tcb.TCB) {
	mss := e.reduceForLoss(t)
	t.Cwnd = t.Ssthresh + 3*mss
	t.InFastRecover = true
}

// onRTO applies New-Reno's RTO loss response: ssthresh drops to half the
// flight size (at least 2*MSS), cwnd collapses to a single MSS, and fast
// recovery and the duplicate-ACK count are reset.
func (e *Engine) onRTO(t *tcb.TCB) {
	mss := e.reduceForLoss(t)
	t.Cwnd = mss
	t.InFastRecover = false
	t.DupAckCount = 0
}

// buildSegment assembles one outbound TCP/IPv4/Ethernet frame into a fresh
// buffer drawn from the engine's pool.
func (e *Engine) buildSegment(t *tcb.TCB, dstMAC wire.MAC, flags uint8, payload []byte, opts options.Options) (*buffer.Buffer, error) {
	buf, ok := e.Pool.Get()
	if !ok {
		return nil, ErrNoBuffer
	}

	var optBytes []byte
	if flags&wire.FlagSYN != 0 {
		optBytes = options.EncodeSYN(opts)
	} else {
		optBytes = options.EncodeDataAck(opts)
	}

	h := wire.TCPHeader{
		SrcPort: t.Tuple.SrcPort,
		DstPort: t.Tuple.DstPort,
		Seq:     t.SndNxt,
		Window:  uint16(t.RcvWnd >> t.WScaleLocal), //nolint:gosec // window clamped to 16 bits by design
	}
	if flags&wire.FlagACK != 0 {
		h.Ack = t.RcvNxt
	}
	h.Flags = flags

	offload := e.Caps.HasChecksumOffload
	scratch := make([]byte, wire.TCPHeaderSize+len(optBytes)+len(payload))
	n, err := wire.BuildTCP(scratch, t.Tuple.SrcIP, t.Tuple.DstIP, h, optBytes, payload, offload)
	if err != nil {
		e.Pool.Put(buf)
		return nil, err
	}
	if err := buf.Append(scratch[:n]); err != nil {
		e.Pool.Put(buf)
		return nil, err
	}
	if offload {
		buf.AddOffload(buffer.OffloadTCPCksum)
	}
	if err := ipv4.BuildOutbound(buf, t.Tuple.SrcIP, t.Tuple.DstIP, ttl, wire.ProtoTCP, e.ids.Next(), true,
		ipv4.Caps{ChecksumOffload: offload}); err != nil {
		e.Pool.Put(buf)
		return nil, err
	}
	ethBytes, err := buf.Prepend(wire.EthernetHeaderSize)
	if err != nil {
		e.Pool.Put(buf)
		return nil, err
	}
	ethHdr := wire.EthernetHeader{Dst: dstMAC, Src: e.LocalMAC, Type: wire.EtherTypeIPv4}
	if err := ethHdr.Marshal(ethBytes); err != nil {
		e.Pool.Put(buf)
		return nil, err
	}
	buf.SetOwner(buffer.OwnerTXQueue)
	return buf, nil
}

func (e *Engine) buildRST(t *tcb.TCB, dstMAC wire.MAC) (*buffer.Buffer, error) {
	return e.buildSegment(t, dstMAC, wire.FlagRST|wire.FlagACK, nil, options.Options{})
}
