package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/tcp/options"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	pool, err := buffer.NewPool(0, buffer.Config{RXDescriptors: 64, TXDescriptors: 64, PipelineDepth: 8, QueuesPerWorker: 1})
	require.NoError(t, err)
	return &Engine{
		Pool:     pool,
		LocalMAC: wire.MAC{0x02, 0, 0, 0, 0, 1},
		Clock:    timing.Calibrate(),
		PRNG:     timing.NewPRNG(12345),
	}
}

func parseSeg(t *testing.T, buf *buffer.Buffer, srcIP, dstIP uint32) SegIn {
	t.Helper()
	off := wire.EthernetHeaderSize
	raw := buf.Bytes()[off:]
	ipOff := 0
	ih, err := wire.ParseIPv4Header(raw, &ipOff, false)
	require.NoError(t, err)
	h, optsRaw, payload, err := wire.ParseTCP(raw[ipOff:], ih.Src, ih.Dst, false)
	require.NoError(t, err)
	opts, err := options.Parse(optsRaw)
	require.NoError(t, err)
	_ = srcIP
	_ = dstIP
	return SegIn{Header: h, Options: opts, Payload: payload}
}

func TestThreeWayHandshakeReachesEstablished(t *testing.T) {
	client := newEngine(t)
	server := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}

	ct := &tcb.TCB{Tuple: tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80}, InUse: true}
	synBuf, err := client.ActiveOpen(ct, dstMAC)
	require.NoError(t, err)
	assert.Equal(t, tcb.StateSynSent, ct.State)

	synSeg := parseSeg(t, synBuf, 1, 2)

	st := &tcb.TCB{Tuple: tcb.Tuple{SrcIP: 2, SrcPort: 80, DstIP: 1, DstPort: 10000}, InUse: true}
	synAckBuf, err := server.PassiveOpen(st, synSeg, dstMAC)
	require.NoError(t, err)
	assert.Equal(t, tcb.StateSynReceived, st.State)

	synAckSeg := parseSeg(t, synAckBuf, 2, 1)
	outs, closed, err := client.Input(ct, synAckSeg, dstMAC)
	require.NoError(t, err)
	require.False(t, closed)
	require.Len(t, outs, 1)
	assert.Equal(t, tcb.StateEstablished, ct.State)

	ackSeg := parseSeg(t, outs[0], 1, 2)
	_, closed, err = server.Input(st, ackSeg, dstMAC)
	require.NoError(t, err)
	require.False(t, closed)
	assert.Equal(t, tcb.StateEstablished, st.State)
}

func TestThreeDupAcksEntersFastRecovery(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	ct := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80},
		State: tcb.StateEstablished, InUse: true,
		SndUna: 100, SndNxt: 2000, MSSRemote: 1460, Cwnd: 20000, SndWnd: 65535,
	}
	dup := SegIn{Header: wire.TCPHeader{Ack: 100, Window: 65535, Flags: wire.FlagACK}}
	for i := 0; i < 2; i++ {
		_, _, err := e.Input(ct, dup, dstMAC)
		require.NoError(t, err)
	}
	assert.False(t, ct.InFastRecover)
	_, _, err := e.Input(ct, dup, dstMAC)
	require.NoError(t, err)
	assert.True(t, ct.InFastRecover)
	assert.GreaterOrEqual(t, ct.Ssthresh, uint32(2*1460))
	assert.Equal(t, ct.Ssthresh+3*1460, ct.Cwnd)
}

func TestNewACKDuringFastRecoveryRestoresSsthresh(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	ct := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80},
		State: tcb.StateEstablished, InUse: true,
		SndUna: 100, SndNxt: 4100, MSSRemote: 1000, Cwnd: 8000, SndWnd: 65535,
	}
	dup := SegIn{Header: wire.TCPHeader{Ack: 100, Window: 65535, Flags: wire.FlagACK}}
	for i := 0; i < 3; i++ {
		_, _, err := e.Input(ct, dup, dstMAC)
		require.NoError(t, err)
	}
	require.True(t, ct.InFastRecover)
	ssthresh := ct.Ssthresh

	recovery := SegIn{Header: wire.TCPHeader{Ack: 1100, Window: 65535, Flags: wire.FlagACK}}
	_, _, err := e.Input(ct, recovery, dstMAC)
	require.NoError(t, err)
	assert.False(t, ct.InFastRecover)
	assert.Equal(t, ssthresh, ct.Cwnd)
}

func TestInOrderACKAcceptedAcrossSequenceWrap(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	ct := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80},
		State: tcb.StateEstablished, InUse: true,
		SndUna: 0xFFFFFF00, SndNxt: 0x00000100, MSSRemote: 1460, Cwnd: 20000, SndWnd: 65535,
	}
	ack := SegIn{Header: wire.TCPHeader{Ack: 0x00000050, Window: 65535, Flags: wire.FlagACK}}
	_, _, err := e.Input(ct, ack, dstMAC)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00000050), ct.SndUna)
	assert.Zero(t, ct.DupAckCount)
}

func TestRTOBacksOffAndCapsRetransmitCount(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	ct := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80},
		State: tcb.StateSynSent, InUse: true, RTOUs: initialRTOUs,
		SndUna: 1, SndNxt: 2, MSSRemote: 1460,
	}
	prevRTO := ct.RTOUs
	_, closed, err := e.HandleRTO(ct, dstMAC)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, prevRTO*2, ct.RTOUs)

	ct.RetransmitCount = maxRetransmits
	_, closed, err = e.HandleRTO(ct, dstMAC)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestDataSetsPendingAckAndFlushAfterWindow(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	st := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 2, SrcPort: 80, DstIP: 1, DstPort: 10000},
		State: tcb.StateEstablished, InUse: true,
		RcvNxt: 500, SndNxt: 900, SndUna: 900, RcvWnd: 65535 << 7,
	}
	seg := SegIn{Header: wire.TCPHeader{Seq: 500, Ack: 900, Flags: wire.FlagACK}, Payload: []byte("hello")}
	_, closed, err := e.Input(st, seg, dstMAC)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.True(t, st.PendingAck)
	assert.Equal(t, uint32(505), st.RcvNxt)

	buf, err := e.FlushDelayedAck(st, dstMAC, st.DelayedAckTSC-1)
	require.NoError(t, err)
	assert.Nil(t, buf)

	buf, err = e.FlushDelayedAck(st, dstMAC, st.DelayedAckTSC)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.False(t, st.PendingAck)
}

func TestCloseWaitThenLastAckFreesOnFinalAck(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	st := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 2, SrcPort: 80, DstIP: 1, DstPort: 10000},
		State: tcb.StateEstablished, InUse: true,
		RcvNxt: 500, SndNxt: 900, SndUna: 900,
	}
	fin := SegIn{Header: wire.TCPHeader{Seq: 500, Ack: 900, Flags: wire.FlagFIN | wire.FlagACK}}
	outs, closed, err := e.Input(st, fin, dstMAC)
	require.NoError(t, err)
	require.False(t, closed)
	require.Len(t, outs, 1)
	assert.Equal(t, tcb.StateCloseWait, st.State)

	_, err = e.Close(st, dstMAC)
	require.NoError(t, err)
	assert.Equal(t, tcb.StateLastAck, st.State)

	finalAck := SegIn{Header: wire.TCPHeader{Ack: st.SndNxt, Flags: wire.FlagACK}}
	_, closed, err = e.Input(st, finalAck, dstMAC)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestRetransmittedFINDoesNotAdvanceRcvNxtAgain(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	st := &tcb.TCB{
		Tuple: tcb.Tuple{SrcIP: 2, SrcPort: 80, DstIP: 1, DstPort: 10000},
		State: tcb.StateEstablished, InUse: true,
		RcvNxt: 500, SndNxt: 900, SndUna: 900,
	}
	fin := SegIn{Header: wire.TCPHeader{Seq: 500, Ack: 900, Flags: wire.FlagFIN | wire.FlagACK}}
	outs, closed, err := e.Input(st, fin, dstMAC)
	require.NoError(t, err)
	require.False(t, closed)
	require.Len(t, outs, 1)
	require.Equal(t, tcb.StateCloseWait, st.State)
	require.Equal(t, uint32(501), st.RcvNxt)

	// The peer never saw our ACK and retransmits the same FIN: it must be
	// re-ACKed without consuming another sequence number or re-running the
	// transition.
	outs, closed, err = e.Input(st, fin, dstMAC)
	require.NoError(t, err)
	require.False(t, closed)
	require.Len(t, outs, 1)
	assert.Equal(t, tcb.StateCloseWait, st.State)
	assert.Equal(t, uint32(501), st.RcvNxt)

	ackSeg := parseSeg(t, outs[0], 2, 1)
	assert.Equal(t, uint32(501), ackSeg.Header.Ack)
}

func TestRSTInAnyStateClosesWithoutReply(t *testing.T) {
	e := newEngine(t)
	dstMAC := wire.MAC{0x02, 0, 0, 0, 0, 2}
	ct := &tcb.TCB{State: tcb.StateEstablished, InUse: true}
	outs, closed, err := e.Input(ct, SegIn{Header: wire.TCPHeader{Flags: wire.FlagRST}}, dstMAC)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Nil(t, outs)
}

func TestTimeWaitExpiresAfterFourSeconds(t *testing.T) {
	e := newEngine(t)
	ct := &tcb.TCB{State: tcb.StateTimeWait, TimeWaitDeadlineTSC: e.Clock.Now() + int64(4*time.Second)}
	assert.False(t, e.CheckTimeWaitExpired(ct, e.Clock.Now()))
	assert.True(t, e.CheckTimeWaitExpired(ct, ct.TimeWaitDeadlineTSC))
}
