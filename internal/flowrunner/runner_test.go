package flowrunner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/options"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

var (
	localMAC = wire.MAC{0x02, 0, 0, 0, 0, 1}
	peerMAC  = wire.MAC{0x02, 0, 0, 0, 0, 2}
)

func alwaysResolved(uint32) (wire.MAC, bool) { return peerMAC, true }

func newRunner(t *testing.T, capacity int) (*Runner, *tcb.Store) {
	t.Helper()
	pool, err := buffer.NewPool(0, buffer.Config{RXDescriptors: 64, TXDescriptors: 64, PipelineDepth: 8, QueuesPerWorker: 1})
	require.NoError(t, err)
	clock := timing.Calibrate()
	engine := &fsm.Engine{Pool: pool, LocalMAC: localMAC, Clock: clock, PRNG: timing.NewPRNG(7)}
	store := tcb.New(capacity)
	return New(clock, engine, store, portpool.New()), store
}

func parseSeg(t *testing.T, buf *buffer.Buffer) fsm.SegIn {
	t.Helper()
	raw := buf.Bytes()[wire.EthernetHeaderSize:]
	ipOff := 0
	ih, err := wire.ParseIPv4Header(raw, &ipOff, false)
	require.NoError(t, err)
	h, optsRaw, payload, err := wire.ParseTCP(raw[ipOff:], ih.Src, ih.Dst, false)
	require.NoError(t, err)
	opts, err := options.Parse(optsRaw)
	require.NoError(t, err)
	return fsm.SegIn{Header: h, Options: opts, Payload: payload}
}

func testProfile() Profile {
	return Profile{
		DstIP:         0x0a000002,
		DstPort:       80,
		SrcIPLo:       0x0a000001,
		SrcIPHi:       0x0a000001,
		Host:          "example.test",
		URL:           "/",
		MaxConcurrent: 1,
	}
}

// establish feeds the SYN the runner just emitted back as a SYN-ACK so
// the connection's TCB reaches established.
func establish(t *testing.T, r *Runner, store *tcb.Store, syn *buffer.Buffer) *tcb.TCB {
	t.Helper()
	synSeg := parseSeg(t, syn)
	tuple := tcb.Tuple{SrcIP: 0x0a000001, SrcPort: 10000, DstIP: 0x0a000002, DstPort: 80}
	ct, found := store.Lookup(tuple)
	require.True(t, found)

	synAck := fsm.SegIn{
		Header: wire.TCPHeader{
			SrcPort: 80, DstPort: tuple.SrcPort,
			Seq: 9000, Ack: ct.SndNxt,
			Flags: wire.FlagSYN | wire.FlagACK, Window: 65535,
		},
		Options: options.Options{
			MSS: 1460, HasMSS: true,
			WScale: 7, HasWScale: true,
			HasTimestamp: true, TSVal: 77, TSEcr: synSeg.Options.TSVal,
			SACKPermitted: true,
		},
	}
	_, closed, err := r.engine.Input(ct, synAck, peerMAC)
	require.NoError(t, err)
	require.False(t, closed)
	require.Equal(t, tcb.StateEstablished, ct.State)
	return ct
}

func TestTickOpensConnectionAndSendsRequest(t *testing.T) {
	r, store := newRunner(t, 8)
	r.Configure(testProfile())

	out := r.Tick(alwaysResolved)
	require.Len(t, out, 1)
	syn := parseSeg(t, out[0])
	assert.Equal(t, wire.FlagSYN, syn.Header.Flags&wire.FlagSYN)
	assert.Equal(t, uint64(1), r.Stats().Opened)

	ct := establish(t, r, store, out[0])

	out = r.Tick(alwaysResolved)
	require.NotEmpty(t, out)
	req := parseSeg(t, out[0])
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(req.Payload[:16]))
	assert.Contains(t, string(req.Payload), "Host: example.test")
	assert.Equal(t, uint64(1), r.Stats().Established)

	// A complete response closes the exchange: the runner emits a FIN.
	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")
	data := fsm.SegIn{
		Header:  wire.TCPHeader{Seq: ct.RcvNxt, Ack: ct.SndNxt, Flags: wire.FlagACK, Window: 65535},
		Payload: resp,
	}
	_, closed, err := r.engine.Input(ct, data, peerMAC)
	require.NoError(t, err)
	require.False(t, closed)
	assert.Equal(t, uint64(1), r.Stats().Completed)

	out = r.Tick(alwaysResolved)
	require.NotEmpty(t, out)
	fin := parseSeg(t, out[len(out)-1])
	assert.NotZero(t, fin.Header.Flags&wire.FlagFIN)
	assert.Equal(t, tcb.StateFinWait1, ct.State)
}

func TestPostProfileCarriesBody(t *testing.T) {
	r, store := newRunner(t, 8)
	p := testProfile()
	p.BodyLen = 16
	r.Configure(p)

	out := r.Tick(alwaysResolved)
	require.Len(t, out, 1)
	establish(t, r, store, out[0])

	out = r.Tick(alwaysResolved)
	require.NotEmpty(t, out)
	req := parseSeg(t, out[0])
	assert.Equal(t, "POST / HTTP/1.1\r\n", string(req.Payload[:17]))
	assert.Contains(t, string(req.Payload), "Content-Length: 16")
}

func TestMaxConcurrentBoundsOpens(t *testing.T) {
	r, _ := newRunner(t, 64)
	p := testProfile()
	p.MaxConcurrent = 3
	r.Configure(p)

	out := r.Tick(alwaysResolved)
	assert.Len(t, out, 3)
	assert.Equal(t, uint64(3), r.Stats().Opened)

	// No new opens while every slot is still in the handshake.
	out = r.Tick(alwaysResolved)
	assert.Empty(t, out)
}

func TestUnresolvedDestinationOpensNothing(t *testing.T) {
	r, _ := newRunner(t, 8)
	r.Configure(testProfile())

	out := r.Tick(func(uint32) (wire.MAC, bool) { return wire.MAC{}, false })
	assert.Empty(t, out)
	assert.Zero(t, r.Stats().Opened)
}

func TestReapDropsFreedTCBs(t *testing.T) {
	r, store := newRunner(t, 8)
	r.Configure(testProfile())

	out := r.Tick(alwaysResolved)
	require.Len(t, out, 1)
	require.True(t, r.Active())

	tuple := tcb.Tuple{SrcIP: 0x0a000001, SrcPort: 10000, DstIP: 0x0a000002, DstPort: 80}
	ct, found := store.Lookup(tuple)
	require.True(t, found)
	store.Free(ct)

	r.Disarm()
	r.Tick(alwaysResolved)
	assert.False(t, r.Active())
}

func TestDurationSelfDisarms(t *testing.T) {
	r, _ := newRunner(t, 8)
	p := testProfile()
	p.DurationS = 1e-9 // already elapsed by the next tick
	r.Configure(p)
	require.True(t, r.Armed())

	r.Tick(alwaysResolved)
	assert.False(t, r.Armed())
}

func TestProfilePayloadRoundTrip(t *testing.T) {
	p := Profile{
		PortID: 2, DstIP: 0xc0a80001, DstPort: 443,
		SrcIPLo: 0x0a000001, SrcIPHi: 0x0a0000ff,
		EnableTLS: true, SNI: "sni.example.test",
		Host: "example.test", URL: "/healthz", BodyLen: 128,
		TargetCPS: 2500, MaxConcurrent: 512, DurationS: 30,
	}
	payload := EncodeProfilePayload(p)
	got, err := DecodeProfilePayload(payload[:])
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProfilePayloadTruncatesOversizedStrings(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	p := testProfile()
	p.Host = string(long)
	payload := EncodeProfilePayload(p)
	got, err := DecodeProfilePayload(payload[:])
	require.NoError(t, err)
	assert.NotEmpty(t, got.Host)
	assert.Less(t, len(got.Host), len(p.Host))
}

func TestDecodeShortPayloadFails(t *testing.T) {
	_, err := DecodeProfilePayload(make([]byte, 8))
	assert.ErrorIs(t, err, ErrProfilePayload)
}
