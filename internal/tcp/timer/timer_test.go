package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
)

func newEngine(t *testing.T) *fsm.Engine {
	t.Helper()
	pool, err := buffer.NewPool(0, buffer.Config{RXDescriptors: 64, TXDescriptors: 64, PipelineDepth: 8, QueuesPerWorker: 1})
	require.NoError(t, err)
	return &fsm.Engine{
		Pool:     pool,
		LocalMAC: wire.MAC{0x02, 0, 0, 0, 0, 1},
		Clock:    timing.Calibrate(),
		PRNG:     timing.NewPRNG(1),
	}
}

func alwaysResolve(uint32) (wire.MAC, bool) { return wire.MAC{0x02, 0, 0, 0, 0, 2}, true }

func TestSweepFreesExpiredTimeWaitAndReturnsPort(t *testing.T) {
	store := tcb.New(4)
	ports := portpool.New()
	engine := newEngine(t)

	port, err := ports.Allocate(1)
	require.NoError(t, err)

	tup := tcb.Tuple{SrcIP: 1, SrcPort: port, DstIP: 2, DstPort: 80}
	conn, err := store.Alloc(tup)
	require.NoError(t, err)
	conn.State = tcb.StateTimeWait
	conn.TimeWaitDeadlineTSC = engine.Clock.Now() - 1

	out := Sweep(store, ports, engine, alwaysResolve, engine.Clock.Now())
	assert.Empty(t, out)
	assert.Equal(t, 0, store.Count())

	assert.Equal(t, 1, ports.PendingReleases(), "freshly freed port is still held for the TIME_WAIT hold-off")
}

func TestSweepFiresRTOAndProducesRetransmit(t *testing.T) {
	store := tcb.New(4)
	ports := portpool.New()
	engine := newEngine(t)

	tup := tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80}
	conn, err := store.Alloc(tup)
	require.NoError(t, err)
	conn.State = tcb.StateSynSent
	conn.SndUna = 100
	conn.SndNxt = 101
	conn.MSSRemote = 1460
	conn.RTODeadlineTSC = engine.Clock.Now() - 1

	out := Sweep(store, ports, engine, alwaysResolve, engine.Clock.Now())
	require.Len(t, out, 1)
	assert.Equal(t, 1, conn.RetransmitCount)
}

func TestSweepFlushesDueDelayedAck(t *testing.T) {
	store := tcb.New(4)
	ports := portpool.New()
	engine := newEngine(t)

	tup := tcb.Tuple{SrcIP: 1, SrcPort: 10000, DstIP: 2, DstPort: 80}
	conn, err := store.Alloc(tup)
	require.NoError(t, err)
	conn.State = tcb.StateEstablished
	conn.PendingAck = true
	conn.DelayedAckTSC = engine.Clock.Now() - 1

	out := Sweep(store, ports, engine, alwaysResolve, engine.Clock.Now())
	require.Len(t, out, 1)
	assert.False(t, conn.PendingAck)
}
