package controlbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndPollRoundTrips(t *testing.T) {
	bus := New(2, 16)
	require.NoError(t, bus.Send(0, Envelope{Cmd: CmdStart, Seq: 7}))

	msg, ok := bus.Worker(0).Poll()
	require.True(t, ok)
	assert.Equal(t, CmdStart, msg.Cmd)
	assert.Equal(t, uint32(7), msg.Seq)
}

func TestPollIsFIFO(t *testing.T) {
	bus := New(1, 16)
	require.NoError(t, bus.Send(0, Envelope{Cmd: CmdSetRate, Seq: 1}))
	require.NoError(t, bus.Send(0, Envelope{Cmd: CmdSetRate, Seq: 2}))

	first, _ := bus.Worker(0).Poll()
	second, _ := bus.Worker(0).Poll()
	assert.Equal(t, uint32(1), first.Seq)
	assert.Equal(t, uint32(2), second.Seq)
}

func TestRingOverflowReturnsError(t *testing.T) {
	bus := New(1, 1) // ring size clamps to minimum 64
	for i := 0; i < 64; i++ {
		require.NoError(t, bus.Send(0, Envelope{Seq: uint32(i)}))
	}
	err := bus.Send(0, Envelope{Seq: 999})
	assert.ErrorIs(t, err, ErrRingOverflow)
}

func TestBroadcastCountsSuccesses(t *testing.T) {
	bus := New(3, 16)
	n := bus.Broadcast(Envelope{Cmd: CmdNoop})
	assert.Equal(t, 3, n)
}

func TestAcknowledgeAndDrainAck(t *testing.T) {
	bus := New(1, 16)
	bus.Worker(0).Acknowledge(5, 0)
	ack, ok := bus.DrainAck(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0), ack.WorkerIdx)
	assert.Equal(t, uint32(5), ack.Seq)
	assert.Equal(t, int32(0), ack.RC)
}

func TestShutdownClearsRunFlagOnAllWorkers(t *testing.T) {
	bus := New(3, 16)
	bus.Shutdown()
	for i := 0; i < bus.NumWorkers(); i++ {
		assert.False(t, bus.Worker(i).RunFlag())
		msg, ok := bus.Worker(i).Poll()
		require.True(t, ok)
		assert.Equal(t, CmdShutdown, msg.Cmd)
	}
}

func TestHandleShutdownClearsRunFlag(t *testing.T) {
	bus := New(1, 16)
	w := bus.Worker(0)
	assert.True(t, w.RunFlag())
	handled := w.Handle(CmdShutdown)
	assert.True(t, handled)
	assert.False(t, w.RunFlag())
}

func TestHandleNonShutdownLeavesRunFlag(t *testing.T) {
	bus := New(1, 16)
	w := bus.Worker(0)
	handled := w.Handle(CmdSetRate)
	assert.False(t, handled)
	assert.True(t, w.RunFlag())
}
