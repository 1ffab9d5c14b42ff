package arp

import (
	"testing"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	clock := timing.Calibrate()
	return NewCache(0x0A000001, wire.MAC{1, 1, 1, 1, 1, 1}, clock)
}

func TestLookupMissesUnknownIP(t *testing.T) {
	c := newTestCache()
	_, ok := c.Lookup(0x0A000009)
	assert.False(t, ok)
}

func TestRequestThenHoldThenReplyFlushesBuffers(t *testing.T) {
	c := newTestCache()
	ip := uint32(0x0A000009)

	_, sent := c.Request(ip)
	assert.True(t, sent)

	b1 := buffer.New(64)
	b2 := buffer.New(64)
	require.True(t, c.Hold(ip, b1))
	require.True(t, c.Hold(ip, b2))

	reply := wire.ARPPacket{Opcode: wire.ARPOpReply, SenderMAC: wire.MAC{9, 9, 9, 9, 9, 9}, SenderIP: ip}
	flushed := c.HandleReply(reply)
	require.Len(t, flushed, 2)

	mac, ok := c.Lookup(ip)
	require.True(t, ok)
	assert.Equal(t, reply.SenderMAC, mac)
	assert.False(t, mac.IsZero())

	for _, b := range flushed {
		assert.Equal(t, buffer.OwnerTXQueue, b.Owner())
	}
}

func TestHoldRespectsMaxHold(t *testing.T) {
	c := newTestCache()
	ip := uint32(0x0A00000A)
	c.Request(ip)
	for i := 0; i < MaxHold; i++ {
		require.True(t, c.Hold(ip, buffer.New(64)))
	}
	assert.False(t, c.Hold(ip, buffer.New(64)))
}

func TestHandleRequestRepliesOnlyForLocalIP(t *testing.T) {
	c := newTestCache()
	req := wire.ARPPacket{Opcode: wire.ARPOpRequest, SenderIP: 0x0A0000FE, TargetIP: c.localIP}
	reply, ok := c.HandleRequest(req)
	require.True(t, ok)
	assert.Equal(t, wire.ARPOpReply, reply.Opcode)
	assert.Equal(t, c.localMAC, reply.SenderMAC)

	_, ok = c.HandleRequest(wire.ARPPacket{Opcode: wire.ARPOpRequest, TargetIP: 0xFFFFFFFF})
	assert.False(t, ok)
}

func TestResolvedEntryNeverHasZeroMAC(t *testing.T) {
	c := newTestCache()
	ip := uint32(0x0A0000AA)
	c.Request(ip)
	flushed := c.HandleReply(wire.ARPPacket{SenderIP: ip, SenderMAC: wire.MAC{2, 2, 2, 2, 2, 2}})
	assert.Empty(t, flushed)
	mac, ok := c.Lookup(ip)
	require.True(t, ok)
	assert.False(t, mac.IsZero())
}
