package controlbus

import "sync/atomic"

// atomicCounter is a monotonically increasing ring index.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) load() uint64   { return c.v.Load() }
func (c *atomicCounter) store(v uint64) { c.v.Store(v) }

// atomicBool is a small wrapper so Worker's run flag reads like a bool at
// call sites.
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) load() bool   { return b.v.Load() }
func (b *atomicBool) store(v bool) { b.v.Store(v) }
