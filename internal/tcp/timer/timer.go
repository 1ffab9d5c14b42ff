// Package timer implements the per-tick TCB timer sweep: RTO expiry,
// TIME_WAIT hold-off expiry (which also returns the connection's
// ephemeral port to the pool), and delayed-ACK flush, run once per
// worker tick over every live TCB in the store.
package timer

import (
	"time"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/wire"
)

// portHoldoff is how much longer a freed ephemeral port stays reserved in
// the port pool after its owning TCB leaves TIME_WAIT, a conservative
// margin independent of the TCP TIME_WAIT duration itself.
const portHoldoff = 4 * time.Second

// ResolveMAC looks up the next-hop MAC for a TCB's destination, used to
// address any segment the sweep emits. Returning ok=false drops the
// segment rather than send to a broadcast address.
type ResolveMAC func(dstIP uint32) (wire.MAC, bool)

// Sweep scans every live TCB in store once: firing RTO handlers, freeing
// expired TIME_WAIT connections (returning their ephemeral port to ports),
// and flushing due delayed ACKs. It returns every segment produced, in no
// particular order.
func Sweep(store *tcb.Store, ports *portpool.Pool, engine *fsm.Engine, resolve ResolveMAC, now int64) []*buffer.Buffer {
	var out []*buffer.Buffer
	var toFree []*tcb.TCB

	store.All(func(t *tcb.TCB) {
		mac, hasMAC := resolve(t.Tuple.DstIP)

		if engine.CheckTimeWaitExpired(t, now) {
			toFree = append(toFree, t)
			return
		}

		if t.RTODeadlineTSC != 0 && now >= t.RTODeadlineTSC {
			if !hasMAC {
				return
			}
			seg, closed, err := engine.HandleRTO(t, mac)
			if err == nil && seg != nil {
				out = append(out, seg)
			}
			if closed {
				toFree = append(toFree, t)
				return
			}
		}

		if t.PendingAck && hasMAC {
			seg, err := engine.FlushDelayedAck(t, mac, now)
			if err == nil && seg != nil {
				out = append(out, seg)
			}
		}
	})

	for _, t := range toFree {
		ports.Free(t.Tuple.SrcIP, t.Tuple.SrcPort, engine.Clock.Deadline(portHoldoff))
		store.Free(t)
	}
	return out
}
