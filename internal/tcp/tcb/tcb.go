// Package tcb implements the per-worker TCP control block store: a flat
// array of control blocks plus an open-addressed 4-tuple hash index kept
// at or below a 0.5 load factor.
package tcb

import (
	"errors"

	"github.com/jroosing/packetforge/internal/helpers"
)

// State is a TCP connection's RFC 793 state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

// Tuple is a TCP 4-tuple.
type Tuple struct {
	SrcIP   uint32
	SrcPort uint16
	DstIP   uint32
	DstPort uint16
}

// SACKBlock is one reported out-of-order range.
type SACKBlock struct {
	Start, End uint32
}

// TCB is one TCP connection's control block.
type TCB struct {
	Tuple Tuple

	// Send state.
	SndUna uint32
	SndNxt uint32
	SndWnd uint32

	// Receive state.
	RcvNxt uint32
	RcvWnd uint32

	// Congestion control.
	Cwnd          uint32
	Ssthresh      uint32
	DupAckCount   int
	InFastRecover bool

	// Retransmission.
	RTODeadlineTSC  int64
	SRTTUs          int64
	RTTVarUs        int64
	RTOUs           int64
	RetransmitCount int

	// Negotiated options.
	MSSLocal     uint16
	MSSRemote    uint16
	WScaleLocal  uint8
	WScaleRemote uint8
	TSEnabled    bool
	SACKEnabled  bool
	NagleEnabled bool
	LastTSEcr    uint32

	// Out-of-order queue and SACK reporting. Reserved: the FSM drops
	// out-of-window segments instead of queueing them, so nothing
	// populates these yet.
	OOOQueue   []Segment
	SACKReport []SACKBlock

	// Delayed ACK.
	PendingAck    bool
	DelayedAckTSC int64

	TimeWaitDeadlineTSC int64

	State State

	ActiveOpen bool
	OwningCore int
	InUse      bool
	L7Context  any
}

// Segment is a reserved out-of-order queue entry.
type Segment struct {
	Seq     uint32
	Payload []byte
}

// ErrCapacityExceeded is returned by Alloc when the store is full.
var ErrCapacityExceeded = errors.New("tcb: capacity exceeded")

const (
	slotEmpty    = -1
	slotTombstone = -2
)

// Store is a per-worker, fixed-capacity TCB table with an open-addressed
// hash index.
type Store struct {
	tcbs     []TCB
	count    int
	capacity int
	hashTbl  []int32
	hashMask uint32
}

// New creates a Store sized for capacity live connections.
func New(capacity int) *Store {
	hashSize := helpers.NextPow2(2 * capacity)
	if hashSize < 1 {
		hashSize = 1
	}
	hashTbl := make([]int32, hashSize)
	for i := range hashTbl {
		hashTbl[i] = slotEmpty
	}
	return &Store{
		tcbs:     make([]TCB, capacity),
		capacity: capacity,
		hashTbl:  hashTbl,
		hashMask: uint32(hashSize - 1),
	}
}

// Capacity returns the store's fixed TCB capacity.
func (s *Store) Capacity() int { return s.capacity }

// Count returns the number of currently live TCBs.
func (s *Store) Count() int { return s.count }

// LoadFactor returns the hash table's current load factor.
func (s *Store) LoadFactor() float64 {
	if len(s.hashTbl) == 0 {
		return 0
	}
	return float64(s.count) / float64(len(s.hashTbl))
}

// Alloc allocates and zeroes a new TCB for tuple, returning nil if the
// store is at capacity.
func (s *Store) Alloc(tuple Tuple) (*TCB, error) {
	if s.count == s.capacity {
		return nil, ErrCapacityExceeded
	}
	idx := -1
	for i := range s.tcbs {
		if !s.tcbs[i].InUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrCapacityExceeded
	}
	s.tcbs[idx] = TCB{}
	s.tcbs[idx].Tuple = tuple
	s.tcbs[idx].InUse = true
	s.insertHash(tuple, idx)
	s.count++
	return &s.tcbs[idx], nil
}

// Lookup finds the live TCB matching tuple, if any.
func (s *Store) Lookup(tuple Tuple) (*TCB, bool) {
	h := hashTuple(tuple)
	mask := s.hashMask
	for i := uint32(0); i <= mask; i++ {
		slot := (h + i) & mask
		idx := s.hashTbl[slot]
		if idx == slotEmpty {
			return nil, false
		}
		if idx == slotTombstone {
			continue
		}
		if s.tcbs[idx].InUse && s.tcbs[idx].Tuple == tuple {
			return &s.tcbs[idx], true
		}
	}
	return nil, false
}

// Free zeroes t and tombstones its hash slot.
func (s *Store) Free(t *TCB) {
	tuple := t.Tuple
	h := hashTuple(tuple)
	mask := s.hashMask
	for i := uint32(0); i <= mask; i++ {
		slot := (h + i) & mask
		idx := s.hashTbl[slot]
		if idx == slotEmpty {
			break
		}
		if idx != slotTombstone && s.tcbs[idx].Tuple == tuple && s.tcbs[idx].InUse {
			s.hashTbl[slot] = slotTombstone
			break
		}
	}
	*t = TCB{}
	s.count--
}

// All returns every currently live TCB, for use by the per-tick timer scan.
func (s *Store) All(yield func(*TCB)) {
	for i := range s.tcbs {
		if s.tcbs[i].InUse {
			yield(&s.tcbs[i])
		}
	}
}

func (s *Store) insertHash(tuple Tuple, idx int) {
	h := hashTuple(tuple)
	mask := s.hashMask
	for i := uint32(0); i <= mask; i++ {
		slot := (h + i) & mask
		if s.hashTbl[slot] == slotEmpty || s.hashTbl[slot] == slotTombstone {
			s.hashTbl[slot] = int32(idx)
			return
		}
	}
}

// hashTuple is the MurmurHash3 finalizer (fmix64) applied to the packed
// 4-tuple.
func hashTuple(t Tuple) uint32 {
	packed := uint64(t.SrcIP)<<32 | uint64(t.DstIP)
	packed ^= uint64(t.SrcPort)<<16 | uint64(t.DstPort)
	x := packed
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x) //nolint:gosec // only low bits are used as a table index
}
