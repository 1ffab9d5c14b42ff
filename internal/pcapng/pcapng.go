// Package pcapng implements a minimal pcapng block writer for the `trace
// start|stop|save` CLI surface, following internal/wire's manual
// cursor-offset, sentinel-error encoding style applied to the pcapng
// block layout (IETF pcapng draft) instead of Ethernet/IP/TCP.
package pcapng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrPcapngError is the sentinel every error in this package wraps.
var ErrPcapngError = errors.New("pcapng error")

const (
	blockTypeSectionHeader  = 0x0A0D0D0A
	blockTypeInterfaceDescr = 0x00000001
	blockTypeEnhancedPacket = 0x00000006

	byteOrderMagic = 0x1A2B3C4D

	linkTypeEthernet = 1
)

// Recorder buffers Enhanced Packet Blocks for one interface while a trace
// is armed; Save writes them out as a complete pcapng file: Section Header
// Block, one Interface Description Block, then every Enhanced Packet Block
// recorded so far.
type Recorder struct {
	armed     bool
	startTime time.Time
	packets   []enhancedPacket
	maxPackets int
}

// Direction records whether a traced frame was received or transmitted.
type Direction int

const (
	DirectionRX Direction = iota
	DirectionTX
)

type enhancedPacket struct {
	ts  time.Time
	data []byte
}

// defaultMaxPackets bounds a Recorder's in-memory buffer so an unbounded
// trace session cannot exhaust memory; the oldest packets are dropped once
// the bound is hit.
const defaultMaxPackets = 1_000_000

// NewRecorder creates a disarmed Recorder.
func NewRecorder() *Recorder {
	return &Recorder{maxPackets: defaultMaxPackets}
}

// Start arms the recorder, clearing any previously buffered packets.
func (r *Recorder) Start() {
	r.armed = true
	r.startTime = time.Now()
	r.packets = r.packets[:0]
}

// Stop disarms the recorder; buffered packets remain available to Save
// until the next Start.
func (r *Recorder) Stop() { r.armed = false }

// Armed reports whether the recorder is currently capturing.
func (r *Recorder) Armed() bool { return r.armed }

// Record appends one frame to the buffer (a no-op if the recorder is not
// armed). data is copied, so the caller's buffer may be freed/reused
// immediately after.
func (r *Recorder) Record(data []byte, _ Direction) {
	if !r.armed {
		return
	}
	cp := append([]byte(nil), data...)
	r.packets = append(r.packets, enhancedPacket{ts: time.Now(), data: cp})
	if len(r.packets) > r.maxPackets {
		r.packets = r.packets[len(r.packets)-r.maxPackets:]
	}
}

// Count returns the number of buffered packets.
func (r *Recorder) Count() int { return len(r.packets) }

// Save writes a complete pcapng file to path: one Section Header Block,
// one Interface Description Block (Ethernet link type), then every
// buffered Enhanced Packet Block in recording order.
func (r *Recorder) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrPcapngError, path, err)
	}
	defer f.Close()

	if _, err := f.Write(sectionHeaderBlock()); err != nil {
		return fmt.Errorf("%w: write SHB: %w", ErrPcapngError, err)
	}
	if _, err := f.Write(interfaceDescriptionBlock()); err != nil {
		return fmt.Errorf("%w: write IDB: %w", ErrPcapngError, err)
	}
	for _, p := range r.packets {
		if _, err := f.Write(enhancedPacketBlock(p)); err != nil {
			return fmt.Errorf("%w: write EPB: %w", ErrPcapngError, err)
		}
	}
	return nil
}

func sectionHeaderBlock() []byte {
	// Block Type, Block Total Length, Byte-Order Magic, Major, Minor,
	// Section Length (-1 = unknown), Block Total Length (repeated).
	b := make([]byte, 28)
	binary.LittleEndian.PutUint32(b[0:4], blockTypeSectionHeader)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.LittleEndian.PutUint32(b[8:12], byteOrderMagic)
	binary.LittleEndian.PutUint16(b[12:14], 1) // major
	binary.LittleEndian.PutUint16(b[14:16], 0) // minor
	binary.LittleEndian.PutUint64(b[16:24], ^uint64(0))
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(b)))
	return b
}

func interfaceDescriptionBlock() []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:4], blockTypeInterfaceDescr)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.LittleEndian.PutUint16(b[8:10], linkTypeEthernet)
	binary.LittleEndian.PutUint16(b[10:12], 0) // reserved
	binary.LittleEndian.PutUint32(b[12:16], 0) // snap len (0 = unlimited)
	binary.LittleEndian.PutUint32(b[16:20], uint32(len(b)))
	return b
}

func enhancedPacketBlock(p enhancedPacket) []byte {
	dataLen := len(p.data)
	padded := (dataLen + 3) &^ 3
	totalLen := 32 + padded // fixed fields + padded data + trailing length

	ts := uint64(p.ts.UnixMicro())
	b := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(b[0:4], blockTypeEnhancedPacket)
	binary.LittleEndian.PutUint32(b[4:8], uint32(totalLen))
	binary.LittleEndian.PutUint32(b[8:12], 0) // interface id
	binary.LittleEndian.PutUint32(b[12:16], uint32(ts>>32))
	binary.LittleEndian.PutUint32(b[16:20], uint32(ts))
	binary.LittleEndian.PutUint32(b[20:24], uint32(dataLen)) // captured length
	binary.LittleEndian.PutUint32(b[24:28], uint32(dataLen)) // original length
	copy(b[28:28+dataLen], p.data)
	binary.LittleEndian.PutUint32(b[totalLen-4:totalLen], uint32(totalLen))
	return b
}
