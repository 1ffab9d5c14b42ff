package worker

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jroosing/packetforge/internal/txgen"
	"github.com/jroosing/packetforge/internal/wire"
)

// startPayloadSize is the fixed encoding of a CmdStart control payload,
// well under controlbus.PayloadSize (248 bytes).
const startPayloadSize = 44

// EncodeStartPayload packs cfg into a fixed-layout control-bus payload for
// the `start` command, for use by whichever management-side command
// source (CLI or REST) issues it.
func EncodeStartPayload(cfg txgen.Config) [248]byte {
	var out [248]byte
	b := out[:startPayloadSize]
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(cfg.RatePPS))
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(cfg.DurationS))
	binary.BigEndian.PutUint32(b[16:20], cfg.SrcIP)
	binary.BigEndian.PutUint32(b[20:24], cfg.DstIP)
	copy(b[24:30], cfg.DstMAC[:])
	copy(b[30:36], cfg.LocalMAC[:])
	binary.BigEndian.PutUint16(b[36:38], cfg.ICMPID)
	binary.BigEndian.PutUint16(b[38:40], uint16(cfg.PayloadLen)) //nolint:gosec // payload length bounded by MTU
	binary.BigEndian.PutUint32(b[40:44], uint32(cfg.PortID))     //nolint:gosec // port ids are small, positive indices
	return out
}

// decodeStartPayload is the inverse of EncodeStartPayload, run by the
// worker handling a `start` command.
func decodeStartPayload(payload []byte) (txgen.Config, error) {
	if len(payload) < startPayloadSize {
		return txgen.Config{}, fmt.Errorf("worker: start payload too short")
	}
	var mac, localMAC wire.MAC
	copy(mac[:], payload[24:30])
	copy(localMAC[:], payload[30:36])
	return txgen.Config{
		RatePPS:    math.Float64frombits(binary.BigEndian.Uint64(payload[0:8])),
		DurationS:  math.Float64frombits(binary.BigEndian.Uint64(payload[8:16])),
		SrcIP:      binary.BigEndian.Uint32(payload[16:20]),
		DstIP:      binary.BigEndian.Uint32(payload[20:24]),
		DstMAC:     mac,
		LocalMAC:   localMAC,
		ICMPID:     binary.BigEndian.Uint16(payload[36:38]),
		PayloadLen: int(binary.BigEndian.Uint16(payload[38:40])),
		PortID:     int(binary.BigEndian.Uint32(payload[40:44])),
	}, nil
}

// EncodeRatePayload packs a new target rate for the `set_rate` command.
func EncodeRatePayload(ratePPS float64) [248]byte {
	var out [248]byte
	binary.BigEndian.PutUint64(out[0:8], math.Float64bits(ratePPS))
	return out
}

func decodeRatePayload(payload []byte) (float64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("worker: rate payload too short")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(payload[0:8])), nil
}
