package flowrunner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/jroosing/packetforge/internal/controlbus"
)

// ErrProfilePayload is the sentinel every profile-codec error wraps.
var ErrProfilePayload = errors.New("flowrunner: bad profile payload")

// Profile is one flow descriptor plus the load shape applied to it, as
// carried by a `set_profile` control-bus envelope. Strings longer than
// the payload can hold are truncated on encode, per the control-bus
// contract (payload = first flow descriptor, truncated to 248 bytes).
type Profile struct {
	PortID  int
	DstIP   uint32
	DstPort uint16
	SrcIPLo uint32
	SrcIPHi uint32

	EnableTLS bool
	SNI       string

	Host    string
	URL     string
	BodyLen int

	TargetCPS     float64 // connections per second; 0 = unlimited
	MaxConcurrent uint32
	DurationS     float64 // 0 = run until `stop`
}

// Fixed-layout prefix of the encoded profile; the three length-prefixed
// strings (host, url, sni) follow it.
const profileFixedSize = 45

const flagTLS = 1 << 0

// EncodeProfilePayload packs p into a control-bus payload for the
// `set_profile` command. Host, URL, and SNI are truncated, in that
// priority order, if the three together overflow the payload.
func EncodeProfilePayload(p Profile) [controlbus.PayloadSize]byte {
	var out [controlbus.PayloadSize]byte
	b := out[:]
	binary.BigEndian.PutUint32(b[0:4], p.DstIP)
	binary.BigEndian.PutUint16(b[4:6], p.DstPort)
	binary.BigEndian.PutUint32(b[6:10], p.SrcIPLo)
	binary.BigEndian.PutUint32(b[10:14], p.SrcIPHi)
	if p.EnableTLS {
		b[14] |= flagTLS
	}
	binary.BigEndian.PutUint32(b[15:19], uint32(p.BodyLen))     //nolint:gosec // body length bounded by config validation
	binary.BigEndian.PutUint64(b[19:27], math.Float64bits(p.TargetCPS))
	binary.BigEndian.PutUint32(b[27:31], p.MaxConcurrent)
	binary.BigEndian.PutUint64(b[31:39], math.Float64bits(p.DurationS))
	binary.BigEndian.PutUint32(b[39:43], uint32(p.PortID)) //nolint:gosec // port ids are small, positive indices

	// b[43] is the string-region length, filled in below; b[44] reserved.
	off := profileFixedSize
	strs := [3]string{p.Host, p.URL, p.SNI}
	for i, s := range strs {
		// Reserve a length byte for each string still to come, so a
		// truncated payload always stays decodable.
		off = putString(b, off, s, len(strs)-1-i)
	}
	b[43] = byte(off - profileFixedSize)
	return out
}

func putString(b []byte, off int, s string, reserve int) int {
	room := len(b) - off - 1 - reserve
	if room < 0 {
		room = 0
	}
	if len(s) > room {
		s = s[:room]
	}
	if len(s) > 255 {
		s = s[:255]
	}
	b[off] = byte(len(s))
	copy(b[off+1:], s)
	return off + 1 + len(s)
}

// DecodeProfilePayload is the inverse of EncodeProfilePayload, run by the
// worker handling a `set_profile` command.
func DecodeProfilePayload(payload []byte) (Profile, error) {
	if len(payload) < profileFixedSize {
		return Profile{}, fmt.Errorf("%w: %d bytes", ErrProfilePayload, len(payload))
	}
	p := Profile{
		DstIP:         binary.BigEndian.Uint32(payload[0:4]),
		DstPort:       binary.BigEndian.Uint16(payload[4:6]),
		SrcIPLo:       binary.BigEndian.Uint32(payload[6:10]),
		SrcIPHi:       binary.BigEndian.Uint32(payload[10:14]),
		EnableTLS:     payload[14]&flagTLS != 0,
		BodyLen:       int(binary.BigEndian.Uint32(payload[15:19])),
		TargetCPS:     math.Float64frombits(binary.BigEndian.Uint64(payload[19:27])),
		MaxConcurrent: binary.BigEndian.Uint32(payload[27:31]),
		DurationS:     math.Float64frombits(binary.BigEndian.Uint64(payload[31:39])),
		PortID:        int(binary.BigEndian.Uint32(payload[39:43])),
	}
	off := profileFixedSize
	var err error
	if p.Host, off, err = getString(payload, off); err != nil {
		return Profile{}, err
	}
	if p.URL, off, err = getString(payload, off); err != nil {
		return Profile{}, err
	}
	if p.SNI, _, err = getString(payload, off); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func getString(b []byte, off int) (string, int, error) {
	if off >= len(b) {
		return "", off, fmt.Errorf("%w: truncated string region", ErrProfilePayload)
	}
	n := int(b[off])
	off++
	if off+n > len(b) {
		return "", off, fmt.Errorf("%w: string overruns payload", ErrProfilePayload)
	}
	return string(b[off : off+n]), off + n, nil
}
