package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSYNThenParseRecoversFields(t *testing.T) {
	o := Options{
		MSS: 1460, HasMSS: true,
		SACKPermitted: true,
		TSVal:         100, HasTimestamp: true,
		WScale: 7, HasWScale: true,
	}
	raw := EncodeSYN(o)
	assert.Equal(t, 0, len(raw)%4)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, o.MSS, got.MSS)
	assert.True(t, got.SACKPermitted)
	assert.Equal(t, o.WScale, got.WScale)
	assert.Equal(t, o.TSVal, got.TSVal)
}

func TestEncodeDataAckRoundTripsTimestampAndSACK(t *testing.T) {
	o := Options{
		TSVal: 500, TSEcr: 100, HasTimestamp: true,
		SACKBlocks: []SACKBlock{{Start: 1000, End: 2000}},
	}
	raw := EncodeDataAck(o)
	assert.Equal(t, 0, len(raw)%4)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, o.TSVal, got.TSVal)
	assert.Equal(t, o.TSEcr, got.TSEcr)
	require.Len(t, got.SACKBlocks, 1)
	assert.Equal(t, uint32(1000), got.SACKBlocks[0].Start)
}

func TestParseTruncatedOptionErrors(t *testing.T) {
	_, err := Parse([]byte{KindMSS, 4, 0})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseStopsAtEnd(t *testing.T) {
	raw := []byte{KindMSS, 4, 0x05, 0xB4, KindEnd, KindMSS, 4, 0, 0}
	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(1460), got.MSS)
}

func TestParseDefaultMSSWhenAbsent(t *testing.T) {
	got, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, got.HasMSS)
	assert.Equal(t, uint16(0), got.MSS)
}
