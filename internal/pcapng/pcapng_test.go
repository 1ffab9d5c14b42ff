package pcapng_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/pcapng"
)

func TestRecorder_RecordOnlyWhenArmed(t *testing.T) {
	r := pcapng.NewRecorder()
	r.Record([]byte{1, 2, 3}, pcapng.DirectionRX)
	require.Equal(t, 0, r.Count())

	r.Start()
	r.Record([]byte{1, 2, 3}, pcapng.DirectionTX)
	require.Equal(t, 1, r.Count())

	r.Stop()
	r.Record([]byte{4, 5, 6}, pcapng.DirectionRX)
	require.Equal(t, 1, r.Count())
}

func TestRecorder_Save(t *testing.T) {
	r := pcapng.NewRecorder()
	r.Start()
	r.Record([]byte("hello ethernet frame"), pcapng.DirectionRX)
	r.Record([]byte("a"), pcapng.DirectionTX) // exercises padding to a 4-byte boundary

	path := filepath.Join(t.TempDir(), "trace.pcapng")
	require.NoError(t, r.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 0)
	// Section Header Block magic, little-endian.
	require.Equal(t, []byte{0x0A, 0x0D, 0x0D, 0x0A}, data[0:4])
}

func TestRecorder_StartClearsPreviousPackets(t *testing.T) {
	r := pcapng.NewRecorder()
	r.Start()
	r.Record([]byte{1}, pcapng.DirectionRX)
	r.Stop()
	r.Start()
	require.Equal(t, 0, r.Count())
}
