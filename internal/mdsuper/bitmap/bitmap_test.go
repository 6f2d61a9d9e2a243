package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := &Super{
		UUID:        mdmodel.UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Events:      42,
		ChunkSize:   65536,
		DaemonSleep: 5,
		SyncSize:    1 << 20,
		State:       StateClean,
	}
	buf := s.Encode()

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, s.UUID, got.UUID)
	require.Equal(t, s.Events, got.Events)
	require.Equal(t, s.ChunkSize, got.ChunkSize)
	require.Equal(t, s.DaemonSleep, got.DaemonSleep)
	require.Equal(t, s.SyncSize, got.SyncSize)
	require.Equal(t, uint32(StateClean), got.State)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 256)
	_, err := Decode(buf)
	require.Error(t, err)
	require.Equal(t, mderr.NoMagic, mderr.KindOf(err))
}

func TestSizingDoublesChunkUntilFits(t *testing.T) {
	bits, chunk := Sizing(200<<30/512, 0, 60*1024)
	require.Greater(t, chunk, uint64(4096))
	require.LessOrEqual(t, (bits+7)/8, uint64(60*1024))
}
