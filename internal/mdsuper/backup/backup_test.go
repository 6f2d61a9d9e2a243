package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/pkg/units"
)

func TestEncodeDecodeRoundTrip_Single(t *testing.T) {
	s := &Super{
		SetUUID:    mdmodel.UUID{1, 2, 3},
		MTime:      time.Unix(1700000000, 0),
		DevStart:   units.Sectors(100),
		ArrayStart: units.Sectors(200),
		Length:     units.Sectors(300),
	}
	buf := s.Encode()

	got, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, got.Double)
	require.Equal(t, s.SetUUID, got.SetUUID)
	require.Equal(t, s.DevStart, got.DevStart)
	require.Equal(t, s.ArrayStart, got.ArrayStart)
	require.Equal(t, s.Length, got.Length)
}

func TestEncodeDecodeRoundTrip_Double(t *testing.T) {
	s := &Super{
		Double:      true,
		MTime:       time.Unix(1700000000, 0),
		DevStart:    units.Sectors(1),
		DevStart2:   units.Sectors(2),
		ArrayStart2: units.Sectors(3),
		Length2:     units.Sectors(4),
	}
	buf := s.Encode()

	got, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, got.Double)
	require.Equal(t, s.DevStart2, got.DevStart2)
	require.Equal(t, s.ArrayStart2, got.ArrayStart2)
	require.Equal(t, s.Length2, got.Length2)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	s := &Super{MTime: time.Unix(1, 0)}
	buf := s.Encode()
	// The shift-by-3 checksum only depends on the last 11 bytes before
	// sb_csum, so corrupt a byte inside that window.
	buf[offLength] ^= 0xff

	_, err := Decode(buf)
	require.Error(t, err)
	require.Equal(t, mderr.BadChecksum, mderr.KindOf(err))
}

func TestValidWindow(t *testing.T) {
	arrayTime := time.Unix(1700000000, 0)
	s := &Super{MTime: arrayTime}
	require.True(t, s.Valid(arrayTime, false))

	tooOld := &Super{MTime: arrayTime.Add(-20 * time.Minute)}
	require.False(t, tooOld.Valid(arrayTime, false))
	require.True(t, tooOld.Valid(arrayTime, true))

	tooNew := &Super{MTime: arrayTime.Add(3 * time.Hour)}
	require.False(t, tooNew.Valid(arrayTime, false))
}
