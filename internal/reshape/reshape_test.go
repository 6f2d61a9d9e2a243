package reshape

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsuper/backup"
	"github.com/mdraid/mdctl/pkg/units"
)

func mustDevice(t *testing.T, size int64) *blockio.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	d, err := blockio.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDataDisks(t *testing.T) {
	require.Equal(t, 4, DataDisks(mdmodel.Level5, 5))
	require.Equal(t, 4, DataDisks(mdmodel.Level6, 6))
	require.Equal(t, 5, DataDisks(mdmodel.Level0, 5))
	require.Equal(t, 2, DataDisks(mdmodel.Level1, 2))
}

func TestClassify(t *testing.T) {
	grow := Plan{Level: mdmodel.Level5, OldRaidDisks: 4, NewRaidDisks: 5}
	require.Equal(t, KindGrow, grow.Classify())

	shrink := Plan{Level: mdmodel.Level5, OldRaidDisks: 5, NewRaidDisks: 4}
	require.Equal(t, KindShrink, shrink.Classify())

	same := Plan{Level: mdmodel.Level5, OldRaidDisks: 4, NewRaidDisks: 4, OldChunk: 64 << 10, NewChunk: 128 << 10}
	require.Equal(t, KindSameSize, same.Classify())
}

func TestCriticalSectionSectors(t *testing.T) {
	p := Plan{
		Level:        mdmodel.Level5,
		OldChunk:     64 << 10,
		NewChunk:     64 << 10,
		OldRaidDisks: 4,
		NewRaidDisks: 5,
	}
	// odata=3, ndata=4; old=192KiB, new=256KiB; lcm=768KiB=1536 sectors.
	require.Equal(t, units.Sectors(1536), p.CriticalSectionSectors())
}

func TestStripeCacheSize(t *testing.T) {
	got := StripeCacheSize(1<<20, 4, 64<<10)
	require.Greater(t, got, uint64(0))
}

func TestRestartAfterCrash_ReplaysWithinWindow(t *testing.T) {
	member := mustDevice(t, 16<<20)
	backupDev := mustDevice(t, 16<<20)

	setUUID := mdmodel.UUID{9, 9, 9}
	arrayTime := time.Unix(1700000000, 0)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, backupDev.WriteAt(payload, int64(backupReservedSectors.Bytes())+512))

	rec := &backup.Super{
		SetUUID:    setUUID,
		MTime:      arrayTime,
		DevStart:   backupReservedSectors + 1,
		ArrayStart: 2,
		Length:     units.BytesToSectors(units.Bytes(len(payload))),
	}
	buf := rec.Encode()
	require.NoError(t, backupDev.WriteAt(buf, int64(backupReservedSectors.Bytes())))

	newProgress, err := RestartAfterCrash(member, backupDev, setUUID, arrayTime, units.Sectors(100), false)
	require.NoError(t, err)
	require.Equal(t, rec.ArrayStart+rec.Length, newProgress)

	got := make([]byte, len(payload))
	require.NoError(t, member.ReadAt(got, int64(rec.ArrayStart.Bytes())))
	require.Equal(t, payload, got)
}

func TestRestartAfterCrash_RejectsUUIDMismatch(t *testing.T) {
	member := mustDevice(t, 16<<20)
	backupDev := mustDevice(t, 16<<20)
	arrayTime := time.Unix(1700000000, 0)

	rec := &backup.Super{
		SetUUID:    mdmodel.UUID{1},
		MTime:      arrayTime,
		DevStart:   backupReservedSectors + 1,
		ArrayStart: 2,
		Length:     units.Sectors(8),
	}
	buf := rec.Encode()
	require.NoError(t, backupDev.WriteAt(buf, int64(backupReservedSectors.Bytes())))

	_, err := RestartAfterCrash(member, backupDev, mdmodel.UUID{2}, arrayTime, units.Sectors(100), false)
	require.Error(t, err)
	require.Equal(t, mderr.BackupStale, mderr.KindOf(err))
}

func TestRestartAfterCrash_RejectsStaleWindow(t *testing.T) {
	member := mustDevice(t, 16<<20)
	backupDev := mustDevice(t, 16<<20)
	arrayTime := time.Unix(1700000000, 0)
	setUUID := mdmodel.UUID{3}

	rec := &backup.Super{
		SetUUID:    setUUID,
		MTime:      arrayTime.Add(-1 * time.Hour),
		DevStart:   backupReservedSectors + 1,
		ArrayStart: 2,
		Length:     units.Sectors(8),
	}
	buf := rec.Encode()
	require.NoError(t, backupDev.WriteAt(buf, int64(backupReservedSectors.Bytes())))

	_, err := RestartAfterCrash(member, backupDev, setUUID, arrayTime, units.Sectors(100), false)
	require.Error(t, err)
	require.Equal(t, mderr.BackupStale, mderr.KindOf(err))
}
