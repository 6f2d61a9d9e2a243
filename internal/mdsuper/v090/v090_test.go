package v090

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
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

func TestStoreLoadRoundTrip(t *testing.T) {
	d := mustDevice(t, 200<<20)

	var sw superswitch
	var u mdmodel.UUID
	for i := range u {
		u[i] = byte(i + 1)
	}

	info := &mdmodel.ArrayInfo{
		UUID:          u,
		Level:         mdmodel.Level1,
		Layout:        0,
		RaidDisks:     2,
		ChunkSize:     units.Sectors(128),
		ComponentSize: units.Sectors(1 << 16),
	}
	sup, err := sw.InitSuper(info)
	require.NoError(t, err)

	s := sup.(*Super90)
	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{Major: 8, Minor: 1, Role: mdmodel.Role(0)}))
	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{Major: 8, Minor: 17, Role: mdmodel.Role(1)}))

	require.NoError(t, s.Store(d))

	loaded, err := sw.Load(d)
	require.NoError(t, err)

	got := loaded.GetInfo()
	require.Equal(t, u, got.UUID)
	require.Equal(t, mdmodel.Level1, got.Level)
	require.Equal(t, 2, got.RaidDisks)
	require.Equal(t, 2, got.ActiveDisks())
}

func TestLoadRejectsBadChecksum(t *testing.T) {
	d := mustDevice(t, 200<<20)

	var sw superswitch
	info := &mdmodel.ArrayInfo{RaidDisks: 1, Level: mdmodel.Level1}
	sup, err := sw.InitSuper(info)
	require.NoError(t, err)
	s := sup.(*Super90)
	require.NoError(t, s.Store(d))

	size, err := d.Size()
	require.NoError(t, err)
	off := placement(uint64(size))

	corrupt := []byte{0xff}
	require.NoError(t, d.WriteAt(corrupt, int64(off)+40))

	_, err = sw.Load(d)
	require.Error(t, err)
	require.Equal(t, mderr.BadChecksum, mderr.KindOf(err))
}

func TestLoadRejectsMissingMagic(t *testing.T) {
	d := mustDevice(t, 200<<20)
	_, err := (superswitch{}).Load(d)
	require.Error(t, err)
	require.Equal(t, mderr.NoMagic, mderr.KindOf(err))
}

func TestUpdateByteorderRoundTrips(t *testing.T) {
	d := mustDevice(t, 200<<20)

	var sw superswitch
	u := mdmodel.UUID{1, 2, 3, 4}
	info := &mdmodel.ArrayInfo{UUID: u, RaidDisks: 1, Level: mdmodel.Level1}
	sup, err := sw.InitSuper(info)
	require.NoError(t, err)
	s := sup.(*Super90)
	require.NoError(t, s.Update("byteorder"))
	require.NoError(t, s.Store(d))

	loaded, err := sw.Load(d)
	require.NoError(t, err)
	require.Equal(t, u, loaded.UUID())
}

func TestRemoveFromSuper(t *testing.T) {
	var sw superswitch
	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{RaidDisks: 2, Level: mdmodel.Level1})
	require.NoError(t, err)
	s := sup.(*Super90)
	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{Major: 8, Minor: 1}))
	require.NoError(t, s.RemoveFromSuper(8, 1))
	require.Error(t, s.RemoveFromSuper(8, 1))
}
