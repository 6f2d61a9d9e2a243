package imsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
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
	d := mustDevice(t, 64<<20)
	var sw superswitch

	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{Name: "vol0"})
	require.NoError(t, err)
	m := sup.(*MPB)
	require.NoError(t, m.AddToSuper(&mdmodel.DiskInfo{ComponentSz: 1 << 20}))
	require.NoError(t, m.AddToSuper(&mdmodel.DiskInfo{ComponentSz: 1 << 20}))

	require.NoError(t, m.Store(d))

	loaded, err := sw.Load(d)
	require.NoError(t, err)
	got := loaded.GetInfo()
	require.Equal(t, "external:imsm", got.MetadataVersion)
	require.Equal(t, 2, len(loaded.(*MPB).Disks))
}

func TestLoadRejectsBadChecksum(t *testing.T) {
	d := mustDevice(t, 64<<20)
	var sw superswitch

	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{})
	require.NoError(t, err)
	require.NoError(t, sup.(*MPB).Store(d))

	size, err := d.Size()
	require.NoError(t, err)
	off := placement(uint64(size), headerBytes)

	require.NoError(t, d.WriteAt([]byte{0xff}, int64(off)+60))

	_, err = sw.Load(d)
	require.Error(t, err)
	require.Equal(t, mderr.BadChecksum, mderr.KindOf(err))
}

func TestUUIDSameVolumeStable_DifferentNameDistinct(t *testing.T) {
	a := &MPB{FamilyNum: 1, CurrentVol: 0, VolumeName: "data"}
	b := &MPB{FamilyNum: 1, CurrentVol: 0, VolumeName: "data"}
	c := &MPB{FamilyNum: 1, CurrentVol: 0, VolumeName: "other"}

	require.Equal(t, a.UUID(), b.UUID())
	require.NotEqual(t, a.UUID(), c.UUID())
}
