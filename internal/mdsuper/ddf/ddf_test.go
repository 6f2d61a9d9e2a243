package ddf

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

	u := mdmodel.UUID{1, 2, 3, 4}
	info := &mdmodel.ArrayInfo{UUID: u, Name: "vol0", Level: mdmodel.Level5, RaidDisks: 4, ComponentSize: 1 << 20}
	sup, err := sw.InitSuper(info)
	require.NoError(t, err)

	require.NoError(t, sup.(*Container).Store(d))

	loaded, err := sw.Load(d)
	require.NoError(t, err)

	got := loaded.GetInfo()
	require.Equal(t, "external:ddf", got.MetadataVersion)
}

func TestLoadRejectsBadChecksum(t *testing.T) {
	d := mustDevice(t, 64<<20)
	var sw superswitch

	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{RaidDisks: 1})
	require.NoError(t, err)
	require.NoError(t, sup.(*Container).Store(d))

	size, err := d.Size()
	require.NoError(t, err)
	off := size - anchorBytes

	require.NoError(t, d.WriteAt([]byte{0xff}, off+60))

	_, err = sw.Load(d)
	require.Error(t, err)
	require.Equal(t, mderr.BadChecksum, mderr.KindOf(err))
}

func TestUUIDDerivationIsStableAndDistinct(t *testing.T) {
	var c1, c2 Container
	c1.Virtual = []VirtualDisk{{GUID: [24]byte{1}}}
	c2.Virtual = []VirtualDisk{{GUID: [24]byte{2}}}

	require.Equal(t, c1.UUID(), c1.UUID())
	require.NotEqual(t, c1.UUID(), c2.UUID())
}
