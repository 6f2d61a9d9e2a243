package v1x

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
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

func TestPlacementByMinor(t *testing.T) {
	require.Equal(t, uint64(0), Placement(Minor1, 1<<20))
	require.Equal(t, uint64(8*512), Placement(Minor2, 1<<20))
	require.Equal(t, uint64(0), Placement(Minor0, 8))
}

func testStoreLoad(t *testing.T, minor Minor) {
	d := mustDevice(t, 200<<20)
	sw := superswitch{minor}

	var u mdmodel.UUID
	for i := range u {
		u[i] = byte(i + 10)
	}
	info := &mdmodel.ArrayInfo{
		UUID:          u,
		Name:          "testarray",
		Level:         mdmodel.Level5,
		Layout:        2,
		RaidDisks:     3,
		ChunkSize:     128,
		ComponentSize: 1 << 20,
	}
	sup, err := sw.InitSuper(info)
	require.NoError(t, err)
	s := sup.(*Super1)

	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{}))
	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{}))
	require.NoError(t, s.AddToSuper(&mdmodel.DiskInfo{}))

	require.NoError(t, s.Store(d))

	loaded, err := sw.Load(d)
	require.NoError(t, err)

	got := loaded.GetInfo()
	if got.Name != "testarray" || got.RaidDisks != 3 {
		t.Logf("decoded array info for minor %d:\n%s", minor, spew.Sdump(got))
	}
	require.Equal(t, u, got.UUID)
	require.Equal(t, "testarray", got.Name)
	require.Equal(t, mdmodel.Level5, got.Level)
	require.Equal(t, 3, got.RaidDisks)
	require.Equal(t, 3, got.ActiveDisks())
}

func TestStoreLoadRoundTrip_AllMinors(t *testing.T) {
	for _, m := range []Minor{Minor0, Minor1, Minor2} {
		testStoreLoad(t, m)
	}
}

func TestLoadRejectsBadChecksum(t *testing.T) {
	d := mustDevice(t, 200<<20)
	sw := superswitch{Minor1}

	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{RaidDisks: 1, Level: mdmodel.Level1})
	require.NoError(t, err)
	require.NoError(t, sup.(*Super1).Store(d))

	corrupt := []byte{0xff}
	require.NoError(t, d.WriteAt(corrupt, 40))

	_, err = sw.Load(d)
	require.Error(t, err)
	require.Equal(t, mderr.BadChecksum, mderr.KindOf(err))
}

func TestUpdateDeviceSize(t *testing.T) {
	sup, err := (superswitch{Minor1}).InitSuper(&mdmodel.ArrayInfo{RaidDisks: 1, Level: mdmodel.Level1})
	require.NoError(t, err)
	s := sup.(*Super1)
	s.DataOffset = 100
	require.NoError(t, s.Update("devicesize", uint64(10000)))
	require.Equal(t, uint64(9900), s.DataSize)
}

func TestMatchHome(t *testing.T) {
	sup, err := (superswitch{Minor1}).InitSuper(&mdmodel.ArrayInfo{RaidDisks: 1, Level: mdmodel.Level1})
	require.NoError(t, err)
	s := sup.(*Super1)
	require.NoError(t, s.Update("name", "host1:data"))
	require.True(t, (superswitch{}).MatchHome(s, "host1"))
	require.False(t, (superswitch{}).MatchHome(s, "host2"))
}
