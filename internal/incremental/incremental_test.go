package incremental

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/mdmodel"
)

func TestClassifyTrust(t *testing.T) {
	require.Equal(t, TrustLocalAny, ClassifyTrust("", "box1"))
	require.Equal(t, TrustLocal, ClassifyTrust("box1", "box1"))
	require.Equal(t, TrustForeign, ClassifyTrust("box2", "box1"))
}

func TestPendingArrayQuorum(t *testing.T) {
	pa := &PendingArray{
		Info:    mdmodel.ArrayInfo{Level: mdmodel.Level5, RaidDisks: 4},
		Members: map[int]mdmodel.DiskInfo{0: {}, 1: {}, 2: {}},
	}
	require.True(t, pa.Quorum(), "raid5 tolerates one missing member")

	pa.Members = map[int]mdmodel.DiskInfo{0: {}, 1: {}}
	require.False(t, pa.Quorum(), "two missing members exceeds raid5's tolerance")
}

func TestPendingArrayQuorum_Raid0RequiresAll(t *testing.T) {
	pa := &PendingArray{
		Info:    mdmodel.ArrayInfo{Level: mdmodel.Level0, RaidDisks: 3},
		Members: map[int]mdmodel.DiskInfo{0: {}, 1: {}},
	}
	require.False(t, pa.Quorum())

	pa.Members[2] = mdmodel.DiskInfo{}
	require.True(t, pa.Quorum())
}

func TestFindDisk(t *testing.T) {
	c := &mdmodel.DiskInfo{Major: 8, Minor: 16}
	b := &mdmodel.DiskInfo{Major: 8, Minor: 17, Next: c}
	head := &mdmodel.DiskInfo{Major: 8, Minor: 18, Next: b}

	got := findDisk(head, 8, 16)
	require.Same(t, c, got)
	require.Nil(t, findDisk(head, 9, 0))
}

func TestDiskSlot(t *testing.T) {
	require.Equal(t, -1, diskSlot(nil))
	require.Equal(t, 2, diskSlot(&mdmodel.DiskInfo{Role: mdmodel.Role(2)}))
}
