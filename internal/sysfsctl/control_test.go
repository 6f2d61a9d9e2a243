package sysfsctl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testArray(t *testing.T) *Array {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "md127", "md"), 0755))
	return newRooted(root, "md127")
}

func writeAttr(t *testing.T, a *Array, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(a.attrPath("", name), []byte(value), 0644))
}

func TestFreezeArray_MissingAttribute(t *testing.T) {
	a := testArray(t)
	rv, err := a.FreezeArray()
	require.NoError(t, err)
	require.Equal(t, 0, rv)
}

func TestFreezeArray_Idle(t *testing.T) {
	a := testArray(t)
	writeAttr(t, a, "sync_action", "idle")

	rv, err := a.FreezeArray()
	require.NoError(t, err)
	require.Equal(t, 1, rv)

	got, err := ReadString(a.attrPath("", "sync_action"))
	require.NoError(t, err)
	require.Equal(t, "frozen", got)
}

func TestFreezeArray_Busy(t *testing.T) {
	a := testArray(t)
	writeAttr(t, a, "sync_action", "resync")

	rv, err := a.FreezeArray()
	require.NoError(t, err)
	require.Equal(t, -1, rv)
}

func TestUnfreezeArray_OnlyWhenFrozen(t *testing.T) {
	a := testArray(t)
	writeAttr(t, a, "sync_action", "frozen")

	require.NoError(t, a.UnfreezeArray(0))
	got, _ := ReadString(a.attrPath("", "sync_action"))
	require.Equal(t, "frozen", got, "no-op when the prior freeze did not succeed")

	require.NoError(t, a.UnfreezeArray(1))
	got, _ = ReadString(a.attrPath("", "sync_action"))
	require.Equal(t, "idle", got)
}

func TestSetArrayGeometry(t *testing.T) {
	a := testArray(t)

	size := uint64(12345)
	require.NoError(t, a.SetArrayGeometry(Geometry{
		Level:         "raid5",
		RaidDisks:     4,
		ChunkSizeKB:   64,
		Layout:        2,
		ComponentSize: 1 << 20,
		ArraySize:     &size,
	}))

	v, err := ReadString(a.attrPath("", "chunk_size"))
	require.NoError(t, err)
	require.Equal(t, "65536", v)

	v, err = ReadString(a.attrPath("", "array_size"))
	require.NoError(t, err)
	require.Equal(t, "12345", v)
}
