package blockio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustDevice(t *testing.T, size int64) *Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	d, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReadWriteRoundTrip(t *testing.T) {
	d := mustDevice(t, 1<<20)

	buf := make([]byte, DefaultBlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	require.NoError(t, d.WriteAt(buf, 4096))

	out := make([]byte, DefaultBlockSize)
	require.NoError(t, d.ReadAt(out, 4096))
	require.Equal(t, buf, out)
}

func TestUnalignedWriteDoesReadModifyWrite(t *testing.T) {
	d := mustDevice(t, 1<<20)
	d.blockSize = 4096 // simulate a 4K-sector device without needing root/BLKSSZGET

	base := make([]byte, 4096)
	for i := range base {
		base[i] = 0xAA
	}
	require.NoError(t, d.WriteAt(base, 0))

	partial := []byte{1, 2, 3, 4}
	require.NoError(t, d.WriteAt(partial, 10))

	out := make([]byte, 4096)
	require.NoError(t, d.ReadAt(out, 0))

	require.Equal(t, byte(0xAA), out[0])
	require.Equal(t, partial, out[10:14])
	require.Equal(t, byte(0xAA), out[14])
}

func TestShortReadIsFailure(t *testing.T) {
	d := mustDevice(t, 100)
	buf := make([]byte, 1000)
	require.Error(t, d.ReadAt(buf, 0))
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
