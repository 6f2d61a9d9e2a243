package mapfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/mdmodel"
)

func uuidOf(b byte) mdmodel.UUID {
	var u mdmodel.UUID
	for i := range u {
		u[i] = b
	}
	return u
}

func TestLockWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")

	l, err := Lock(path)
	require.NoError(t, err)

	u := uuidOf(0xAB)
	l.Update(Entry{DevName: "md127", Metadata: "1.2", UUID: u, Path: "/dev/md/home"})
	require.NoError(t, l.Write())
	l.Unlock()

	l2, err := Lock(path)
	require.NoError(t, err)
	defer l2.Unlock()

	e, ok := l2.Lookup(u)
	require.True(t, ok)
	require.Equal(t, "md127", e.DevName)
	require.Equal(t, "/dev/md/home", e.Path)
}

func TestConcurrentUpdatesLeaveExactlyOneLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	u := uuidOf(0xCD)

	var wg sync.WaitGroup
	for _, p := range []string{"/dev/md/p1", "/dev/md/p2"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			l, err := Lock(path)
			require.NoError(t, err)
			l.Update(Entry{DevName: "md0", Metadata: "1.2", UUID: u, Path: p})
			require.NoError(t, l.Write())
			l.Unlock()
		}(p)
	}
	wg.Wait()

	l, err := Lock(path)
	require.NoError(t, err)
	defer l.Unlock()

	count := 0
	for _, e := range l.Entries {
		if e.UUID == u {
			count++
			require.Contains(t, []string{"/dev/md/p1", "/dev/md/p2"}, e.Path)
		}
	}
	require.Equal(t, 1, count)
}

func TestMalformedLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(path, []byte("garbage line with no fields\nmd0 1.2 deadbeef:00000000:00000000:00000000 /dev/md/x\n"), 0644))

	l, err := Lock(path)
	require.NoError(t, err)
	defer l.Unlock()

	require.Len(t, l.Entries, 1)
	require.Equal(t, "md0", l.Entries[0].DevName)
}
