package mdmon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsock"
	"github.com/mdraid/mdctl/internal/mdsuper"
	_ "github.com/mdraid/mdctl/internal/mdsuper/imsm"
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

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	dir := t.TempDir()
	c := &mdmodel.Container{Path: "md127"}

	sw, ok := mdsuper.ByFamily(mdsuper.FamilyIMSM).(mdsuper.ExternalSuperswitch)
	require.True(t, ok)
	sup, err := sw.InitSuper(&mdmodel.ArrayInfo{Name: "testvol", RaidDisks: 2})
	require.NoError(t, err)
	require.NoError(t, sup.AddToSuper(&mdmodel.DiskInfo{Major: 8, Minor: 16}))

	devices := []*blockio.Device{mustDevice(t, 64 << 20)}

	m := New(c, sw, sup, devices, nil)
	m.RunDir = dir
	return m
}

func TestAcquireCreatesPidfileAndSocket(t *testing.T) {
	m := testMonitor(t)
	require.NoError(t, m.Acquire())
	defer m.Release()

	data, err := os.ReadFile(PidPath(m.RunDir, "md127"))
	require.NoError(t, err)
	require.Contains(t, string(data), "\n")

	_, err = os.Stat(SockPath(m.RunDir, "md127"))
	require.NoError(t, err)
}

func TestAcquireKillsStalePidfileOwner(t *testing.T) {
	m := testMonitor(t)
	require.NoError(t, os.MkdirAll(m.RunDir, 0755))
	require.NoError(t, os.WriteFile(PidPath(m.RunDir, "md127"), []byte("999999999\n"), 0600))

	require.NoError(t, m.Acquire())
	defer m.Release()
}

func TestPrepareUpdateRejectsSecondWhilePending(t *testing.T) {
	m := testMonitor(t)
	require.NoError(t, m.prepareUpdate([]byte("fault:8:16")))
	err := m.prepareUpdate([]byte("online:8:16"))
	require.Error(t, err)

	u, err := m.processUpdate()
	require.NoError(t, err)
	require.Equal(t, "fault:8:16", u.Action)

	u, err = m.processUpdate()
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestFreeUpdatesDiscardsNextApply(t *testing.T) {
	m := testMonitor(t)
	require.NoError(t, m.prepareUpdate([]byte("fault:8:16")))
	m.FreeUpdates()

	require.NoError(t, m.prepareUpdate([]byte("online:8:16")))
	require.NoError(t, m.applyPendingUpdate())
}

func TestRunRespondsToPing(t *testing.T) {
	m := testMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", filepath.Join(m.RunDir, "md127.sock"))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	require.NoError(t, mdsock.Ack(conn, 2*time.Second))
	require.NoError(t, mdsock.WaitReply(conn, 2*time.Second))
	conn.Close()

	cancel()
	require.NoError(t, <-done)
}
