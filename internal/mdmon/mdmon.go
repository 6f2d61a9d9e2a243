// Package mdmon implements the external-metadata monitor daemon: a
// monitor goroutine that watches a container's member arrays for events
// the kernel can't handle itself (spare activation, external
// checkpoints), and a manager goroutine that owns metadata-update
// requests arriving over the control socket (spec §4.G).
package mdmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsock"
	"github.com/mdraid/mdctl/internal/mdsuper"
	"github.com/mdraid/mdctl/internal/sysfsctl"
	"github.com/mdraid/mdctl/pkg/set"
)

// RunDir is the directory holding pidfiles and control sockets, overridable
// by tests.
var RunDir = "/var/run/mdadm"

// PidPath and SockPath return the well-known per-container file paths.
func PidPath(dir, container string) string  { return filepath.Join(dir, container+".pid") }
func SockPath(dir, container string) string { return filepath.Join(dir, container+".sock") }

// Update is one pending metadata mutation, handed from the manager
// thread to the monitor thread for application under its exclusive
// control of the container's superblocks (spec §4.G "prepare_update /
// process_update / free_updates"). Prepared is the family-specific value
// PrepareUpdate decoded the raw control-socket payload into; only the
// monitor thread, via ProcessUpdate, knows how to interpret it.
type Update struct {
	Action   string // raw payload, kept for logging
	Prepared any
}

// Monitor owns one container: its external metadata (Super, shared by
// every volume in the container), the open member-disk handles that
// metadata is mirrored across, and the single-owner handoff queue the
// manager thread feeds into.
type Monitor struct {
	Container *mdmodel.Container
	Switch    mdsuper.ExternalSuperswitch
	Super     mdsuper.Super
	Devices   []*blockio.Device
	Log       *slog.Logger
	RunDir    string

	mu             sync.Mutex
	pendingUpdate  *Update
	discardPending bool
	wake           chan struct{}
	terminate      chan struct{}
	activated      set.Set[string]

	pidFile  *os.File
	listener net.Listener

	wg sync.WaitGroup
}

// New constructs a Monitor for container using sw as its metadata family
// driver, sup as the already-loaded container-wide metadata, and devices
// as the open member disks that metadata must be kept mirrored across
// (spec §4.G: "Only the monitor writes metadata").
func New(container *mdmodel.Container, sw mdsuper.ExternalSuperswitch, sup mdsuper.Super, devices []*blockio.Device, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		Container: container,
		Switch:    sw,
		Super:     sup,
		Devices:   devices,
		Log:       log,
		RunDir:    RunDir,
		wake:      make(chan struct{}, 1),
		terminate: make(chan struct{}),
		activated: set.New[string](),
	}
}

// Acquire performs the startup handshake (spec §4.G): kill any
// previous incumbent for this container, then create the pidfile with
// O_EXCL so two monitors can never believe they own the same container.
func (m *Monitor) Acquire() error {
	if err := os.MkdirAll(m.RunDir, 0755); err != nil {
		return mderr.Wrap(err, mderr.IoError, "create run directory")
	}

	pidPath := PidPath(m.RunDir, m.Container.Path)
	if data, err := os.ReadFile(pidPath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			killIncumbent(pid, m.Log)
		}
		os.Remove(pidPath)
		os.Remove(SockPath(m.RunDir, m.Container.Path))
	}

	fd, err := unix.Open(pidPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		return mderr.Wrap(err, mderr.Busy, "create pidfile")
	}
	m.pidFile = os.NewFile(uintptr(fd), pidPath)
	if _, err := m.pidFile.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write pidfile")
	}

	ln, err := net.Listen("unix", SockPath(m.RunDir, m.Container.Path))
	if err != nil {
		return mderr.Wrap(err, mderr.IoError, "listen on control socket")
	}
	m.listener = ln

	return nil
}

// Release removes the pidfile and socket, undoing Acquire.
func (m *Monitor) Release() {
	if m.listener != nil {
		m.listener.Close()
	}
	if m.pidFile != nil {
		m.pidFile.Close()
	}
	os.Remove(PidPath(m.RunDir, m.Container.Path))
	os.Remove(SockPath(m.RunDir, m.Container.Path))
}

func killIncumbent(pid int, log *slog.Logger) {
	if pid == os.Getpid() {
		return
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || !strings.Contains(string(cmdline), "mdmon") {
		return
	}
	log.Info("mdmon: terminating incumbent monitor", "pid", pid)
	unix.Kill(pid, unix.SIGTERM)
}

// Run launches the monitor and manager goroutines and blocks until ctx
// is cancelled or a fatal error occurs.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Acquire(); err != nil {
		return err
	}
	defer m.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		errs <- m.monitorLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		errs <- m.managerLoop(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case <-sig:
		m.Log.Info("mdmon: received termination signal")
		close(m.terminate)
		cancel()
	case err := <-errs:
		cancel()
		m.wg.Wait()
		return err
	}

	m.wg.Wait()
	return nil
}

// monitorLoop scans each volume's in-memory disk list for faulty members,
// activates spares for them, and applies any pending update, waking on
// either its poll tick or an explicit wake from the manager thread
// (SIGUSR1 in the original two-thread design, a channel send here). It
// reads no sysfs attribute itself.
func (m *Monitor) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.terminate:
			return nil
		case <-ticker.C:
		case <-m.wake:
		}

		if err := m.scanForFaults(); err != nil {
			m.Log.Warn("mdmon: fault scan failed", "error", err)
		}
		if err := m.applyPendingUpdate(); err != nil {
			m.Log.Warn("mdmon: update rejected", "error", err)
		}
	}
}

// applyPendingUpdate drains the single-slot update queue and applies it
// to the container's in-memory metadata via ProcessUpdate, then persists
// the result to every member disk (spec §4.G: "Only the monitor writes
// metadata… calls set_array_state/set_disk which rewrite in-memory
// metadata; then calls sync_metadata which persists to all member
// disks").
func (m *Monitor) applyPendingUpdate() error {
	u, err := m.processUpdate()
	if err != nil || u == nil {
		return err
	}

	m.mu.Lock()
	discard := m.discardPending
	m.discardPending = false
	m.mu.Unlock()
	if discard {
		m.Log.Info("mdmon: discarding update at shutdown", "action", u.Action)
		return nil
	}

	if err := m.Switch.ProcessUpdate(m.Super, u.Prepared); err != nil {
		return mderr.Wrap(err, mderr.Unknown, "apply update")
	}
	if err := m.syncMetadata(); err != nil {
		return err
	}

	m.Log.Info("mdmon: applied update", "action", u.Action)
	return nil
}

// syncMetadata persists the container's in-memory metadata to every
// member disk, succeeding so long as a quorum of writes land (spec §4.C
// "sync_metadata").
func (m *Monitor) syncMetadata() error {
	return mdsuper.StoreQuorum(m.Super, m.Devices)
}

// faultKey identifies one member disk within one array, for deduping
// repeated activation attempts across polling ticks.
func faultKey(sysName string, major, minor int) string {
	return fmt.Sprintf("%s:%d:%d", sysName, major, minor)
}

// scanForFaults walks each volume's member disks and, on finding one in
// the faulty state not already handled, looks for a spare to promote.
// Without the activated set, a disk the kernel has marked faulty but not
// yet dropped from the array would be handed a fresh spare on every tick
// until it actually disappears from vol.Disks.
func (m *Monitor) scanForFaults() error {
	current := set.New[string]()
	for _, vol := range m.Container.Volumes {
		arr := sysfsctl.New(vol.SysName)
		for d := vol.Disks; d != nil; d = d.Next {
			if d.Role != mdmodel.RoleFaulty {
				continue
			}
			key := faultKey(vol.SysName, d.Major, d.Minor)
			current.Add(key)
			if m.activated.Contains(key) {
				continue
			}
			if err := m.activateSpare(arr, vol); err != nil {
				return err
			}
			m.activated.Add(key)
		}
	}
	for _, key := range m.activated.Values() {
		if !current.Contains(key) {
			m.activated.Remove(key)
		}
	}
	return nil
}

// activateSpare turns the next available spare into a metadata update:
// ActivateSpare inserts its phys_refnum into the volume's member table
// and marks it active/rebuilding, then syncMetadata persists that to
// every member disk before the kernel is told about the new device
// (spec §4.G, scenario S5).
func (m *Monitor) activateSpare(arr *sysfsctl.Array, vol *mdmodel.ArrayInfo) error {
	if len(m.Container.Spares) == 0 {
		return nil
	}
	spare := m.Container.Spares[0]

	ref, err := m.Switch.ActivateSpare(m.Super, spare)
	if err != nil {
		return mderr.Wrap(err, mderr.Unknown, "activate spare in metadata")
	}
	if err := m.syncMetadata(); err != nil {
		return err
	}
	m.Container.Spares = m.Container.Spares[1:]

	m.Log.Info("mdmon: activated spare", "array", vol.SysName, "major", spare.Major, "minor", spare.Minor, "ref", ref)
	return arr.SetDeviceState("dev-spare", "+in_sync")
}

// managerLoop accepts control-socket connections and turns each into a
// queued Update, handed to the monitor thread one at a time
// (prepare_update / process_update's single-owner contract).
func (m *Monitor) managerLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if m.listener != nil {
			m.listener.Close()
		}
	}()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return mderr.Wrap(err, mderr.IoError, "accept control connection")
		}

		go m.handleConn(conn)
	}
}

func (m *Monitor) handleConn(conn net.Conn) {
	defer conn.Close()

	msg, err := mdsock.Receive(conn, time.Now().Add(5*time.Second))
	if err != nil {
		m.Log.Debug("mdmon: framing error on control connection", "error", err)
		return
	}

	switch {
	case msg.Len == int32(mdsock.ActionPingManager):
		m.wakeMonitor()
		mdsock.Send(conn, msg, time.Now().Add(5*time.Second))
	case msg.Len <= 0:
		mdsock.Send(conn, msg, time.Now().Add(5*time.Second))
	default:
		if err := m.prepareUpdate(msg.Data); err != nil {
			m.Log.Warn("mdmon: rejected update", "error", err)
			return
		}
		mdsock.Send(conn, msg, time.Now().Add(5*time.Second))
	}
}

func (m *Monitor) wakeMonitor() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// prepareUpdate decodes a raw update payload via the family driver's
// PrepareUpdate and hands the result off to the monitor thread. Only one
// update may be outstanding at a time; a caller racing another
// prepareUpdate call gets Busy back, matching the original's single
// in-flight slot (spec §4.G "prepare_update").
func (m *Monitor) prepareUpdate(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingUpdate != nil {
		return mderr.New(mderr.Busy, "an update is already pending")
	}
	prepared, err := m.Switch.PrepareUpdate(m.Super, data)
	if err != nil {
		return err
	}
	m.pendingUpdate = &Update{Action: string(data), Prepared: prepared}
	m.wakeMonitor()
	return nil
}

// processUpdate is called from the monitor thread to take and clear the
// pending update, if any; applyPendingUpdate then applies it.
func (m *Monitor) processUpdate() (*Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.pendingUpdate
	m.pendingUpdate = nil
	if u == nil {
		return nil, nil
	}
	return u, nil
}

// FreeUpdates discards any update the monitor thread has not yet
// consumed, used during shutdown.
func (m *Monitor) FreeUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingUpdate = nil
	m.discardPending = true
}
