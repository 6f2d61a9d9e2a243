// Package incremental implements the udev-driven assembler policy: as
// each member device appears, decide whether it is trustworthy, locate
// the array it belongs to, and either add it to an already-assembling
// array or start a new one once quorum is reached (spec §4.C).
package incremental

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdmodel/mapfile"
	"github.com/mdraid/mdctl/internal/mdsuper"
	"github.com/mdraid/mdctl/internal/sysfsctl"
)

// Trust classifies how much an incoming device's metadata should be
// believed without corroborating evidence from other members.
type Trust int

const (
	// TrustLocal: home host matches this machine's, safe to auto-assemble.
	TrustLocal Trust = iota
	// TrustLocalAny: no home host recorded, but nothing says otherwise.
	TrustLocalAny
	// TrustForeign: home host names a different machine; require an
	// explicit policy match (ARRAY line, or auto=yes) before touching it.
	TrustForeign
)

func (t Trust) String() string {
	switch t {
	case TrustLocal:
		return "local"
	case TrustLocalAny:
		return "local-any"
	default:
		return "foreign"
	}
}

// ClassifyTrust derives Trust from the superblock's recorded home host
// against this machine's hostname.
func ClassifyTrust(homeHost, thisHost string) Trust {
	switch {
	case homeHost == "":
		return TrustLocalAny
	case homeHost == thisHost:
		return TrustLocal
	default:
		return TrustForeign
	}
}

// PendingArray tracks members seen so far for one not-yet-started array,
// keyed by its metadata UUID.
type PendingArray struct {
	UUID    mdmodel.UUID
	Info    mdmodel.ArrayInfo
	Members map[int]mdmodel.DiskInfo // keyed by disk Role/slot
}

// Quorum reports whether enough members are present to bring the array
// up degraded: for redundant levels, at most MaxFailures() may be
// missing; for linear/raid0, every member must be present.
func (p *PendingArray) Quorum() bool {
	present := len(p.Members)
	missing := p.Info.RaidDisks - present
	if missing <= 0 {
		return true
	}
	return missing <= p.Info.MaxFailures()
}

// Manager holds the in-flight assembly state across incremental events.
// One Manager instance is shared by all goroutines handling udev events
// for a given boot, guarded by mu.
type Manager struct {
	Log  *slog.Logger
	Host string

	mu      sync.Mutex
	pending map[mdmodel.UUID]*PendingArray
}

// NewManager returns a Manager using the standard map-file locations.
func NewManager(log *slog.Logger, host string) *Manager {
	return &Manager{
		Log:     log,
		Host:    host,
		pending: make(map[mdmodel.UUID]*PendingArray),
	}
}

// Probe loads the metadata superblock found on path using every
// registered family, returning the first that recognises the device.
func Probe(path string) (mdsuper.Super, error) {
	d, err := blockio.Open(path, blockio.ReadOnly())
	if err != nil {
		return nil, mderr.Wrap(err, mderr.NoDevice, "open candidate member")
	}
	defer d.Close()

	var lastErr error
	for _, sw := range mdsuper.All() {
		sup, err := sw.Load(d)
		if err == nil {
			return sup, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = mderr.New(mderr.NoMagic, "no family recognised device")
	}
	return nil, lastErr
}

// DeviceNode ensures /dev/md/<name> exists as a symlink to /dev/md<minor>,
// creating it if absent.
func DeviceNode(name string, minor int) error {
	target := filepath.Join("/dev", "md", name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return mderr.Wrap(err, mderr.IoError, "create /dev/md directory")
	}

	src := filepath.Join("/dev", mdDevName(minor))
	if fi, err := os.Lstat(target); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return mderr.New(mderr.AlreadyAssembled, "device node path exists and is not a symlink")
	}

	if err := os.Symlink(src, target); err != nil {
		return mderr.Wrap(err, mderr.IoError, "symlink device node")
	}
	return nil
}

func mdDevName(minor int) string {
	return "md" + strconv.Itoa(minor)
}

// HandleDevice is the entry point for one incoming member device: probe
// its metadata, classify trust, fold it into (or start) the matching
// PendingArray, and attempt ADD_NEW_DISK / assembly as quorum allows.
func (m *Manager) HandleDevice(path string, auto bool) error {
	sup, err := Probe(path)
	if err != nil {
		m.Log.Debug("incremental: no recognisable metadata", "path", path, "error", err)
		return err
	}

	info := sup.GetInfo()
	trust := ClassifyTrust(info.HomeHost, m.Host)
	if trust == TrustForeign && !auto {
		return mderr.New(mderr.PermissionDenied, "foreign array requires explicit policy match")
	}

	maj, min, err := deviceMajorMinor(path)
	if err != nil {
		return err
	}
	self := findDisk(info.Disks, maj, min)
	if self == nil {
		self = info.Disks
	}
	if self == nil {
		return mderr.New(mderr.IncompatibleMetadata, "superblock carries no disk descriptors")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[info.UUID]
	if !ok {
		pa = &PendingArray{UUID: info.UUID, Info: *info, Members: make(map[int]mdmodel.DiskInfo)}
		m.pending[info.UUID] = pa
	}

	slot := diskSlot(self)
	pa.Members[slot] = *self

	lock, err := mapfile.Lock()
	if err != nil {
		return errors.Wrap(err, "lock map file")
	}
	lock.Update(mapfile.Entry{
		DevName:  info.SysName,
		Metadata: info.MetadataVersion,
		UUID:     info.UUID,
		Path:     path,
	})
	if err := lock.Write(); err != nil {
		lock.Unlock()
		return errors.Wrap(err, "write map file")
	}
	lock.Unlock()

	if !pa.Quorum() {
		m.Log.Info("incremental: waiting for quorum", "array", info.SysName, "have", len(pa.Members), "want", info.RaidDisks)
		return nil
	}

	m.Log.Info("incremental: quorum reached, assembling", "array", info.SysName)
	return m.assemble(pa)
}

func diskSlot(d *mdmodel.DiskInfo) int {
	if d == nil {
		return -1
	}
	return int(d.Role)
}

// deviceMajorMinor stats path to recover the major:minor pair the kernel
// uses to identify it, so the probed superblock's own disk-table entry
// (which only records major:minor, not "this is me") can be found.
func deviceMajorMinor(path string) (int, int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, mderr.Wrap(err, mderr.IoError, "stat device")
	}
	rdev := uint64(st.Rdev)
	return int(unix.Major(rdev)), int(unix.Minor(rdev)), nil
}

// findDisk walks d's linked list for the entry matching major:minor.
func findDisk(d *mdmodel.DiskInfo, major, minor int) *mdmodel.DiskInfo {
	for ; d != nil; d = d.Next {
		if d.Major == major && d.Minor == minor {
			return d
		}
	}
	return nil
}

// assemble materialises a quorate PendingArray into the kernel: set its
// geometry, then add each member in ascending role order by writing its
// slot and marking it in_sync. It creates no device node. An EBUSY on the
// slot write is returned as a Busy error: no lower-event member is
// removed and the add is not retried.
func (m *Manager) assemble(pa *PendingArray) error {
	arr := sysfsctl.New(pa.Info.SysName)

	if err := arr.SetArrayGeometry(sysfsctl.Geometry{
		Level:         pa.Info.Level.String(),
		RaidDisks:     pa.Info.RaidDisks,
		ChunkSizeKB:   int(pa.Info.ChunkSize.Bytes() / 1024),
		Layout:        pa.Info.Layout,
		ComponentSize: uint64(pa.Info.ComponentSize),
	}); err != nil {
		return errors.Wrap(err, "set array geometry")
	}

	for slot := 0; slot < pa.Info.RaidDisks; slot++ {
		d, ok := pa.Members[slot]
		if !ok {
			continue
		}
		if err := addNewDisk(arr, d); err != nil {
			return errors.Wrapf(err, "add disk at slot %d", slot)
		}
	}

	delete(m.pending, pa.UUID)
	return nil
}

func addNewDisk(arr *sysfsctl.Array, d mdmodel.DiskInfo) error {
	devDir := "dev-incremental"
	if err := arr.SetDeviceSlot(devDir, int(d.Role)); err != nil {
		if mderr.Is(err, mderr.Busy) {
			return mderr.New(mderr.Busy, "slot busy, lower-event member present")
		}
		return err
	}
	return arr.SetDeviceState(devDir, "+in_sync")
}
