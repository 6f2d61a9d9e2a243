package sysfsctl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mdraid/mdctl/internal/mderr"
)

// FreezeArray reads sync_action and, if it is idle, writes "frozen".
//
//	returns  0 if the attribute is missing (kernel predates frozen support)
//	returns -1 if sync_action is neither "idle" nor "frozen" (busy)
//	returns  1 if the write succeeded
func (a *Array) FreezeArray() (int, error) {
	p := a.attrPath("", "sync_action")
	if !Attribute(p) {
		return 0, nil
	}

	cur, err := ReadString(p)
	if err != nil {
		return 0, err
	}

	if cur != "idle" && cur != "frozen" {
		return -1, nil
	}

	if err := WriteString(p, "frozen"); err != nil {
		return 0, err
	}
	return 1, nil
}

// UnfreezeArray writes "idle" iff the preceding FreezeArray call reported
// it had succeeded (wasFrozen == 1).
func (a *Array) UnfreezeArray(wasFrozen int) error {
	if wasFrozen != 1 {
		return nil
	}
	return WriteString(a.attrPath("", "sync_action"), "idle")
}

// WaitReshape polls sync_action until its value no longer starts with
// "reshape", or ctx is done. The kernel doesn't expose a pollable fd for
// sysfs text attributes in a portable way from Go without cgo/epoll
// tricks, so this re-reads on a short interval, which is what a select(2)
// loop degenerates to once the value stops changing every tick.
func (a *Array) WaitReshape(ctx context.Context) error {
	p := a.attrPath("", "sync_action")
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		v, err := ReadString(p)
		if err != nil {
			return err
		}
		if len(v) < 7 || v[:7] != "reshape" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SuspendLo writes suspend_lo, fencing kernel I/O below this sector.
func (a *Array) SuspendLo(sector uint64) error {
	return WriteString(a.attrPath("", "suspend_lo"), strconv.FormatUint(sector, 10))
}

// SuspendHi writes suspend_hi, fencing kernel I/O above suspend_lo and
// below this sector. Per spec §4.E ordering, callers must set SuspendHi
// before reading bytes out of the newly-suspended region.
func (a *Array) SuspendHi(sector uint64) error {
	return WriteString(a.attrPath("", "suspend_hi"), strconv.FormatUint(sector, 10))
}

func (a *Array) SyncMax(sector uint64) error {
	return WriteString(a.attrPath("", "sync_max"), strconv.FormatUint(sector, 10))
}

func (a *Array) SyncMaxAll() error {
	return WriteString(a.attrPath("", "sync_max"), "max")
}

func (a *Array) SyncCompleted() (uint64, error) {
	return ReadSector(a.attrPath("", "sync_completed"))
}

func (a *Array) ReshapePosition() (uint64, error) {
	return ReadSector(a.attrPath("", "reshape_position"))
}

func (a *Array) SetReshapePosition(sector uint64) error {
	return WriteString(a.attrPath("", "reshape_position"), strconv.FormatUint(sector, 10))
}

func (a *Array) SetNewChunk(bytes uint64) error {
	return WriteString(a.attrPath("", "new_chunk"), strconv.FormatUint(bytes, 10))
}

func (a *Array) SetNewLayout(layout int) error {
	return WriteString(a.attrPath("", "new_layout"), strconv.Itoa(layout))
}

func (a *Array) SetSyncAction(action string) error {
	return WriteString(a.attrPath("", "sync_action"), action)
}

func (a *Array) SyncAction() (string, error) {
	return ReadString(a.attrPath("", "sync_action"))
}

func (a *Array) SetSafeModeDelay(sec float64) error {
	return WriteString(a.attrPath("", "safe_mode_delay"), fmt.Sprintf("%.3f", sec))
}

func (a *Array) SetArrayState(state string) error {
	return WriteString(a.attrPath("", "array_state"), state)
}

func (a *Array) ArrayState() (string, error) {
	return ReadString(a.attrPath("", "array_state"))
}

// SetDeviceState writes a per-device state directive ("faulty", "remove",
// "-blocked", "+in_sync") under md/<devDir>/state.
func (a *Array) SetDeviceState(devDir, state string) error {
	return WriteString(a.attrPath(devDir, "state"), state)
}

func (a *Array) DeviceState(devDir string) (string, error) {
	return ReadString(a.attrPath(devDir, "state"))
}

func (a *Array) SetDeviceSlot(devDir string, slot int) error {
	return WriteString(a.attrPath(devDir, "slot"), strconv.Itoa(slot))
}

func (a *Array) DeviceSlot(devDir string) (string, error) {
	return ReadString(a.attrPath(devDir, "slot"))
}

// SetArrayGeometry materialises an in-memory array descriptor into sysfs
// for bring-up (spec §4.B set_array): level, raid_disks, chunk_size,
// layout, component_size, and optionally array_size / resync_start.
type Geometry struct {
	Level         string
	RaidDisks     int
	ChunkSizeKB   int
	Layout        int
	ComponentSize uint64 // sectors
	ArraySize     *uint64
	ResyncStart   *uint64
}

func (a *Array) SetArrayGeometry(g Geometry) error {
	writes := []struct {
		attr  string
		value string
	}{
		{"level", g.Level},
		{"raid_disks", strconv.Itoa(g.RaidDisks)},
		{"chunk_size", strconv.Itoa(g.ChunkSizeKB * 1024)},
		{"layout", strconv.Itoa(g.Layout)},
		{"component_size", strconv.FormatUint(g.ComponentSize, 10)},
	}
	for _, w := range writes {
		if err := WriteString(a.attrPath("", w.attr), w.value); err != nil {
			return mderr.Wrapf(err, mderr.IoError, "set %s", w.attr)
		}
	}

	if g.ArraySize != nil {
		if err := WriteString(a.attrPath("", "array_size"), strconv.FormatUint(*g.ArraySize, 10)); err != nil {
			return err
		}
	} else {
		WriteString(a.attrPath("", "array_size"), "default")
	}

	if g.ResyncStart != nil {
		if err := WriteString(a.attrPath("", "resync_start"), strconv.FormatUint(*g.ResyncStart, 10)); err != nil {
			return err
		}
	}

	return nil
}
