// Package reshape coordinates geometry-changing RAID reshapes: the
// critical-section backup/restore dance the kernel needs to safely widen,
// narrow, or re-stripe an array in place (spec §4.E).
package reshape

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsuper/backup"
	"github.com/mdraid/mdctl/internal/sysfsctl"
	"github.com/mdraid/mdctl/pkg/units"
)

// Kind classifies a geometry change by how the data-disk count moves.
type Kind int

const (
	KindSameSize Kind = iota
	KindGrow
	KindShrink
)

func (k Kind) String() string {
	switch k {
	case KindGrow:
		return "grow"
	case KindShrink:
		return "shrink"
	default:
		return "same-size"
	}
}

// DataDisks returns the number of disks that carry data (as opposed to
// parity) for level at the given raid_disks count.
func DataDisks(level mdmodel.Level, raidDisks int) int {
	switch level {
	case mdmodel.Level4, mdmodel.Level5:
		return raidDisks - 1
	case mdmodel.Level6:
		return raidDisks - 2
	default:
		return raidDisks
	}
}

// Plan describes one geometry change: old vs new chunk size (bytes),
// layout, and raid_disks, at a fixed level.
type Plan struct {
	Level mdmodel.Level

	OldChunk, NewChunk         uint32 // bytes
	OldLayout, NewLayout       int
	OldRaidDisks, NewRaidDisks int

	// NewComponentSize is only consulted for KindShrink, to locate the
	// tail region that must be fenced before the new size takes effect.
	NewComponentSize units.Sectors
}

// Classify returns the reshape Kind for p.
func (p Plan) Classify() Kind {
	odata := DataDisks(p.Level, p.OldRaidDisks)
	ndata := DataDisks(p.Level, p.NewRaidDisks)
	switch {
	case ndata > odata:
		return KindGrow
	case ndata < odata:
		return KindShrink
	default:
		return KindSameSize
	}
}

// CriticalSectionSectors is the LCM of old_chunk*odata and
// new_chunk*ndata, in 512-byte sectors (spec §4.E "Grow").
func (p Plan) CriticalSectionSectors() units.Sectors {
	odata := uint64(DataDisks(p.Level, p.OldRaidDisks))
	ndata := uint64(DataDisks(p.Level, p.NewRaidDisks))
	oldBytes := uint64(p.OldChunk) * odata
	newBytes := uint64(p.NewChunk) * ndata
	return units.BytesToSectors(units.Bytes(lcm(oldBytes, newBytes)))
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// StripeCacheSize returns the minimum stripe_cache_size the kernel needs
// before the reshape may be released (spec §4.E).
func StripeCacheSize(blocks uint64, odisks int, maxChunk uint32) uint64 {
	a := blocks/(8*uint64(odisks)) + 16
	b := uint64(4)*uint64(maxChunk)/4096 + 1
	if a > b {
		return a
	}
	return b
}

// Coordinator drives one reshape to completion against a live array plus
// its backup destination. Member is the array's own block device, read
// to source the bytes that get copied into the backup region.
type Coordinator struct {
	Array   *sysfsctl.Array
	Member  *blockio.Device
	Backup  *blockio.Device
	SetUUID mdmodel.UUID

	Log *slog.Logger

	// PollInterval overrides the default wait loop cadence; zero means
	// use the default (200ms).
	PollInterval time.Duration
}

func (c *Coordinator) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 200 * time.Millisecond
}

// Run executes the pipeline matching p.Classify(). The child must refuse
// to begin if blocks >= component_size/2 (spec §4.E); callers check that
// against their own block counter before invoking Run, since block count
// tracking lives with the caller's progress bookkeeping, not here.
func (c *Coordinator) Run(ctx context.Context, p Plan) error {
	switch p.Classify() {
	case KindGrow:
		return c.runGrow(ctx, p)
	case KindShrink:
		return c.runShrink(ctx, p)
	default:
		return c.runSameSize(ctx, p)
	}
}

// backupReservedSectors is the gap kept before the backup data region for
// the primary backup superblock copy, matching Grow.c's
// "backup_device_offset - 4096" placement.
const backupReservedSectors units.Sectors = 4096 / 512

// writeBackupRecord persists one backup.Super (optionally double
// buffered) both immediately before and immediately after the backup
// data it describes, per spec §4.E ("written ... AND again immediately
// after the backup data; restore treats the pair as primary+secondary").
func (c *Coordinator) writeBackupRecord(s *backup.Super, dataSectors units.Sectors) error {
	buf := s.Encode()

	primaryOff := (uint64(s.DevStart) - uint64(backupReservedSectors)) * 512
	if err := c.Backup.WriteAt(buf, int64(primaryOff)); err != nil {
		return errors.Wrap(err, "write primary backup record")
	}

	secondaryOff := (uint64(s.DevStart) + uint64(dataSectors)) * 512
	if err := c.Backup.WriteAt(buf, int64(secondaryOff)); err != nil {
		return errors.Wrap(err, "write secondary backup record")
	}
	return nil
}

// backupCriticalSection copies length sectors starting at arrayStart
// (array-space) from Member into Backup at devStart (backup-space), and
// writes the describing backup.Super record.
func (c *Coordinator) backupCriticalSection(arrayStart, devStart, length units.Sectors, double bool, secondArrayStart, secondDevStart, secondLength units.Sectors) error {
	buf := make([]byte, length.Bytes())
	if err := c.Member.ReadAt(buf, int64(arrayStart.Bytes())); err != nil {
		return mderr.Wrap(err, mderr.IoError, "read critical section from member")
	}
	if err := c.Backup.WriteAt(buf, int64(devStart.Bytes())); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write critical section to backup")
	}
	if err := c.Backup.Fsync(); err != nil {
		return err
	}

	s := &backup.Super{
		Double:     double,
		SetUUID:    c.SetUUID,
		MTime:      time.Now(),
		DevStart:   devStart,
		ArrayStart: arrayStart,
		Length:     length,
	}
	if double {
		s.DevStart2 = secondDevStart
		s.ArrayStart2 = secondArrayStart
		s.Length2 = secondLength
	}
	return c.writeBackupRecord(s, length)
}

func (c *Coordinator) invalidateBackup(devStart units.Sectors) error {
	zero := make([]byte, 512)
	off := int64((uint64(devStart) - uint64(backupReservedSectors)) * 512)
	return c.Backup.WriteAt(zero, off)
}

// runGrow backs up the first critical section before the kernel can
// reach it, waits for the kernel's reshape position to pass it, then
// invalidates the backup.
func (c *Coordinator) runGrow(ctx context.Context, p Plan) error {
	length := p.CriticalSectionSectors()

	c.log().Info("reshape: backing up leading critical section", "sectors", length)
	if err := c.backupCriticalSection(0, backupReservedSectors, length, false, 0, 0, 0); err != nil {
		return err
	}

	if err := c.waitReshapePast(ctx, length); err != nil {
		return err
	}

	c.log().Info("reshape: grow complete, invalidating backup")
	return c.invalidateBackup(backupReservedSectors)
}

// runShrink lets the kernel proceed unconstrained until it nears the new
// (smaller) component size, then fences the tail, backs it up, and
// releases the fence.
func (c *Coordinator) runShrink(ctx context.Context, p Plan) error {
	length := p.CriticalSectionSectors()
	if p.NewComponentSize <= length {
		return mderr.New(mderr.TooSmall, "new component size smaller than critical section")
	}
	tailStart := p.NewComponentSize - length

	if err := c.waitReshapePast(ctx, tailStart); err != nil {
		return err
	}

	hi := uint64(p.NewComponentSize)
	if err := c.Array.SuspendHi(hi); err != nil {
		return mderr.Wrap(err, mderr.IoError, "set suspend_hi")
	}
	if err := c.Array.SuspendLo(uint64(tailStart)); err != nil {
		return mderr.Wrap(err, mderr.IoError, "set suspend_lo")
	}

	c.log().Info("reshape: backing up trailing critical section", "sectors", length)
	if err := c.backupCriticalSection(tailStart, backupReservedSectors, length, false, 0, 0, 0); err != nil {
		return err
	}

	if err := c.waitSyncCompletedAtLeast(ctx, hi); err != nil {
		return err
	}

	if err := c.Array.SuspendLo(hi); err != nil {
		return mderr.Wrap(err, mderr.IoError, "release suspend fence")
	}

	if err := c.waitReshapePast(ctx, p.NewComponentSize); err != nil {
		return err
	}

	c.log().Info("reshape: shrink complete, discarding backup")
	return c.invalidateBackup(backupReservedSectors)
}

// runSameSize leap-frogs two rotating backup windows as the kernel
// advances through a chunk/layout-only reshape. Each step's record is
// written as a "-2" double record so the previous window stays
// verifiable until the new one is confirmed safe.
func (c *Coordinator) runSameSize(ctx context.Context, p Plan) error {
	length := p.CriticalSectionSectors()
	if length == 0 {
		return nil
	}

	var prevStart units.Sectors
	havePrev := false

	for pos := units.Sectors(0); ; pos += length {
		hi := pos + length
		if err := c.Array.SuspendHi(uint64(hi)); err != nil {
			return mderr.Wrap(err, mderr.IoError, "set suspend_hi")
		}
		if err := c.Array.SuspendLo(uint64(pos)); err != nil {
			return mderr.Wrap(err, mderr.IoError, "set suspend_lo")
		}

		if err := c.backupCriticalSection(pos, backupReservedSectors, length, havePrev, prevStart, backupReservedSectors, length); err != nil {
			return err
		}

		if err := c.waitSyncCompletedAtLeast(ctx, uint64(hi)); err != nil {
			return err
		}
		if err := c.Array.SuspendLo(uint64(hi)); err != nil {
			return mderr.Wrap(err, mderr.IoError, "advance suspend_lo")
		}

		prevStart = pos
		havePrev = true

		done, err := c.reshapeFinished(ctx)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	c.log().Info("reshape: same-size reshape complete, discarding backup")
	return c.invalidateBackup(backupReservedSectors)
}

func (c *Coordinator) reshapeFinished(ctx context.Context) (bool, error) {
	action, err := c.Array.SyncAction()
	if err != nil {
		return false, err
	}
	return len(action) < 7 || action[:7] != "reshape", nil
}

func (c *Coordinator) waitReshapePast(ctx context.Context, target units.Sectors) error {
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		pos, err := c.Array.ReshapePosition()
		if err != nil {
			return err
		}
		if pos >= uint64(target) {
			return nil
		}
		done, err := c.reshapeFinished(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) waitSyncCompletedAtLeast(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		n, err := c.Array.SyncCompleted()
		if err != nil {
			return err
		}
		if n >= target {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RestartAfterCrash implements Grow_restart (spec §4.E): it inspects a
// candidate backup record and, if it verifies and falls within the
// tolerance window, replays its bytes back into the array and reports
// the new reshape_progress the caller should persist.
func RestartAfterCrash(member, backupDev *blockio.Device, setUUID mdmodel.UUID, arrayUTime time.Time, reshapeProgress units.Sectors, allowOld bool) (units.Sectors, error) {
	buf := make([]byte, 512)
	if err := backupDev.ReadAt(buf, int64(backupReservedSectors)*512); err != nil {
		return reshapeProgress, mderr.Wrap(err, mderr.BackupMissing, "read backup record")
	}

	rec, err := backup.Decode(buf)
	if err != nil {
		return reshapeProgress, mderr.Wrap(err, mderr.BackupMissing, "decode backup record")
	}
	if rec.SetUUID != setUUID {
		return reshapeProgress, mderr.New(mderr.BackupStale, "backup uuid mismatch")
	}
	if !rec.Valid(arrayUTime, allowOld) {
		return reshapeProgress, mderr.New(mderr.BackupStale, "backup outside tolerance window")
	}

	end := rec.ArrayStart + rec.Length
	if rec.ArrayStart >= reshapeProgress {
		// Entirely ahead of the kernel's progress: nothing to replay yet.
		return reshapeProgress, nil
	}

	data := make([]byte, rec.Length.Bytes())
	if err := backupDev.ReadAt(data, int64(rec.DevStart.Bytes())); err != nil {
		return reshapeProgress, mderr.Wrap(err, mderr.IoError, "read backup data")
	}
	if err := member.WriteAt(data, int64(rec.ArrayStart.Bytes())); err != nil {
		return reshapeProgress, mderr.Wrap(err, mderr.IoError, "replay backup data into array")
	}
	if err := member.Fsync(); err != nil {
		return reshapeProgress, err
	}

	return end, nil
}
