// Package mdsuper defines the metadata-family capability interface (the
// "superswitch" of spec §4.C, §9) and dispatches across the three
// supported families: v0.90, v1.x, and external (DDF, IMSM).
package mdsuper

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/pkg/multierror"
)

// Family names one of the superblock families. A device never mixes
// families (spec §3).
type Family string

const (
	FamilyV090 Family = "0.90"
	FamilyV10  Family = "1.0"
	FamilyV11  Family = "1.1"
	FamilyV12  Family = "1.2"
	FamilyDDF  Family = "ddf"
	FamilyIMSM Family = "imsm"
)

// IsExternal reports whether metadata of this family lives in user space
// (DDF, IMSM), as opposed to being owned directly by the kernel MD driver.
func (f Family) IsExternal() bool {
	return f == FamilyDDF || f == FamilyIMSM
}

// Super is one loaded/initialised superblock instance for some family. It
// is the per-instance state a superswitch's methods operate on; the
// superswitch itself is stateless and shared across instances.
type Super interface {
	// GetInfo translates the family-specific representation into the
	// common in-memory descriptor.
	GetInfo() *mdmodel.ArrayInfo

	// UUID returns the array (or, for externals, container) identity.
	UUID() mdmodel.UUID

	// Update applies one named mutation from the closed enumeration in
	// spec §4.C ("Update").
	Update(name string, args ...any) error

	// AddToSuper installs a new disk descriptor into the in-memory
	// superblock at the given kernel slot/role.
	AddToSuper(d *mdmodel.DiskInfo) error

	// RemoveFromSuper clears a disk descriptor matching the given
	// major:minor pair.
	RemoveFromSuper(major, minor int) error

	// Store persists the in-memory struct to dev, recomputing checksums.
	// For internal metadata this is a single device; for external
	// metadata the caller stores to every member disk and this method is
	// invoked once per disk (see StoreQuorum).
	Store(dev *blockio.Device) error
}

// Superswitch is the capability trait with one variant per metadata
// family (spec §9 DESIGN NOTES: re-express the C vtable as a trait).
type Superswitch interface {
	Family() Family

	// Load probes dev for this family's magic and checksum. It returns
	// (nil, err) with a taxon from mderr if the family isn't present or
	// is corrupt, never a partially-populated Super.
	Load(dev *blockio.Device) (Super, error)

	// InitSuper builds a fresh superblock for a brand-new array from the
	// given parameters.
	InitSuper(info *mdmodel.ArrayInfo) (Super, error)

	// Compare checks two loaded instances for assemble-time compatibility.
	// v0.90 and v1.x require equal UUID, level, layout, raid_disks and
	// chunk size; DDF compares only the anchor GUID and IMSM only the
	// family number. Component size and ctime are not compared. Event
	// counters may differ.
	Compare(a, b Super) error

	// MatchHome reports whether a's home-host hint matches host,
	// case-insensitively.
	MatchHome(s Super, host string) bool

	// AvailSize returns the usable component size in sectors for a
	// device of the given raw size, accounting for this family's
	// reserved metadata region.
	AvailSize(deviceSectors uint64) uint64

	// Examine renders the verbose, human-readable report for a freshly
	// loaded (not necessarily assembled) superblock (spec §4.C
	// "examine"; scenario S1).
	Examine(sup Super) string

	// BriefExamine renders the one-line ARRAY-stanza form suitable for
	// an mdadm.conf (spec §4.C "brief_examine").
	BriefExamine(sup Super) string

	// ExportExamine renders the KEY=VALUE shell-exportable form (spec
	// §4.C "export_examine").
	ExportExamine(sup Super) string

	// Detail and BriefDetail render the same reports for an assembled,
	// running array. Every family in this implementation renders sup
	// exactly as Examine/BriefExamine do, without reading the device
	// again, since GetInfo already normalizes both the pre- and
	// post-assembly view into the same ArrayInfo.
	Detail(sup Super) string
	BriefDetail(sup Super) string
}

// DiskState is the set of in-memory state bits SetDisk can toggle on a
// disk entry within loaded external metadata (spec §4.C "set_disk").
type DiskState uint32

const (
	DiskOnline DiskState = 1 << iota
	DiskFaulty
	DiskSpare
	DiskActiveInVD
	DiskRebuilding
)

// ExternalSuperswitch is the superset of capabilities spec §4.C reserves
// for external-metadata families (DDF, IMSM). For these formats the
// kernel never writes metadata itself; mdmon (spec §4.G) owns every
// mutation and must be able to rewrite in-memory state and persist it
// explicitly, rather than relying on the kernel to do so as it does for
// v0.90/v1.x.
type ExternalSuperswitch interface {
	Superswitch

	// OpenNew creates a new volume's Super within an already-loaded
	// container, for adding an array to an existing container.
	OpenNew(container Super, name string) (Super, error)

	// SetArrayState records an array-state change in sup's in-memory
	// metadata. The DDF and IMSM drivers carry no clean/active bit at
	// this depth: they ignore active and bump the anchor sequence / MPB
	// generation counter.
	SetArrayState(sup Super, active bool) error

	// SetDisk rewrites the in-memory state bits of the disk recorded at
	// major:minor.
	SetDisk(sup Super, major, minor int, state DiskState) error

	// ActivateSpare inserts spare into sup's member table as an active,
	// rebuilding disk and returns the reference number recorded for it
	// (spec §4.G, scenario S5: "the spare's phys_refnum appears in the
	// vd_config").
	ActivateSpare(sup Super, spare *mdmodel.DiskInfo) (uint32, error)

	// PrepareUpdate decodes a raw control-socket update payload into
	// family-specific form the monitor thread can apply without further
	// parsing (spec §4.G "prepare_update").
	PrepareUpdate(sup Super, payload []byte) (any, error)

	// ProcessUpdate applies a value returned by PrepareUpdate to sup's
	// in-memory state (spec §4.G "process_update").
	ProcessUpdate(sup Super, prepared any) error

	// MinAcceptableSpareSize returns the minimum component size, in
	// sectors, a spare must have to be usable by sup's array(s).
	MinAcceptableSpareSize(sup Super) uint64
}

// registry of known superswitches. Family packages (v090, v1x, ddf, imsm)
// call Register from their init(); something must blank-import them for
// that to happen — see mdsuper/families, which every caller that needs
// the full registry (rather than a single, statically-known family)
// imports instead of this package directly.
var registry []Superswitch

// Register adds a superswitch to the probing order. Called from family
// package init() functions.
func Register(s Superswitch) { registry = append(registry, s) }

// All returns every registered superswitch, in the fixed probing order
// they were registered (spec §4.C: "Load-time probing iterates over
// variants in a fixed order").
func All() []Superswitch {
	out := make([]Superswitch, len(registry))
	copy(out, registry)
	return out
}

// ByFamily returns the superswitch for an explicitly-named family.
func ByFamily(f Family) Superswitch {
	for _, s := range registry {
		if s.Family() == f {
			return s
		}
	}
	return nil
}

// chunkSizeLabel renders a chunk size the way mdadm's examine output
// does: a whole number of kibibytes with a trailing "K", e.g. "64K" for
// a 65536-byte chunk (scenario S1).
func chunkSizeLabel(s mdmodel.ArrayInfo) string {
	return fmt.Sprintf("%dK", s.ChunkSize.Bytes()/1024)
}

// RenderExamine renders the common field block every family's Examine
// shares, from the family-normalized ArrayInfo (spec §4.C "examine").
// Callers prepend their own family-specific magic/version preamble line.
func RenderExamine(info *mdmodel.ArrayInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "           Name : %s\n", info.Name)
	fmt.Fprintf(&b, "     Array UUID : %s\n", info.UUID)
	fmt.Fprintf(&b, "     Raid Level : %s\n", info.Level.String())
	fmt.Fprintf(&b, "   Raid Devices : %d\n", info.RaidDisks)
	fmt.Fprintf(&b, " Avail Dev Size : %d sectors\n", info.ComponentSize)
	fmt.Fprintf(&b, "     Array Size : %d sectors\n", info.ArraySize)
	if info.ChunkSize > 0 {
		fmt.Fprintf(&b, "     Chunk Size : %s\n", chunkSizeLabel(*info))
	}
	fmt.Fprintf(&b, "         Layout : %d\n", info.Layout)
	fmt.Fprintf(&b, "   Active Disks : %d\n", info.ActiveDisks())
	return b.String()
}

// RenderBriefExamine renders the one-line ARRAY-stanza form (spec §4.C
// "brief_examine").
func RenderBriefExamine(info *mdmodel.ArrayInfo) string {
	name := info.SysName
	if name == "" {
		name = "<unknown>"
	}
	return fmt.Sprintf("ARRAY /dev/%s level=%s num-devices=%d UUID=%s\n", name, info.Level.String(), info.RaidDisks, info.UUID)
}

// RenderExportExamine renders the KEY=VALUE shell-exportable form (spec
// §4.C "export_examine").
func RenderExportExamine(info *mdmodel.ArrayInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MD_LEVEL=%s\n", info.Level.String())
	fmt.Fprintf(&b, "MD_DEVICES=%d\n", info.RaidDisks)
	fmt.Fprintf(&b, "MD_UUID=%s\n", info.UUID)
	fmt.Fprintf(&b, "MD_NAME=%s\n", info.Name)
	if info.ChunkSize > 0 {
		fmt.Fprintf(&b, "MD_CHUNK_SIZE=%s\n", chunkSizeLabel(*info))
	}
	return b.String()
}

// StoreQuorum persists sup to every device in devs. External metadata is
// mirrored onto every member disk; per spec §4.C "Store" for externals
// ("write… to every member disk… succeed on a quorum") and §7's
// invariant ("store succeeded on ≥ 1 device vs all failed"), the call
// returns nil once the in-memory state is durable on at least one disk,
// even if some member disks failed. Only when every disk fails does it
// return a non-nil error, aggregating every per-disk failure via
// pkg/multierror so the caller can see exactly which disks failed.
func StoreQuorum(sup Super, devs []*blockio.Device) error {
	if len(devs) == 0 {
		return mderr.New(mderr.NoDevice, "no member disks to store to")
	}

	var (
		ok   int
		merr error
	)
	for i, d := range devs {
		if err := sup.Store(d); err != nil {
			wrapped := errors.Wrapf(err, "member disk %d", i)
			if merr == nil {
				merr = wrapped
			} else {
				merr = multierror.Append(merr, wrapped)
			}
			continue
		}
		ok++
	}
	if ok == 0 {
		return mderr.Wrap(merr, mderr.IoError, "store failed on every member disk")
	}
	return nil
}
