// Package mdmodel holds the in-memory array/disk descriptors shared by
// every metadata driver and the higher-level coordinators (spec §3).
package mdmodel

import (
	"fmt"

	"github.com/mdraid/mdctl/pkg/units"
)

// UUID is the 16-byte array/container identity used across all metadata
// families.
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x:%02x%02x%02x%02x:%02x%02x%02x%02x:%02x%02x%02x%02x",
		u[0], u[1], u[2], u[3], u[4], u[5], u[6], u[7],
		u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15])
}

func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Level is the RAID level / pseudo-level of an array.
type Level int

const (
	LevelLinear     Level = -1
	LevelMultipath  Level = -4
	LevelFaulty     Level = -5
	LevelContainer  Level = -6
	Level0          Level = 0
	Level1          Level = 1
	Level4          Level = 4
	Level5          Level = 5
	Level6          Level = 6
	Level10         Level = 10
)

func (l Level) String() string {
	switch l {
	case LevelLinear:
		return "linear"
	case LevelMultipath:
		return "multipath"
	case LevelFaulty:
		return "faulty"
	case LevelContainer:
		return "container"
	default:
		return fmt.Sprintf("raid%d", int(l))
	}
}

// Role is the slot a disk occupies in an array, or a sentinel.
type Role int

const (
	RoleSpare   Role = -1
	RoleFaulty  Role = -2
	RoleRemoved Role = -3
)

func (r Role) IsSlot() bool { return r >= 0 }

// DiskInfo is the per-disk descriptor (spec §3 "Disk identity").
type DiskInfo struct {
	Major, Minor int
	Serial       [20]byte
	Role         Role
	DataOffset   units.Sectors
	ComponentSz  units.Sectors

	// RefNum is the 4-byte external-metadata per-disk reference, derived
	// pseudorandomly at add time (DDF/IMSM only).
	RefNum uint32

	Next *DiskInfo
}

// ArrayInfo is the in-memory array descriptor ("mdinfo" in spec §3).
type ArrayInfo struct {
	UUID UUID
	Name string // free-form, <=32 bytes
	HomeHost string

	Level     Level
	Layout    int
	ChunkSize units.Sectors // power of two
	RaidDisks int
	Events    uint64

	ContainerUUID UUID // set only for external-metadata volumes

	ArraySize     units.Sectors
	ComponentSize units.Sectors

	ReshapePosition units.Sectors
	ResyncStart     units.Sectors
	ReshapeActive   bool
	DeltaDisks      int
	NewLevel        Level
	NewLayout       int
	NewChunk        units.Sectors

	// SysName is the kernel device name used to build sysfs paths, e.g.
	// "md127". MetadataVersion is e.g. "1.2" or "external:imsm" or
	// "/md127/0" for a subarray reference.
	SysName         string
	MetadataVersion string

	Disks *DiskInfo
}

// ActiveDisks counts slots 0..RaidDisks-1 currently claimed by a
// non-faulty, non-removed disk.
func (a *ArrayInfo) ActiveDisks() int {
	n := 0
	for d := a.Disks; d != nil; d = d.Next {
		if d.Role.IsSlot() && int(d.Role) < a.RaidDisks {
			n++
		}
	}
	return n
}

// MaxFailures returns the number of member failures a level tolerates
// before quorum is lost (spec §8 property 10).
func (a *ArrayInfo) MaxFailures() int {
	switch a.Level {
	case Level0, LevelLinear:
		return 0
	case Level1, Level10:
		return 1
	case Level4, Level5:
		return 1
	case Level6:
		return 2
	default:
		return 0
	}
}

// Container groups zero or more volumes sharing spares (DDF/IMSM).
type Container struct {
	UUID    UUID
	Path    string
	Volumes []*ArrayInfo
	Spares  []*DiskInfo
}
