// Package v1x implements the versioned, variable-size v1.0/v1.1/v1.2 MD
// superblock (spec §3, §4.C).
package v1x

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsuper"
	"github.com/mdraid/mdctl/pkg/units"
)

const (
	sbMagic     = 0xa92b4efc
	headerBytes = 256 // fixed portion, excluding dev_roles[]
	maxDevs     = 384 // (1024 - 256) / 2, matching the legacy 1K default
)

// field byte offsets within the 256-byte fixed header.
const (
	offMagic           = 0
	offMajorVersion    = 4
	offFeatureMap      = 8
	offPad0            = 12
	offSetUUID         = 16 // 16 bytes
	offSetName         = 32 // 32 bytes
	offCTime           = 64
	offLevel           = 72
	offLayout          = 76
	offSize            = 80
	offChunksize       = 88
	offRaidDisks       = 92
	offBitmapOffset    = 96
	offNewLevel        = 100
	offReshapePosition = 104
	offDeltaDisks      = 112
	offNewLayout       = 116
	offNewChunk        = 120
	offDataOffset      = 128
	offDataSize        = 136
	offSuperOffset     = 144
	offRecoveryOffset  = 152
	offDevNumber       = 160
	offCntCorrected    = 164
	offDeviceUUID      = 168 // 16 bytes
	offDevFlags        = 184
	offUTime           = 192
	offEvents          = 200
	offResyncOffset    = 208
	offSbCsum          = 216
	offMaxDev          = 220
	offDevRoles        = 256
)

const (
	featureBitmapOffset  = 1
	featureRecoveryOff   = 2
	featureReshapeActive = 4
)

const (
	roleSpare  uint16 = 0xffff
	roleFaulty uint16 = 0xfffe
)

// Minor distinguishes the three placement variants. They share one
// on-disk layout; only the superblock's sector offset differs.
type Minor int

const (
	Minor0 Minor = iota // near end of device
	Minor1              // sector 0
	Minor2              // sector 8
)

func (m Minor) family() mdsuper.Family {
	switch m {
	case Minor1:
		return mdsuper.FamilyV11
	case Minor2:
		return mdsuper.FamilyV12
	default:
		return mdsuper.FamilyV10
	}
}

// Placement returns the byte offset of the superblock for a device with
// deviceSectors 512-byte sectors, per spec §3.
func Placement(m Minor, deviceSectors uint64) uint64 {
	var sector uint64
	switch m {
	case Minor1:
		sector = 0
	case Minor2:
		sector = 8
	default:
		if deviceSectors < 16 {
			sector = 0
		} else {
			sector = (deviceSectors - 16) &^ 7
		}
	}
	return sector * 512
}

// Super1 is the parsed in-memory form of a v1.x superblock.
type Super1 struct {
	Minor Minor

	FeatureMap uint32
	SetUUID    [16]byte
	SetName    [32]byte
	CTime      uint64
	Level      int32
	Layout     int32
	Size       uint64 // sectors

	ChunkSize    uint32
	RaidDisks    uint32
	BitmapOffset int32

	NewLevel         int32
	ReshapePosition  uint64
	DeltaDisks       int32
	NewLayout        int32
	NewChunk         uint32

	DataOffset     uint64
	DataSize       uint64
	SuperOffset    uint64
	RecoveryOffset uint64
	DevNumber      uint32
	CntCorrected   uint32
	DeviceUUID     [16]byte
	DevFlags       byte

	UTime         uint64
	Events        uint64
	ResyncOffset  uint64
	MaxDev        uint32
	DevRoles      []uint16
}

type superswitch struct{ minor Minor }

func init() {
	mdsuper.Register(superswitch{Minor0})
	mdsuper.Register(superswitch{Minor1})
	mdsuper.Register(superswitch{Minor2})
}

func (s superswitch) Family() mdsuper.Family { return s.minor.family() }

func calcCsum(buf []byte) uint32 {
	var sum uint64
	i := 0
	for ; i+4 <= len(buf); i += 4 {
		sum += uint64(binary.LittleEndian.Uint32(buf[i : i+4]))
	}
	if len(buf)-i == 2 {
		sum += uint64(binary.LittleEndian.Uint16(buf[i:]))
	}
	return uint32(sum&0xffffffff) + uint32(sum>>32)
}

func (sw superswitch) Load(dev *blockio.Device) (mdsuper.Super, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, err
	}
	sectors := uint64(size) / 512
	off := Placement(sw.minor, sectors)

	hdr := make([]byte, headerBytes)
	if err := dev.ReadAt(hdr, int64(off)); err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "read v1.x header")
	}

	if binary.LittleEndian.Uint32(hdr[offMagic:]) != sbMagic {
		return nil, mderr.New(mderr.NoMagic, "no v1.x magic")
	}

	maxDev := binary.LittleEndian.Uint32(hdr[offMaxDev:])
	if maxDev > maxDevs {
		return nil, mderr.New(mderr.WrongVersion, "implausible max_dev")
	}

	total := headerBytes + int(maxDev)*2
	buf := make([]byte, total)
	copy(buf, hdr)
	if total > headerBytes {
		if err := dev.ReadAt(buf[headerBytes:], int64(off)+headerBytes); err != nil {
			return nil, mderr.Wrap(err, mderr.IoError, "read v1.x dev_roles")
		}
	}

	stored := binary.LittleEndian.Uint32(buf[offSbCsum:])
	binary.LittleEndian.PutUint32(buf[offSbCsum:], 0)
	if computed := calcCsum(buf); computed != stored {
		return nil, mderr.New(mderr.BadChecksum, "v1.x checksum mismatch")
	}
	binary.LittleEndian.PutUint32(buf[offSbCsum:], stored)

	s := &Super1{Minor: sw.minor}
	s.decode(buf)
	return s, nil
}

func (sw superswitch) InitSuper(info *mdmodel.ArrayInfo) (mdsuper.Super, error) {
	s := &Super1{
		Minor:     sw.minor,
		Level:     int32(info.Level),
		Layout:    int32(info.Layout),
		Size:      uint64(info.ComponentSize),
		ChunkSize: uint32(info.ChunkSize),
		RaidDisks: uint32(info.RaidDisks),
		MaxDev:    uint32(maxInt(info.RaidDisks, 1)),
		Events:    info.Events,
	}
	copy(s.SetUUID[:], info.UUID[:])
	copy(s.SetName[:], info.Name)
	s.DevRoles = make([]uint16, s.MaxDev)
	for i := range s.DevRoles {
		s.DevRoles[i] = roleSpare
	}
	return s, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Super1) UUID() mdmodel.UUID {
	var u mdmodel.UUID
	copy(u[:], s.SetUUID[:])
	return u
}

// Update applies one named mutation: "events" (event bump), "resync",
// "devicesize", "uuid", "name" and "_reshape_progress" (reshape-progress
// bookkeeping). Any other name, including "summaries", "force" and
// "homehost", is rejected with an Unknown error.
func (s *Super1) Update(name string, args ...any) error {
	switch name {
	case "events":
		s.Events++
		return nil
	case "resync":
		s.ResyncOffset = 0
		return nil
	case "devicesize":
		if len(args) != 1 {
			return mderr.New(mderr.Unknown, "devicesize requires one arg")
		}
		deviceSectors, ok := args[0].(uint64)
		if !ok {
			return mderr.New(mderr.Unknown, "devicesize arg must be uint64")
		}
		if deviceSectors < s.DataOffset {
			return mderr.New(mderr.TooSmall, "device smaller than data offset")
		}
		s.DataSize = deviceSectors - s.DataOffset
		return nil
	case "uuid":
		if len(args) != 1 {
			return mderr.New(mderr.Unknown, "uuid requires one arg")
		}
		u, ok := args[0].(mdmodel.UUID)
		if !ok {
			return mderr.New(mderr.Unknown, "uuid arg must be mdmodel.UUID")
		}
		copy(s.SetUUID[:], u[:])
		return nil
	case "name":
		if len(args) != 1 {
			return mderr.New(mderr.Unknown, "name requires one arg")
		}
		n, ok := args[0].(string)
		if !ok {
			return mderr.New(mderr.Unknown, "name arg must be string")
		}
		var b [32]byte
		copy(b[:], n)
		s.SetName = b
		return nil
	case "_reshape_progress":
		if len(args) != 1 {
			return mderr.New(mderr.Unknown, "_reshape_progress requires one arg")
		}
		p, ok := args[0].(units.Sectors)
		if !ok {
			return mderr.New(mderr.Unknown, "_reshape_progress arg must be units.Sectors")
		}
		s.ReshapePosition = uint64(p)
		s.FeatureMap |= featureReshapeActive
		return nil
	default:
		return mderr.New(mderr.Unknown, "unsupported v1.x update: "+name)
	}
}

func (s *Super1) AddToSuper(d *mdmodel.DiskInfo) error {
	if int(s.MaxDev) <= 0 {
		return mderr.New(mderr.AllocationFailure, "zero max_dev")
	}
	for i, role := range s.DevRoles {
		if role == roleSpare || role == roleFaulty {
			s.DevRoles[i] = uint16(i)
			s.DevNumber = uint32(i)
			return nil
		}
	}
	return mderr.New(mderr.AllocationFailure, "no free dev_roles slot")
}

func (s *Super1) RemoveFromSuper(major, minor int) error {
	// v1.x dev_roles tracks only role-by-dev-number; per-device
	// major:minor pairs live in sysfs, not the superblock, so major and
	// minor are not consulted: removal marks the first active dev_roles
	// entry faulty.
	if len(s.DevRoles) == 0 {
		return mderr.New(mderr.NoDevice, "no disks present")
	}
	for i, role := range s.DevRoles {
		if role != roleSpare && role != roleFaulty {
			s.DevRoles[i] = roleFaulty
			return nil
		}
	}
	return mderr.New(mderr.NoDevice, "disk not present in superblock")
}

func (s *Super1) Store(dev *blockio.Device) error {
	size, err := dev.Size()
	if err != nil {
		return err
	}
	sectors := uint64(size) / 512
	off := Placement(s.Minor, sectors)

	buf := s.encode()
	if err := dev.WriteAt(buf, int64(off)); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write v1.x superblock")
	}
	return errors.WithStack(dev.Fsync())
}

func (s *Super1) decode(buf []byte) {
	le32 := func(o int) int32 { return int32(binary.LittleEndian.Uint32(buf[o:])) }
	u32 := func(o int) uint32 { return binary.LittleEndian.Uint32(buf[o:]) }
	u64 := func(o int) uint64 { return binary.LittleEndian.Uint64(buf[o:]) }

	s.FeatureMap = u32(offFeatureMap)
	copy(s.SetUUID[:], buf[offSetUUID:offSetUUID+16])
	copy(s.SetName[:], buf[offSetName:offSetName+32])
	s.CTime = u64(offCTime)
	s.Level = le32(offLevel)
	s.Layout = le32(offLayout)
	s.Size = u64(offSize)
	s.ChunkSize = u32(offChunksize)
	s.RaidDisks = u32(offRaidDisks)
	s.BitmapOffset = le32(offBitmapOffset)
	s.NewLevel = le32(offNewLevel)
	s.ReshapePosition = u64(offReshapePosition)
	s.DeltaDisks = le32(offDeltaDisks)
	s.NewLayout = le32(offNewLayout)
	s.NewChunk = u32(offNewChunk)
	s.DataOffset = u64(offDataOffset)
	s.DataSize = u64(offDataSize)
	s.SuperOffset = u64(offSuperOffset)
	s.RecoveryOffset = u64(offRecoveryOffset)
	s.DevNumber = u32(offDevNumber)
	s.CntCorrected = u32(offCntCorrected)
	copy(s.DeviceUUID[:], buf[offDeviceUUID:offDeviceUUID+16])
	s.DevFlags = buf[offDevFlags]
	s.UTime = u64(offUTime)
	s.Events = u64(offEvents)
	s.ResyncOffset = u64(offResyncOffset)
	s.MaxDev = u32(offMaxDev)

	n := int(s.MaxDev)
	if headerBytes+n*2 > len(buf) {
		n = (len(buf) - headerBytes) / 2
	}
	s.DevRoles = make([]uint16, n)
	for i := 0; i < n; i++ {
		s.DevRoles[i] = binary.LittleEndian.Uint16(buf[offDevRoles+i*2:])
	}
}

func (s *Super1) encode() []byte {
	total := headerBytes + len(s.DevRoles)*2
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[offMagic:], sbMagic)
	binary.LittleEndian.PutUint32(buf[offMajorVersion:], 1)
	binary.LittleEndian.PutUint32(buf[offFeatureMap:], s.FeatureMap)
	copy(buf[offSetUUID:], s.SetUUID[:])
	copy(buf[offSetName:], s.SetName[:])
	binary.LittleEndian.PutUint64(buf[offCTime:], s.CTime)
	binary.LittleEndian.PutUint32(buf[offLevel:], uint32(s.Level))
	binary.LittleEndian.PutUint32(buf[offLayout:], uint32(s.Layout))
	binary.LittleEndian.PutUint64(buf[offSize:], s.Size)
	binary.LittleEndian.PutUint32(buf[offChunksize:], s.ChunkSize)
	binary.LittleEndian.PutUint32(buf[offRaidDisks:], s.RaidDisks)
	binary.LittleEndian.PutUint32(buf[offBitmapOffset:], uint32(s.BitmapOffset))
	binary.LittleEndian.PutUint32(buf[offNewLevel:], uint32(s.NewLevel))
	binary.LittleEndian.PutUint64(buf[offReshapePosition:], s.ReshapePosition)
	binary.LittleEndian.PutUint32(buf[offDeltaDisks:], uint32(s.DeltaDisks))
	binary.LittleEndian.PutUint32(buf[offNewLayout:], uint32(s.NewLayout))
	binary.LittleEndian.PutUint32(buf[offNewChunk:], s.NewChunk)
	binary.LittleEndian.PutUint64(buf[offDataOffset:], s.DataOffset)
	binary.LittleEndian.PutUint64(buf[offDataSize:], s.DataSize)
	binary.LittleEndian.PutUint64(buf[offSuperOffset:], s.SuperOffset)
	binary.LittleEndian.PutUint64(buf[offRecoveryOffset:], s.RecoveryOffset)
	binary.LittleEndian.PutUint32(buf[offDevNumber:], s.DevNumber)
	binary.LittleEndian.PutUint32(buf[offCntCorrected:], s.CntCorrected)
	copy(buf[offDeviceUUID:], s.DeviceUUID[:])
	buf[offDevFlags] = s.DevFlags
	binary.LittleEndian.PutUint64(buf[offUTime:], s.UTime)
	binary.LittleEndian.PutUint64(buf[offEvents:], s.Events)
	binary.LittleEndian.PutUint64(buf[offResyncOffset:], s.ResyncOffset)
	binary.LittleEndian.PutUint32(buf[offMaxDev:], uint32(len(s.DevRoles)))

	for i, role := range s.DevRoles {
		binary.LittleEndian.PutUint16(buf[offDevRoles+i*2:], role)
	}

	binary.LittleEndian.PutUint32(buf[offSbCsum:], 0)
	csum := calcCsum(buf)
	s.MaxDev = uint32(len(s.DevRoles))
	binary.LittleEndian.PutUint32(buf[offSbCsum:], csum)

	return buf
}

func (s *Super1) GetInfo() *mdmodel.ArrayInfo {
	info := &mdmodel.ArrayInfo{
		UUID:            s.UUID(),
		Name:            trimNull(s.SetName[:]),
		Level:           mdmodel.Level(s.Level),
		Layout:          int(s.Layout),
		ChunkSize:       units.Sectors(s.ChunkSize),
		RaidDisks:       int(s.RaidDisks),
		Events:          s.Events,
		ComponentSize:   units.Sectors(s.Size),
		ReshapePosition: units.Sectors(s.ReshapePosition),
		ResyncStart:     units.Sectors(s.ResyncOffset),
		ReshapeActive:   s.FeatureMap&featureReshapeActive != 0,
		DeltaDisks:      int(s.DeltaDisks),
		NewLevel:        mdmodel.Level(s.NewLevel),
		NewLayout:       int(s.NewLayout),
		NewChunk:        units.BytesToSectors(units.Bytes(s.NewChunk)),
		MetadataVersion: string(s.Minor.family()),
	}

	var head, tail *mdmodel.DiskInfo
	for i, role := range s.DevRoles {
		if role == roleSpare {
			continue
		}
		r := mdmodel.RoleFaulty
		if role != roleFaulty {
			r = mdmodel.Role(role)
		}
		di := &mdmodel.DiskInfo{RefNum: uint32(i), Role: r}
		if head == nil {
			head, tail = di, di
		} else {
			tail.Next = di
			tail = di
		}
	}
	info.Disks = head
	return info
}

func trimNull(b []byte) string {
	i := 0
	for ; i < len(b); i++ {
		if b[i] == 0 {
			break
		}
	}
	return string(b[:i])
}

func (sw superswitch) Compare(a, b mdsuper.Super) error {
	sa, ok1 := a.(*Super1)
	sb, ok2 := b.(*Super1)
	if !ok1 || !ok2 {
		return mderr.New(mderr.IncompatibleMetadata, "not both v1.x superblocks")
	}
	if sa.UUID() != sb.UUID() {
		return mderr.New(mderr.IncompatibleMetadata, "uuid mismatch")
	}
	if sa.Level != sb.Level || sa.Layout != sb.Layout || sa.RaidDisks != sb.RaidDisks || sa.ChunkSize != sb.ChunkSize {
		return mderr.New(mderr.IncompatibleMetadata, "geometry mismatch")
	}
	return nil
}

func (superswitch) MatchHome(s mdsuper.Super, host string) bool {
	sup, ok := s.(*Super1)
	if !ok {
		return false
	}
	name := trimNull(sup.SetName[:])
	prefix := host + ":"
	return len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix)
}

func (sw superswitch) AvailSize(deviceSectors uint64) uint64 {
	off := Placement(sw.minor, deviceSectors) / 512
	if sw.minor == Minor0 {
		if off == 0 {
			return 0
		}
		return off
	}
	// v1.1/v1.2 reserve a fixed region at the front for header + bitmap.
	const reserved = 4*1024*1024/512 + 16
	if deviceSectors < reserved {
		return 0
	}
	return deviceSectors - reserved
}

func (sw superswitch) Examine(sup mdsuper.Super) string {
	s := sup.(*Super1)
	preamble := fmt.Sprintf("          Magic : a92b4efc\n        Version : %s\n", sw.minor.family())
	return preamble + mdsuper.RenderExamine(s.GetInfo())
}

func (sw superswitch) BriefExamine(sup mdsuper.Super) string {
	return mdsuper.RenderBriefExamine(sup.(*Super1).GetInfo())
}

func (sw superswitch) ExportExamine(sup mdsuper.Super) string {
	return mdsuper.RenderExportExamine(sup.(*Super1).GetInfo())
}

func (sw superswitch) Detail(sup mdsuper.Super) string      { return sw.Examine(sup) }
func (sw superswitch) BriefDetail(sup mdsuper.Super) string { return sw.BriefExamine(sup) }
