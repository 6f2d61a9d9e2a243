// Package ddf implements the SNIA Common RAID DDF external-metadata
// family (spec §3, §4.C). Depth is reduced relative to v0.90/v1.x: only
// the last-sector anchor header is encoded and decoded bit-for-bit. The
// primary/secondary headers, controller record, phys/virt disk tables and
// config records are neither read nor written; the virtual-disk and
// physical-disk tables exist only in memory (see Container).
package ddf

import (
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsuper"
	"github.com/mdraid/mdctl/pkg/units"
)

const (
	anchorMagic  = 0xDE11DE11
	anchorBytes  = 512
	crcSentinel  = 0xFFFFFFFF
)

const (
	offSignature  = 0
	offCRC        = 4
	offGUID       = 8  // 24 bytes
	offRevision   = 32 // 8 bytes
	offSeq        = 40
	offTimestamp  = 44
	offOpenFlag   = 48
	offPrimaryLBA = 56
	offSecondLBA  = 64
	offWorkLBA    = 72
	offMaxPD      = 80
	offMaxVD      = 84
	offMaxPart    = 88
	offConfigLen  = 92 // sectors
	offCtrlGUID   = 96 // 24 bytes, the controller record's own GUID
)

// Anchor is the last-sector DDF header that locates every other section.
type Anchor struct {
	GUID        [24]byte
	Revision    [8]byte
	Sequence    uint32
	Timestamp   uint32
	PrimaryLBA  uint64
	SecondaryLBA uint64
	WorkspaceLBA uint64
	MaxPD, MaxVD, MaxPart uint32
	ConfigRecordLen uint32
	ControllerGUID  [24]byte
}

// crcOf computes the CRC32 (IEEE) of buf with its CRC field treated as
// crcSentinel during calculation, per spec §3/§4.C.
func crcOf(buf []byte, crcOffset int) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[crcOffset:], crcSentinel)
	return crc32.ChecksumIEEE(tmp)
}

func (a *Anchor) encode() []byte {
	buf := make([]byte, anchorBytes)
	binary.LittleEndian.PutUint32(buf[offSignature:], anchorMagic)
	copy(buf[offGUID:], a.GUID[:])
	copy(buf[offRevision:], a.Revision[:])
	binary.LittleEndian.PutUint32(buf[offSeq:], a.Sequence)
	binary.LittleEndian.PutUint32(buf[offTimestamp:], a.Timestamp)
	binary.LittleEndian.PutUint64(buf[offPrimaryLBA:], a.PrimaryLBA)
	binary.LittleEndian.PutUint64(buf[offSecondLBA:], a.SecondaryLBA)
	binary.LittleEndian.PutUint64(buf[offWorkLBA:], a.WorkspaceLBA)
	binary.LittleEndian.PutUint32(buf[offMaxPD:], a.MaxPD)
	binary.LittleEndian.PutUint32(buf[offMaxVD:], a.MaxVD)
	binary.LittleEndian.PutUint32(buf[offMaxPart:], a.MaxPart)
	binary.LittleEndian.PutUint32(buf[offConfigLen:], a.ConfigRecordLen)
	copy(buf[offCtrlGUID:], a.ControllerGUID[:])
	crc := crcOf(buf, offCRC)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

func decodeAnchor(buf []byte) (*Anchor, error) {
	if len(buf) < anchorBytes {
		return nil, mderr.New(mderr.TooSmall, "short DDF anchor")
	}
	if binary.LittleEndian.Uint32(buf[offSignature:]) != anchorMagic {
		return nil, mderr.New(mderr.NoMagic, "no DDF anchor signature")
	}
	stored := binary.LittleEndian.Uint32(buf[offCRC:])
	if crcOf(buf, offCRC) != stored {
		return nil, mderr.New(mderr.BadChecksum, "DDF anchor CRC mismatch")
	}

	a := &Anchor{}
	copy(a.GUID[:], buf[offGUID:offGUID+24])
	copy(a.Revision[:], buf[offRevision:offRevision+8])
	a.Sequence = binary.LittleEndian.Uint32(buf[offSeq:])
	a.Timestamp = binary.LittleEndian.Uint32(buf[offTimestamp:])
	a.PrimaryLBA = binary.LittleEndian.Uint64(buf[offPrimaryLBA:])
	a.SecondaryLBA = binary.LittleEndian.Uint64(buf[offSecondLBA:])
	a.WorkspaceLBA = binary.LittleEndian.Uint64(buf[offWorkLBA:])
	a.MaxPD = binary.LittleEndian.Uint32(buf[offMaxPD:])
	a.MaxVD = binary.LittleEndian.Uint32(buf[offMaxVD:])
	a.MaxPart = binary.LittleEndian.Uint32(buf[offMaxPart:])
	a.ConfigRecordLen = binary.LittleEndian.Uint32(buf[offConfigLen:])
	copy(a.ControllerGUID[:], buf[offCtrlGUID:offCtrlGUID+24])
	return a, nil
}

// VirtualDisk is one entry of the virtual-disk table: the record whose
// GUID is hashed to produce the MD-visible UUID (spec §4.C "UUID
// derivation for externals").
type VirtualDisk struct {
	GUID      [24]byte
	Name      string
	Level     int32
	RaidDisks int32
	ChunkKB   uint32
	Sectors   uint64
}

// ddfDiskState mirrors the PD_STATE bits of a DDF physical-disk record
// this reduced model tracks in memory (full PDR byte layout is not
// modelled; see package doc).
type ddfDiskState uint32

const (
	ddfOnline ddfDiskState = 1 << iota
	ddfFailed
	ddfRebuilding
	ddfActiveInVD
	ddfSpare
)

// PhysDisk is the in-memory-only record this reduced driver keeps per
// member disk: a GUID/refnum pair and its state, looked up by the kernel
// major:minor the monitor thread identifies disks by.
type PhysDisk struct {
	GUID   [24]byte
	RefNum uint32
	State  ddfDiskState

	Major, Minor int
}

// Container is one DDF metadata set: the anchor plus in-memory
// virtual-disk and physical-disk tables. Load reads only the anchor, so a
// loaded Container has empty Virtual and Phys; Store writes only the
// anchor (with its CRC recomputed) and leaves every other on-disk section
// as it was. Phys and VDRefNums are this model's in-memory stand-in for
// the real PDR/vd_config tables, enough to drive
// SetDisk/ActivateSpare/PrepareUpdate without a full parse.
type Container struct {
	Anchor  Anchor
	Virtual []VirtualDisk
	raw     []byte // not populated by Load nor written by Store

	Phys      []PhysDisk
	VDRefNums []uint32
	Dirty     bool
}

type superswitch struct{}

func init() { mdsuper.Register(superswitch{}) }

func (superswitch) Family() mdsuper.Family { return mdsuper.FamilyDDF }

func (superswitch) Load(dev *blockio.Device) (mdsuper.Super, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, err
	}
	if size < anchorBytes {
		return nil, mderr.New(mderr.TooSmall, "device too small for DDF anchor")
	}
	off := size - anchorBytes

	buf := make([]byte, anchorBytes)
	if err := dev.ReadAt(buf, off); err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "read DDF anchor")
	}

	a, err := decodeAnchor(buf)
	if err != nil {
		return nil, err
	}

	return &Container{Anchor: *a}, nil
}

func (superswitch) InitSuper(info *mdmodel.ArrayInfo) (mdsuper.Super, error) {
	c := &Container{}
	c.Anchor.MaxPD = 128
	c.Anchor.MaxVD = 255
	c.Anchor.MaxPart = 1
	c.Anchor.Sequence = 1
	vd := VirtualDisk{
		Name:      info.Name,
		Level:     int32(info.Level),
		RaidDisks: int32(info.RaidDisks),
		ChunkKB:   uint32(info.ChunkSize) / 2,
		Sectors:   uint64(info.ComponentSize),
	}
	copy(vd.GUID[:], info.UUID[:])
	c.Virtual = append(c.Virtual, vd)
	return c, nil
}

func (c *Container) UUID() mdmodel.UUID {
	if len(c.Virtual) == 0 {
		return sha1Tag(c.Anchor.GUID[:])
	}
	return sha1Tag(c.Virtual[0].GUID[:])
}

// sha1Tag returns the first 16 bytes of SHA-1(src), per spec §4.C.
func sha1Tag(src []byte) mdmodel.UUID {
	sum := sha1.Sum(src)
	var u mdmodel.UUID
	copy(u[:], sum[:16])
	return u
}

func (c *Container) Update(name string, args ...any) error {
	switch name {
	case "events":
		c.Anchor.Sequence++
		return nil
	default:
		return mderr.New(mderr.Unknown, "unsupported DDF update: "+name)
	}
}

func (c *Container) AddToSuper(d *mdmodel.DiskInfo) error {
	if c.Anchor.MaxPD == 0 {
		return mderr.New(mderr.AllocationFailure, "zero max_pd")
	}
	if len(c.Phys) >= int(c.Anchor.MaxPD) {
		return mderr.New(mderr.AllocationFailure, "no free physical-disk slot")
	}
	tok := uuid.New()
	ref := binary.LittleEndian.Uint32(tok[:4])
	d.RefNum = ref

	var guid [24]byte
	copy(guid[:], tok[:])
	c.Phys = append(c.Phys, PhysDisk{
		GUID:   guid,
		RefNum: ref,
		State:  ddfOnline | ddfActiveInVD,
		Major:  d.Major,
		Minor:  d.Minor,
	})
	c.VDRefNums = append(c.VDRefNums, ref)
	c.Dirty = true
	return nil
}

func (c *Container) RemoveFromSuper(major, minor int) error {
	for i, p := range c.Phys {
		if p.Major == major && p.Minor == minor {
			c.removeVDRef(p.RefNum)
			c.Phys = append(c.Phys[:i], c.Phys[i+1:]...)
			c.Dirty = true
			return nil
		}
	}
	return mderr.New(mderr.NoDevice, "disk not present in superblock")
}

func (c *Container) removeVDRef(ref uint32) {
	for i, r := range c.VDRefNums {
		if r == ref {
			c.VDRefNums = append(c.VDRefNums[:i], c.VDRefNums[i+1:]...)
			return
		}
	}
}

func (c *Container) physByMajorMinor(major, minor int) *PhysDisk {
	for i := range c.Phys {
		if c.Phys[i].Major == major && c.Phys[i].Minor == minor {
			return &c.Phys[i]
		}
	}
	return nil
}

func (c *Container) Store(dev *blockio.Device) error {
	size, err := dev.Size()
	if err != nil {
		return err
	}
	off := size - anchorBytes
	buf := c.Anchor.encode()
	if err := dev.WriteAt(buf, off); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write DDF anchor")
	}
	return errors.WithStack(dev.Fsync())
}

func (c *Container) GetInfo() *mdmodel.ArrayInfo {
	info := &mdmodel.ArrayInfo{
		UUID:            c.UUID(),
		MetadataVersion: "external:ddf",
	}
	if len(c.Virtual) > 0 {
		vd := c.Virtual[0]
		info.Name = vd.Name
		info.Level = mdmodel.Level(vd.Level)
		info.RaidDisks = int(vd.RaidDisks)
		info.ComponentSize = units.Sectors(vd.Sectors)
	}
	return info
}

func (superswitch) Compare(a, b mdsuper.Super) error {
	ca, ok1 := a.(*Container)
	cb, ok2 := b.(*Container)
	if !ok1 || !ok2 {
		return mderr.New(mderr.IncompatibleMetadata, "not both DDF containers")
	}
	if ca.Anchor.GUID != cb.Anchor.GUID {
		return mderr.New(mderr.IncompatibleMetadata, "anchor guid mismatch")
	}
	return nil
}

func (superswitch) MatchHome(mdsuper.Super, string) bool {
	// DDF carries no portable home-host hint.
	return false
}

func (superswitch) AvailSize(deviceSectors uint64) uint64 {
	reserved := uint64(anchorBytes*3) / 512 // anchor + primary/secondary headers
	if deviceSectors < reserved {
		return 0
	}
	return deviceSectors - reserved
}

func (superswitch) Examine(sup mdsuper.Super) string {
	c := sup.(*Container)
	return "          Magic : DE11DE11\n        Version : 01.02.00\n" + mdsuper.RenderExamine(c.GetInfo())
}

func (superswitch) BriefExamine(sup mdsuper.Super) string {
	return mdsuper.RenderBriefExamine(sup.(*Container).GetInfo())
}

func (superswitch) ExportExamine(sup mdsuper.Super) string {
	return mdsuper.RenderExportExamine(sup.(*Container).GetInfo())
}

func (sw superswitch) Detail(sup mdsuper.Super) string      { return sw.Examine(sup) }
func (sw superswitch) BriefDetail(sup mdsuper.Super) string { return sw.BriefExamine(sup) }

// OpenNew returns a fresh volume Container sharing the parent container's
// physical-disk table, so adding a volume to an existing DDF container
// doesn't lose the disks already enrolled in it.
func (superswitch) OpenNew(container mdsuper.Super, name string) (mdsuper.Super, error) {
	c, ok := container.(*Container)
	if !ok {
		return nil, mderr.New(mderr.IncompatibleMetadata, "not a DDF container")
	}
	nc := &Container{
		Anchor: c.Anchor,
		Phys:   c.Phys,
	}
	vd := VirtualDisk{Name: name}
	nc.Virtual = append(nc.Virtual, vd)
	return nc, nil
}

// SetArrayState rewrites the anchor sequence number so readers observe a
// change; DDF carries no separate clean/active bit at this model's depth.
func (superswitch) SetArrayState(sup mdsuper.Super, active bool) error {
	c := sup.(*Container)
	c.Anchor.Sequence++
	c.Dirty = true
	return nil
}

func (superswitch) SetDisk(sup mdsuper.Super, major, minor int, state mdsuper.DiskState) error {
	c := sup.(*Container)
	p := c.physByMajorMinor(major, minor)
	if p == nil {
		return mderr.New(mderr.NoDevice, "disk not present in superblock")
	}
	p.State = 0
	if state&mdsuper.DiskFaulty != 0 {
		p.State |= ddfFailed
	} else {
		p.State |= ddfOnline
	}
	if state&mdsuper.DiskActiveInVD != 0 {
		p.State |= ddfActiveInVD
	}
	if state&mdsuper.DiskRebuilding != 0 {
		p.State |= ddfRebuilding
	}
	if state&mdsuper.DiskSpare != 0 {
		p.State |= ddfSpare
	}
	c.Dirty = true
	return nil
}

// ActivateSpare promotes spare into sup's physical-disk table as an
// active, rebuilding virtual-disk member and records its reference
// number in VDRefNums, the minimal vd_config phys_refnum stand-in
// (scenario S5).
func (superswitch) ActivateSpare(sup mdsuper.Super, spare *mdmodel.DiskInfo) (uint32, error) {
	c := sup.(*Container)
	p := c.physByMajorMinor(spare.Major, spare.Minor)
	if p == nil {
		return 0, mderr.New(mderr.NoDevice, "spare not present in superblock")
	}
	tok := uuid.New()
	ref := binary.LittleEndian.Uint32(tok[:4])
	p.RefNum = ref
	p.State = ddfOnline | ddfActiveInVD | ddfRebuilding
	c.VDRefNums = append(c.VDRefNums, ref)
	c.Dirty = true
	return ref, nil
}

// ddfUpdate is the decoded form of a control-socket payload: one named
// action against the disk at Major:Minor.
type ddfUpdate struct {
	action       string
	major, minor int
}

// PrepareUpdate decodes a "<action>:<major>:<minor>" payload, the wire
// form mdmon's control socket uses to describe a metadata mutation.
func (superswitch) PrepareUpdate(sup mdsuper.Super, payload []byte) (any, error) {
	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 {
		return nil, mderr.New(mderr.Unknown, "malformed DDF update payload")
	}
	major, err1 := strconv.Atoi(parts[1])
	minor, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return nil, mderr.New(mderr.Unknown, "malformed DDF update major:minor")
	}
	return ddfUpdate{action: parts[0], major: major, minor: minor}, nil
}

func (sw superswitch) ProcessUpdate(sup mdsuper.Super, prepared any) error {
	u, ok := prepared.(ddfUpdate)
	if !ok {
		return mderr.New(mderr.Unknown, "prepared value is not a DDF update")
	}
	switch u.action {
	case "fault":
		return sw.SetDisk(sup, u.major, u.minor, mdsuper.DiskFaulty)
	case "online":
		return sw.SetDisk(sup, u.major, u.minor, mdsuper.DiskOnline|mdsuper.DiskActiveInVD)
	default:
		return mderr.New(mderr.Unknown, "unsupported DDF update action: "+u.action)
	}
}

// MinAcceptableSpareSize returns the configured volume's component size:
// a replacement must cover the virtual disk it would rebuild into.
func (superswitch) MinAcceptableSpareSize(sup mdsuper.Super) uint64 {
	c := sup.(*Container)
	if len(c.Virtual) == 0 {
		return 0
	}
	return c.Virtual[0].Sectors
}
