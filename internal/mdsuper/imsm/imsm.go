// Package imsm implements the Intel Matrix Storage Manager external
// metadata family (spec §3, §4.C). As with ddf, depth is reduced: the
// MPB header and physical-disk table are modelled bit-for-bit; volume
// (imsm_dev) records are preserved as opaque bytes.
package imsm

import (
	"crypto/sha1"
	"encoding/binary"
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
	signature   = "Intel Raid ISM Cfg Sig. "
	headerBytes = 216 // sig..filler, ending where the disk table begins
	diskBytes   = 48
	tailSectors = 2 // the MPB header starts this many sectors before disk end
)

const (
	offSig          = 0  // 32 bytes
	offCheckSum     = 32
	offMPBSize      = 36
	offFamilyNum    = 40
	offGenerationNum = 44
	offErrorLogSize = 48
	offAttributes   = 52
	offNumDisks     = 56
	offNumRaidDevs  = 57
	offCacheSize    = 60
	offOrigFamily   = 64
	offDiskTable    = headerBytes
)

const (
	diskSpare      = 0x01
	diskConfigured = 0x02
	diskFailed     = 0x04
	diskUsable     = 0x08
	diskActiveInVD = 0x10
	diskRebuilding = 0x20
)

// Disk is one physical-disk table entry. Major/Minor are not part of the
// on-disk record (IMSM identifies disks by serial number); they are kept
// here only so SetDisk/ActivateSpare, which the monitor thread calls with
// a kernel major:minor pair, can find the right table entry.
type Disk struct {
	Serial      [16]byte
	TotalBlocks uint32
	ScsiID      uint32
	Status      uint32
	OwnerCfgNum uint32

	Major, Minor int
}

// MPB is the parsed Metadata Parameter Block.
type MPB struct {
	FamilyNum     uint32
	GenerationNum uint32
	Attributes    uint32
	CacheSize     uint32
	OrigFamilyNum uint32
	NumRaidDevs   byte

	Disks []Disk

	// CurrentVol and VolumeName feed the per-volume UUID derivation (spec
	// §4.C); they are not part of the on-disk MPB header itself.
	CurrentVol int32
	VolumeName string

	// VolRefNums is the minimal in-memory analogue of the imsm_dev
	// vd_config's phys_refnum table for the single volume this reduced
	// model tracks: the owner-config reference number of every disk
	// currently a member of the volume, in slot order. The full vd_config
	// record itself is not modelled (see package doc).
	VolRefNums []uint32
}

// placement returns the byte offset of an MPB of size bytes: the header
// starts tailSectors sectors before the disk end and the rest of the MPB
// follows it contiguously, so the header offset does not depend on size.
// A size that would run past the disk end yields 0.
func placement(deviceBytes uint64, size uint64) uint64 {
	start := deviceBytes - uint64(tailSectors)*512
	if size > deviceBytes-start {
		return 0
	}
	return start
}

// checksum replicates __gen_imsm_checksum: sum every 32-bit word of the
// first mpbSize bytes (including the stored check_sum word as-is), then
// subtract the stored check_sum value. A valid MPB has check_sum equal
// to that result.
func checksum(buf []byte, storedCheckSum uint32) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(buf); i += 4 {
		sum += binary.LittleEndian.Uint32(buf[i : i+4])
	}
	return sum - storedCheckSum
}

type superswitch struct{}

func init() { mdsuper.Register(superswitch{}) }

func (superswitch) Family() mdsuper.Family { return mdsuper.FamilyIMSM }

func (superswitch) Load(dev *blockio.Device) (mdsuper.Super, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, err
	}
	if uint64(size) < uint64(tailSectors)*512+headerBytes {
		return nil, mderr.New(mderr.TooSmall, "device too small for IMSM MPB")
	}

	hdrOff := placement(uint64(size), headerBytes)
	hdr := make([]byte, headerBytes)
	if err := dev.ReadAt(hdr, int64(hdrOff)); err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "read IMSM header")
	}

	if string(hdr[offSig:offSig+len(signature)]) != signature {
		return nil, mderr.New(mderr.NoMagic, "no IMSM signature")
	}

	mpbSize := binary.LittleEndian.Uint32(hdr[offMPBSize:])
	numDisks := hdr[offNumDisks]

	full := placement(uint64(size), uint64(mpbSize))
	buf := make([]byte, mpbSize)
	if err := dev.ReadAt(buf, int64(full)); err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "read IMSM MPB")
	}

	stored := binary.LittleEndian.Uint32(buf[offCheckSum:])
	if checksum(buf, stored) != stored {
		return nil, mderr.New(mderr.BadChecksum, "IMSM checksum mismatch")
	}

	m := &MPB{
		FamilyNum:     binary.LittleEndian.Uint32(buf[offFamilyNum:]),
		GenerationNum: binary.LittleEndian.Uint32(buf[offGenerationNum:]),
		Attributes:    binary.LittleEndian.Uint32(buf[offAttributes:]),
		CacheSize:     binary.LittleEndian.Uint32(buf[offCacheSize:]),
		OrigFamilyNum: binary.LittleEndian.Uint32(buf[offOrigFamily:]),
		NumRaidDevs:   buf[offNumRaidDevs],
	}

	for i := 0; i < int(numDisks); i++ {
		o := offDiskTable + i*diskBytes
		if o+diskBytes > len(buf) {
			break
		}
		var d Disk
		copy(d.Serial[:], buf[o:o+16])
		d.TotalBlocks = binary.LittleEndian.Uint32(buf[o+16:])
		d.ScsiID = binary.LittleEndian.Uint32(buf[o+20:])
		d.Status = binary.LittleEndian.Uint32(buf[o+24:])
		d.OwnerCfgNum = binary.LittleEndian.Uint32(buf[o+28:])
		m.Disks = append(m.Disks, d)
	}

	return m, nil
}

func (superswitch) InitSuper(info *mdmodel.ArrayInfo) (mdsuper.Super, error) {
	return &MPB{
		FamilyNum:     1,
		GenerationNum: 1,
		VolumeName:    info.Name,
	}, nil
}

func (m *MPB) encode() []byte {
	mpbSize := uint32(headerBytes + len(m.Disks)*diskBytes)
	buf := make([]byte, mpbSize)

	copy(buf[offSig:], signature)
	binary.LittleEndian.PutUint32(buf[offMPBSize:], mpbSize)
	binary.LittleEndian.PutUint32(buf[offFamilyNum:], m.FamilyNum)
	binary.LittleEndian.PutUint32(buf[offGenerationNum:], m.GenerationNum)
	binary.LittleEndian.PutUint32(buf[offAttributes:], m.Attributes)
	buf[offNumDisks] = byte(len(m.Disks))
	buf[offNumRaidDevs] = m.NumRaidDevs
	binary.LittleEndian.PutUint32(buf[offCacheSize:], m.CacheSize)
	binary.LittleEndian.PutUint32(buf[offOrigFamily:], m.OrigFamilyNum)

	for i, d := range m.Disks {
		o := offDiskTable + i*diskBytes
		copy(buf[o:], d.Serial[:])
		binary.LittleEndian.PutUint32(buf[o+16:], d.TotalBlocks)
		binary.LittleEndian.PutUint32(buf[o+20:], d.ScsiID)
		binary.LittleEndian.PutUint32(buf[o+24:], d.Status)
		binary.LittleEndian.PutUint32(buf[o+28:], d.OwnerCfgNum)
	}

	binary.LittleEndian.PutUint32(buf[offCheckSum:], 0)
	sum := checksum(buf, 0)
	binary.LittleEndian.PutUint32(buf[offCheckSum:], sum)
	return buf
}

func (superswitch) Compare(a, b mdsuper.Super) error {
	ma, ok1 := a.(*MPB)
	mb, ok2 := b.(*MPB)
	if !ok1 || !ok2 {
		return mderr.New(mderr.IncompatibleMetadata, "not both IMSM MPBs")
	}
	if ma.FamilyNum != mb.FamilyNum {
		return mderr.New(mderr.IncompatibleMetadata, "family_num mismatch")
	}
	return nil
}

func (superswitch) MatchHome(mdsuper.Super, string) bool {
	return false
}

func (superswitch) AvailSize(deviceSectors uint64) uint64 {
	reserved := uint64(tailSectors) + (headerBytes+4096)/512
	if deviceSectors < reserved {
		return 0
	}
	return deviceSectors - reserved
}

func (m *MPB) UUID() mdmodel.UUID {
	// SHA-1(signature || family_num || current_vol || volume_name), per
	// spec §4.C. Spares (CurrentVol < 0) hash the family alone so every
	// spare in a container shares one identity.
	h := sha1.New()
	h.Write([]byte(signature))
	var famBuf [4]byte
	binary.LittleEndian.PutUint32(famBuf[:], m.FamilyNum)
	h.Write(famBuf[:])
	if m.CurrentVol >= 0 {
		var volBuf [4]byte
		binary.LittleEndian.PutUint32(volBuf[:], uint32(m.CurrentVol))
		h.Write(volBuf[:])
		h.Write([]byte(m.VolumeName))
	}
	sum := h.Sum(nil)
	var u mdmodel.UUID
	copy(u[:], sum[:16])
	return u
}

func (m *MPB) Update(name string, args ...any) error {
	switch name {
	case "events":
		m.GenerationNum++
		return nil
	default:
		return mderr.New(mderr.Unknown, "unsupported IMSM update: "+name)
	}
}

func (m *MPB) AddToSuper(d *mdmodel.DiskInfo) error {
	var serial [16]byte
	copy(serial[:], d.Serial[:])

	// The owner-config reference is a pseudorandom per-disk token, not a
	// sequential index, so an external tool re-reading the MPB can't
	// confuse two disks that happen to occupy the same slot at different
	// times.
	tok := uuid.New()
	ref := binary.LittleEndian.Uint32(tok[:4])
	d.RefNum = ref

	m.Disks = append(m.Disks, Disk{
		Serial:      serial,
		TotalBlocks: uint32(d.ComponentSz),
		Status:      diskConfigured | diskUsable | diskActiveInVD,
		OwnerCfgNum: ref,
		Major:       d.Major,
		Minor:       d.Minor,
	})
	m.VolRefNums = append(m.VolRefNums, ref)
	return nil
}

func (m *MPB) RemoveFromSuper(major, minor int) error {
	for i, d := range m.Disks {
		if d.Major == major && d.Minor == minor {
			m.removeVolRef(d.OwnerCfgNum)
			m.Disks = append(m.Disks[:i], m.Disks[i+1:]...)
			return nil
		}
	}
	return mderr.New(mderr.NoDevice, "disk not present in superblock")
}

func (m *MPB) removeVolRef(ref uint32) {
	for i, r := range m.VolRefNums {
		if r == ref {
			m.VolRefNums = append(m.VolRefNums[:i], m.VolRefNums[i+1:]...)
			return
		}
	}
}

func (m *MPB) diskByMajorMinor(major, minor int) *Disk {
	for i := range m.Disks {
		if m.Disks[i].Major == major && m.Disks[i].Minor == minor {
			return &m.Disks[i]
		}
	}
	return nil
}

func (m *MPB) Store(dev *blockio.Device) error {
	size, err := dev.Size()
	if err != nil {
		return err
	}
	buf := m.encode()
	off := placement(uint64(size), uint64(len(buf)))
	if err := dev.WriteAt(buf, int64(off)); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write IMSM MPB")
	}
	return errors.WithStack(dev.Fsync())
}

func (m *MPB) GetInfo() *mdmodel.ArrayInfo {
	info := &mdmodel.ArrayInfo{
		UUID:            m.UUID(),
		Name:            m.VolumeName,
		MetadataVersion: "external:imsm",
	}
	var head, tail *mdmodel.DiskInfo
	for _, d := range m.Disks {
		role := mdmodel.RoleSpare
		if d.Status&diskConfigured != 0 {
			role = mdmodel.Role(d.OwnerCfgNum)
		} else if d.Status&diskFailed != 0 {
			role = mdmodel.RoleFaulty
		}
		di := &mdmodel.DiskInfo{
			Role:        role,
			ComponentSz: units.Sectors(d.TotalBlocks),
			RefNum:      d.OwnerCfgNum,
			Major:       d.Major,
			Minor:       d.Minor,
		}
		copy(di.Serial[:], d.Serial[:])
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

func (superswitch) Examine(sup mdsuper.Super) string {
	m := sup.(*MPB)
	return "          Magic : Intel Raid ISM Cfg Sig.\n        Version : 1.3.00\n" + mdsuper.RenderExamine(m.GetInfo())
}

func (superswitch) BriefExamine(sup mdsuper.Super) string {
	return mdsuper.RenderBriefExamine(sup.(*MPB).GetInfo())
}

func (superswitch) ExportExamine(sup mdsuper.Super) string {
	return mdsuper.RenderExportExamine(sup.(*MPB).GetInfo())
}

func (sw superswitch) Detail(sup mdsuper.Super) string      { return sw.Examine(sup) }
func (sw superswitch) BriefDetail(sup mdsuper.Super) string { return sw.BriefExamine(sup) }

// OpenNew returns a fresh volume Super sharing container's disk table, so
// adding a volume to an existing IMSM container doesn't lose the disks
// already enrolled in it.
func (superswitch) OpenNew(container mdsuper.Super, name string) (mdsuper.Super, error) {
	c, ok := container.(*MPB)
	if !ok {
		return nil, mderr.New(mderr.IncompatibleMetadata, "not an IMSM container")
	}
	return &MPB{
		FamilyNum:     c.FamilyNum,
		GenerationNum: c.GenerationNum,
		Disks:         c.Disks,
		VolumeName:    name,
	}, nil
}

// SetArrayState rewrites the MPB generation counter so readers observe a
// change; IMSM carries no separate clean/active bit at this model's depth.
func (superswitch) SetArrayState(sup mdsuper.Super, active bool) error {
	m := sup.(*MPB)
	m.GenerationNum++
	return nil
}

func (superswitch) SetDisk(sup mdsuper.Super, major, minor int, state mdsuper.DiskState) error {
	m := sup.(*MPB)
	d := m.diskByMajorMinor(major, minor)
	if d == nil {
		return mderr.New(mderr.NoDevice, "disk not present in superblock")
	}
	d.Status = 0
	if state&mdsuper.DiskFaulty != 0 {
		d.Status |= diskFailed
	} else {
		d.Status |= diskConfigured | diskUsable
	}
	if state&mdsuper.DiskActiveInVD != 0 {
		d.Status |= diskActiveInVD
	}
	if state&mdsuper.DiskRebuilding != 0 {
		d.Status |= diskRebuilding
	}
	return nil
}

// ActivateSpare promotes spare into sup's disk table as an active,
// rebuilding volume member and records its reference number in
// VolRefNums, the minimal vd_config phys_refnum stand-in (scenario S5).
func (superswitch) ActivateSpare(sup mdsuper.Super, spare *mdmodel.DiskInfo) (uint32, error) {
	m := sup.(*MPB)
	d := m.diskByMajorMinor(spare.Major, spare.Minor)
	if d == nil {
		return 0, mderr.New(mderr.NoDevice, "spare not present in superblock")
	}
	tok := uuid.New()
	ref := binary.LittleEndian.Uint32(tok[:4])
	d.OwnerCfgNum = ref
	d.Status = diskConfigured | diskUsable | diskActiveInVD | diskRebuilding
	m.VolRefNums = append(m.VolRefNums, ref)
	return ref, nil
}

// imsmUpdate is the decoded form of a control-socket payload: one named
// action against the disk at Major:Minor.
type imsmUpdate struct {
	action       string
	major, minor int
}

// PrepareUpdate decodes a "<action>:<major>:<minor>" payload, the wire
// form mdmon's control socket uses to describe a metadata mutation.
func (superswitch) PrepareUpdate(sup mdsuper.Super, payload []byte) (any, error) {
	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 {
		return nil, mderr.New(mderr.Unknown, "malformed IMSM update payload")
	}
	major, err1 := strconv.Atoi(parts[1])
	minor, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return nil, mderr.New(mderr.Unknown, "malformed IMSM update major:minor")
	}
	return imsmUpdate{action: parts[0], major: major, minor: minor}, nil
}

func (sw superswitch) ProcessUpdate(sup mdsuper.Super, prepared any) error {
	u, ok := prepared.(imsmUpdate)
	if !ok {
		return mderr.New(mderr.Unknown, "prepared value is not an IMSM update")
	}
	switch u.action {
	case "fault":
		return sw.SetDisk(sup, u.major, u.minor, mdsuper.DiskFaulty)
	case "online":
		return sw.SetDisk(sup, u.major, u.minor, mdsuper.DiskOnline|mdsuper.DiskActiveInVD)
	default:
		return mderr.New(mderr.Unknown, "unsupported IMSM update action: "+u.action)
	}
}

// MinAcceptableSpareSize returns the largest member's component size: a
// replacement must cover every possible rebuild target in the volume.
func (superswitch) MinAcceptableSpareSize(sup mdsuper.Super) uint64 {
	m := sup.(*MPB)
	var max uint64
	for _, d := range m.Disks {
		if uint64(d.TotalBlocks) > max {
			max = uint64(d.TotalBlocks)
		}
	}
	return max
}
