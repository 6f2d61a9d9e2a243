// Package v090 implements the legacy, fixed-layout v0.90 MD superblock
// (spec §3, §4.C).
package v090

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mdraid/mdctl/internal/blockio"
	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mdsuper"
	"github.com/mdraid/mdctl/pkg/units"
)

const (
	sbMagic  = 0xa92b4efc
	sbBytes  = 4096
	sbDisks  = 27 // MD_SB_DISKS
	reserved = 64 // MD_RESERVED_SECTORS, in units of 1K
)

// diskRecord is one entry of the 27-slot disk table.
type diskRecord struct {
	Number int32
	Major  int32
	Minor  int32
	RDNum  int32
	State  int32
}

// Super90 is the parsed, host-endian in-memory form of a v0.90 superblock.
// Per spec §9, it is always kept host-endian in memory; the "byteorder"
// update toggles swapNext so the next Store byte-swaps all 32-bit words.
type Super90 struct {
	MinorVersion, PatchVersion int32
	GTime                      uint32 // creation time
	Level                      int32
	Size                       uint32 // component size, KB
	NrDisks, RaidDisks         int32
	MdMinor                    int32
	NotPersistent              int32
	SetUUID0, SetUUID1         uint32
	SetUUID2, SetUUID3         uint32

	UTime                                               uint32
	State                                               int32
	ActiveDisks, WorkingDisks, FailedDisks, SpareDisks int32
	SbCsum                                              uint32
	Events                                              uint64
	CPLayout                                            int32
	ChunkSize                                           uint32 // bytes

	Disks [sbDisks]diskRecord

	swapNext bool
}

type superswitch struct{}

func init() { mdsuper.Register(superswitch{}) }

func (superswitch) Family() mdsuper.Family { return mdsuper.FamilyV090 }

// placement returns the byte offset of the superblock for a device of the
// given size in bytes, per spec §3: sector
// ((devsize_bytes >> 9) - 64*2) & ~((1<<16)-1).
func placement(deviceBytes uint64) uint64 {
	sectors := deviceBytes >> 9
	sector := (sectors - uint64(reserved)*2) &^ uint64((1 << 16) - 1)
	return sector * 512
}

// calcCsum is "a simple 32-bit word sum of the block with the checksum
// field treated as zero during computation" (spec §3).
func calcCsum(buf []byte) uint32 {
	var sum uint64
	for i := 0; i+4 <= len(buf); i += 4 {
		sum += uint64(binary.LittleEndian.Uint32(buf[i : i+4]))
	}
	return uint32(sum)
}

const csumWordIndex = 20 // sb_csum's position among the 32-bit header words

func swap32(v uint32) uint32 {
	return (v&0x000000ff)<<24 | (v&0x0000ff00)<<8 | (v&0x00ff0000)>>8 | (v&0xff000000)>>24
}

func (superswitch) Load(dev *blockio.Device) (mdsuper.Super, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, err
	}
	if size < int64(reserved)*2*512 {
		return nil, mderr.New(mderr.TooSmall, "device too small for v0.90 superblock")
	}

	off := placement(uint64(size))

	buf := make([]byte, sbBytes)
	if err := dev.ReadAt(buf, int64(off)); err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "read v0.90 superblock")
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	swapped := false
	if magic != sbMagic {
		if swap32(magic) == sbMagic {
			swapped = true
		} else {
			return nil, mderr.New(mderr.NoMagic, "no v0.90 magic")
		}
	}

	words := make([]uint32, sbBytes/4)
	for i := range words {
		w := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		if swapped {
			w = swap32(w)
		}
		words[i] = w
	}

	stored := words[csumWordIndex]
	words[csumWordIndex] = 0

	check := make([]byte, sbBytes)
	for i, w := range words {
		binary.LittleEndian.PutUint32(check[i*4:i*4+4], w)
	}
	if computed := calcCsum(check); computed != stored {
		return nil, mderr.New(mderr.BadChecksum, "v0.90 checksum mismatch")
	}

	s := &Super90{swapNext: swapped}
	s.decode(words)
	return s, nil
}

func (superswitch) InitSuper(info *mdmodel.ArrayInfo) (mdsuper.Super, error) {
	if info.RaidDisks > sbDisks {
		return nil, mderr.New(mderr.AllocationFailure, "too many disks for v0.90 (max 27)")
	}
	s := &Super90{
		RaidDisks: int32(info.RaidDisks),
		Level:     int32(info.Level),
		CPLayout:  int32(info.Layout),
		ChunkSize: uint32(info.ChunkSize) * 512,
		Size:      uint32(info.ComponentSize / 2),
		Events:    info.Events,
	}
	u := info.UUID
	s.SetUUID0 = binary.BigEndian.Uint32(u[0:4])
	s.SetUUID1 = binary.BigEndian.Uint32(u[4:8])
	s.SetUUID2 = binary.BigEndian.Uint32(u[8:12])
	s.SetUUID3 = binary.BigEndian.Uint32(u[12:16])
	return s, nil
}

func (s *Super90) UUID() mdmodel.UUID {
	var u mdmodel.UUID
	binary.BigEndian.PutUint32(u[0:4], s.SetUUID0)
	binary.BigEndian.PutUint32(u[4:8], s.SetUUID1)
	binary.BigEndian.PutUint32(u[8:12], s.SetUUID2)
	binary.BigEndian.PutUint32(u[12:16], s.SetUUID3)
	return u
}

// Update applies one named mutation from the closed set spec §4.C
// describes for "Update" (byteorder toggling, event bump, resync markers).
func (s *Super90) Update(name string, args ...any) error {
	switch name {
	case "byteorder":
		s.swapNext = !s.swapNext
		return nil
	case "events":
		s.Events++
		return nil
	case "resync":
		return nil
	default:
		return mderr.New(mderr.Unknown, "unsupported v0.90 update: "+name)
	}
}

func (s *Super90) AddToSuper(d *mdmodel.DiskInfo) error {
	slot := -1
	for i, rec := range s.Disks {
		if rec.Number == 0 && rec.Major == 0 && rec.Minor == 0 && rec.State == 0 {
			slot = i
			break
		}
	}
	if slot == -1 {
		return mderr.New(mderr.AllocationFailure, "no free disk-table slot")
	}
	s.Disks[slot] = diskRecord{
		Number: int32(slot),
		Major:  int32(d.Major),
		Minor:  int32(d.Minor),
		RDNum:  int32(slot),
		State:  stateFromRole(d.Role),
	}
	s.NrDisks++
	return nil
}

func (s *Super90) RemoveFromSuper(major, minor int) error {
	for i, rec := range s.Disks {
		if rec.Major == int32(major) && rec.Minor == int32(minor) {
			s.Disks[i] = diskRecord{}
			if s.NrDisks > 0 {
				s.NrDisks--
			}
			return nil
		}
	}
	return mderr.New(mderr.NoDevice, "disk not present in superblock")
}

func (s *Super90) Store(dev *blockio.Device) error {
	size, err := dev.Size()
	if err != nil {
		return err
	}
	off := placement(uint64(size))
	buf := s.encode()
	if err := dev.WriteAt(buf, int64(off)); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write v0.90 superblock")
	}
	return errors.WithStack(dev.Fsync())
}

func (s *Super90) decode(words []uint32) {
	s.MinorVersion = int32(words[1])
	s.PatchVersion = int32(words[2])
	s.GTime = words[3]
	s.Level = int32(words[4])
	s.Size = words[5]
	s.NrDisks = int32(words[6])
	s.RaidDisks = int32(words[7])
	s.MdMinor = int32(words[8])
	s.NotPersistent = int32(words[9])
	s.SetUUID0 = words[10]
	s.SetUUID1 = words[11]
	s.SetUUID2 = words[12]
	s.SetUUID3 = words[13]

	s.UTime = words[14]
	s.State = int32(words[15])
	s.ActiveDisks = int32(words[16])
	s.WorkingDisks = int32(words[17])
	s.FailedDisks = int32(words[18])
	s.SpareDisks = int32(words[19])
	s.SbCsum = words[20]
	s.Events = uint64(words[21]) | uint64(words[22])<<32
	s.CPLayout = int32(words[23])
	s.ChunkSize = words[24]

	base := 64 // word index where the disk table starts
	for i := 0; i < sbDisks; i++ {
		o := base + i*7
		if o+5 > len(words) {
			break
		}
		s.Disks[i] = diskRecord{
			Number: int32(words[o]),
			Major:  int32(words[o+1]),
			Minor:  int32(words[o+2]),
			RDNum:  int32(words[o+3]),
			State:  int32(words[o+4]),
		}
	}
}

func (s *Super90) encode() []byte {
	buf := make([]byte, sbBytes)
	put := func(i int, v uint32) { binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v) }

	put(0, sbMagic)
	put(1, uint32(s.MinorVersion))
	put(2, uint32(s.PatchVersion))
	put(3, s.GTime)
	put(4, uint32(s.Level))
	put(5, s.Size)
	put(6, uint32(s.NrDisks))
	put(7, uint32(s.RaidDisks))
	put(8, uint32(s.MdMinor))
	put(9, uint32(s.NotPersistent))
	put(10, s.SetUUID0)
	put(11, s.SetUUID1)
	put(12, s.SetUUID2)
	put(13, s.SetUUID3)
	put(14, s.UTime)
	put(15, uint32(s.State))
	put(16, uint32(s.ActiveDisks))
	put(17, uint32(s.WorkingDisks))
	put(18, uint32(s.FailedDisks))
	put(19, uint32(s.SpareDisks))
	put(20, 0) // csum zeroed for the computation pass below
	put(21, uint32(s.Events))
	put(22, uint32(s.Events>>32))
	put(23, uint32(s.CPLayout))
	put(24, s.ChunkSize)

	base := 64
	for i := 0; i < sbDisks; i++ {
		o := base + i*7
		d := s.Disks[i]
		put(o, uint32(d.Number))
		put(o+1, uint32(d.Major))
		put(o+2, uint32(d.Minor))
		put(o+3, uint32(d.RDNum))
		put(o+4, uint32(d.State))
	}

	s.SbCsum = calcCsum(buf)
	put(20, s.SbCsum)

	if s.swapNext {
		for i := 0; i+4 <= len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:i+4], swap32(binary.LittleEndian.Uint32(buf[i:i+4])))
		}
	}

	return buf
}

// disk state bits, matching the kernel's MD_DISK_* flags.
const (
	diskFaulty = 1 << 0
	diskActive = 1 << 1
	diskSync   = 1 << 2
	diskRemove = 1 << 3
)

func stateFromRole(r mdmodel.Role) int32 {
	switch {
	case r == mdmodel.RoleFaulty:
		return diskFaulty
	case r == mdmodel.RoleSpare:
		return 0
	case r.IsSlot():
		return diskActive | diskSync
	default:
		return diskRemove
	}
}

func roleFromState(d diskRecord) mdmodel.Role {
	switch {
	case d.State&diskFaulty != 0:
		return mdmodel.RoleFaulty
	case d.State&diskActive != 0:
		return mdmodel.Role(d.Number)
	default:
		return mdmodel.RoleSpare
	}
}

func (s *Super90) GetInfo() *mdmodel.ArrayInfo {
	info := &mdmodel.ArrayInfo{
		UUID:            s.UUID(),
		Level:           mdmodel.Level(s.Level),
		Layout:          int(s.CPLayout),
		ChunkSize:       units.BytesToSectors(units.Bytes(s.ChunkSize)),
		RaidDisks:       int(s.RaidDisks),
		Events:          s.Events,
		ComponentSize:   units.Sectors(uint64(s.Size) * 2),
		MetadataVersion: "0.90",
	}
	var head, tail *mdmodel.DiskInfo
	for _, d := range s.Disks {
		if d.Number == 0 && d.Major == 0 && d.Minor == 0 && d.State == 0 {
			continue
		}
		di := &mdmodel.DiskInfo{Major: int(d.Major), Minor: int(d.Minor), Role: roleFromState(d)}
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

func (superswitch) Compare(a, b mdsuper.Super) error {
	sa, ok1 := a.(*Super90)
	sb, ok2 := b.(*Super90)
	if !ok1 || !ok2 {
		return mderr.New(mderr.IncompatibleMetadata, "not both v0.90 superblocks")
	}
	if sa.UUID() != sb.UUID() {
		return mderr.New(mderr.IncompatibleMetadata, "uuid mismatch")
	}
	if sa.Level != sb.Level || sa.CPLayout != sb.CPLayout || sa.RaidDisks != sb.RaidDisks || sa.ChunkSize != sb.ChunkSize {
		return mderr.New(mderr.IncompatibleMetadata, "geometry mismatch")
	}
	return nil
}

func (superswitch) MatchHome(mdsuper.Super, string) bool {
	// v0.90 carries no home-host hint; always treat as unmatched so the
	// caller falls through to explicit UUID matching.
	return false
}

func (superswitch) AvailSize(deviceSectors uint64) uint64 {
	if deviceSectors < uint64(reserved)*2 {
		return 0
	}
	return (deviceSectors - uint64(reserved)*2) &^ uint64((1<<16)-1)
}

func (sw superswitch) Examine(sup mdsuper.Super) string {
	s := sup.(*Super90)
	return "          Magic : a92b4efc\n        Version : 0.90.0\n" + mdsuper.RenderExamine(s.GetInfo())
}

func (sw superswitch) BriefExamine(sup mdsuper.Super) string {
	return mdsuper.RenderBriefExamine(sup.(*Super90).GetInfo())
}

func (sw superswitch) ExportExamine(sup mdsuper.Super) string {
	return mdsuper.RenderExportExamine(sup.(*Super90).GetInfo())
}

func (sw superswitch) Detail(sup mdsuper.Super) string      { return sw.Examine(sup) }
func (sw superswitch) BriefDetail(sup mdsuper.Super) string { return sw.BriefExamine(sup) }
