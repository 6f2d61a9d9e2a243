// Package backup implements the critical-section backup superblock
// written to a spare data area or backup file during a reshape (spec §3,
// §4.D "Restart-after-crash").
package backup

import (
	"encoding/binary"
	"time"

	"github.com/mdraid/mdctl/internal/mderr"
	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/pkg/units"
)

const (
	recordBytes = 512
	magic1      = "md_backup_data-1"
	magic2      = "md_backup_data-2"
)

const (
	offMagic       = 0  // 16 bytes
	offSetUUID     = 16 // 16 bytes
	offMTime       = 32
	offDevStart    = 40
	offArrayStart  = 48
	offLength      = 56
	offSbCsum      = 64
	offDevStart2   = 72
	offArrayStart2 = 80
	offLength2     = 88
	offSbCsum2     = 96
)

// Super is one critical-section backup record. The "-2" variant
// double-buffers a second start/length/checksum triple, letting a
// same-size reshape alternate between halves so a crash never finds both
// halves mid-write (spec §4.D).
type Super struct {
	Double bool

	SetUUID mdmodel.UUID
	MTime   time.Time

	DevStart, ArrayStart, Length units.Sectors

	DevStart2, ArrayStart2, Length2 units.Sectors
}

// csum implements "for each byte b in the prefix, csum = (csum<<3)+b"
// (spec §3).
func csum(buf []byte) uint32 {
	var c int32
	for _, b := range buf {
		c = (c << 3) + int32(b)
	}
	return uint32(c)
}

// Encode serialises s to a 512-byte record, computing sb_csum (and
// sb_csum2 when Double) over the bytes that precede each field.
func (s *Super) Encode() []byte {
	buf := make([]byte, recordBytes)
	if s.Double {
		copy(buf[offMagic:], magic2)
	} else {
		copy(buf[offMagic:], magic1)
	}
	copy(buf[offSetUUID:], s.SetUUID[:])
	binary.LittleEndian.PutUint64(buf[offMTime:], uint64(s.MTime.Unix()))
	binary.LittleEndian.PutUint64(buf[offDevStart:], uint64(s.DevStart))
	binary.LittleEndian.PutUint64(buf[offArrayStart:], uint64(s.ArrayStart))
	binary.LittleEndian.PutUint64(buf[offLength:], uint64(s.Length))
	binary.LittleEndian.PutUint32(buf[offSbCsum:], csum(buf[:offSbCsum]))

	if s.Double {
		binary.LittleEndian.PutUint64(buf[offDevStart2:], uint64(s.DevStart2))
		binary.LittleEndian.PutUint64(buf[offArrayStart2:], uint64(s.ArrayStart2))
		binary.LittleEndian.PutUint64(buf[offLength2:], uint64(s.Length2))
		binary.LittleEndian.PutUint32(buf[offSbCsum2:], csum(buf[:offSbCsum2]))
	}

	return buf
}

// Decode parses a 512-byte record and verifies its checksum(s).
func Decode(buf []byte) (*Super, error) {
	if len(buf) < recordBytes {
		return nil, mderr.New(mderr.TooSmall, "short backup record")
	}

	m := string(buf[offMagic : offMagic+16])
	var double bool
	switch m {
	case magic1:
		double = false
	case magic2:
		double = true
	default:
		return nil, mderr.New(mderr.NoMagic, "no backup magic")
	}

	stored := binary.LittleEndian.Uint32(buf[offSbCsum:])
	if csum(buf[:offSbCsum]) != stored {
		return nil, mderr.New(mderr.BadChecksum, "backup checksum mismatch")
	}

	s := &Super{Double: double}
	copy(s.SetUUID[:], buf[offSetUUID:offSetUUID+16])
	s.MTime = time.Unix(int64(binary.LittleEndian.Uint64(buf[offMTime:])), 0)
	s.DevStart = units.Sectors(binary.LittleEndian.Uint64(buf[offDevStart:]))
	s.ArrayStart = units.Sectors(binary.LittleEndian.Uint64(buf[offArrayStart:]))
	s.Length = units.Sectors(binary.LittleEndian.Uint64(buf[offLength:]))

	if double {
		stored2 := binary.LittleEndian.Uint32(buf[offSbCsum2:])
		if csum(buf[:offSbCsum2]) != stored2 {
			return nil, mderr.New(mderr.BadChecksum, "backup secondary checksum mismatch")
		}
		s.DevStart2 = units.Sectors(binary.LittleEndian.Uint64(buf[offDevStart2:]))
		s.ArrayStart2 = units.Sectors(binary.LittleEndian.Uint64(buf[offArrayStart2:]))
		s.Length2 = units.Sectors(binary.LittleEndian.Uint64(buf[offLength2:]))
	}

	return s, nil
}

// Valid reports whether s is usable for crash recovery: both checksums
// verify (checked by Decode) and mtime falls within
// [arrayUTime-10min, arrayUTime+2h], per spec §3 invariant list, unless
// override is set (MDADM_GROW_ALLOW_OLD).
func (s *Super) Valid(arrayUTime time.Time, override bool) bool {
	if override {
		return true
	}
	lo := arrayUTime.Add(-10 * time.Minute)
	hi := arrayUTime.Add(2 * time.Hour)
	return !s.MTime.Before(lo) && !s.MTime.After(hi)
}
