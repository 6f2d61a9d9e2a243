package units

// Sectors counts 512-byte disk sectors, the native unit of on-disk metadata
// layout throughout the MD superblock formats.
type Sectors uint64

const SectorSize = 512

func (s Sectors) Bytes() Bytes {
	return Bytes(s) * SectorSize
}

func BytesToSectors(b Bytes) Sectors {
	return Sectors(b / SectorSize)
}

func (s Sectors) Short() string {
	return s.Bytes().Short()
}

func (s Sectors) String() string {
	return s.Bytes().String()
}

func (s Sectors) Int64() int64 {
	return int64(s)
}
