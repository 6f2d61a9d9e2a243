package mdsuper

import "encoding/binary"

// Le32/Le64/Be32 are newtypes whose only operations are "convert to
// native" and "from native" (spec §9 DESIGN NOTES). The family drivers
// in this repository do not use them: they encode and decode their
// on-disk fields with encoding/binary directly.
type Le32 uint32

func (v Le32) Native() uint32        { return uint32(v) }
func Le32From(v uint32) Le32         { return Le32(v) }
func (v Le32) Bytes() [4]byte        { var b [4]byte; binary.LittleEndian.PutUint32(b[:], uint32(v)); return b }
func ReadLe32(b []byte) Le32         { return Le32(binary.LittleEndian.Uint32(b)) }

type Le64 uint64

func (v Le64) Native() uint64 { return uint64(v) }
func Le64From(v uint64) Le64  { return Le64(v) }
func ReadLe64(b []byte) Le64  { return Le64(binary.LittleEndian.Uint64(b)) }

type Be32 uint32

func (v Be32) Native() uint32 { return uint32(v) }
func Be32From(v uint32) Be32  { return Be32(v) }
func ReadBe32(b []byte) Be32  { return Be32(binary.BigEndian.Uint32(b)) }
