// Package binfmt implements the low-level, byte-exact on-disk layouts
// shared by the store's index file, data file and WAL: the 32-byte
// FileHeader and the 32-byte index slot. Nothing here understands vector
// semantics; it is pure binary plumbing, mirrored after the teacher's
// internal/encoding package but scoped to the file formats of spec.md §3/§6.
package binfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size in bytes of a FileHeader on disk.
const HeaderSize = 32

// SlotSize is the fixed size in bytes of a packed index slot on disk.
const SlotSize = 32

// Magic identifies an nmmf store file.
var Magic = [4]byte{'N', 'M', 'M', 'F'}

// CurrentVersion is the only FileHeader version this build understands.
const CurrentVersion uint32 = 1

// GzipMagic is the two leading bytes of a gzip stream, used to distinguish
// an archived save from a raw file pair (spec.md §9 open question).
var GzipMagic = [2]byte{0x1f, 0x8b}

// ErrBadMagic is returned when the leading 4 bytes of a file are not "NMMF".
var ErrBadMagic = errors.New("binfmt: bad magic")

// ErrUnsupportedVersion is returned when a header's version exceeds
// CurrentVersion.
var ErrUnsupportedVersion = errors.New("binfmt: unsupported version")

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("binfmt: short header")

// FileHeader is the 32-byte prologue shared by the index and data files:
//
//	[4]  magic "NMMF"
//	[4]  version
//	[8]  created unix seconds
//	[8]  last-modified unix seconds
//	[8]  reserved
type FileHeader struct {
	Version      uint32
	CreatedUnix  int64
	ModifiedUnix int64
}

// Encode writes h into a fresh HeaderSize-byte buffer.
func (h FileHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.CreatedUnix))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.ModifiedUnix))
	// buf[24:32] reserved, left zero
	return buf
}

// DecodeHeader parses a FileHeader from the first HeaderSize bytes of buf,
// validating the magic and version.
func DecodeHeader(buf []byte) (FileHeader, error) {
	if len(buf) < HeaderSize {
		return FileHeader{}, ErrShortHeader
	}
	if string(buf[0:4]) != string(Magic[:]) {
		return FileHeader{}, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version > CurrentVersion {
		return FileHeader{}, fmt.Errorf("%w: got %d, max %d", ErrUnsupportedVersion, version, CurrentVersion)
	}
	return FileHeader{
		Version:      version,
		CreatedUnix:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		ModifiedUnix: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// SlotFlagTombstone is bit 0 of a Slot's Flags: set when the slot has been
// removed and must never be returned by a lookup.
const SlotFlagTombstone uint32 = 1 << 0

// Slot is one packed 32-byte index-file entry:
//
//	[16] id
//	[8]  data_offset
//	[4]  length
//	[4]  flags
type Slot struct {
	ID         [16]byte
	DataOffset uint64
	Length     uint32
	Flags      uint32
}

// Tombstoned reports whether SlotFlagTombstone is set.
func (s Slot) Tombstoned() bool { return s.Flags&SlotFlagTombstone != 0 }

// Encode writes s into a fresh SlotSize-byte buffer.
func (s Slot) Encode() []byte {
	buf := make([]byte, SlotSize)
	copy(buf[0:16], s.ID[:])
	binary.LittleEndian.PutUint64(buf[16:24], s.DataOffset)
	binary.LittleEndian.PutUint32(buf[24:28], s.Length)
	binary.LittleEndian.PutUint32(buf[28:32], s.Flags)
	return buf
}

// DecodeSlot parses a Slot from the first SlotSize bytes of buf.
func DecodeSlot(buf []byte) (Slot, error) {
	if len(buf) < SlotSize {
		return Slot{}, fmt.Errorf("binfmt: short slot: %d bytes", len(buf))
	}
	var s Slot
	copy(s.ID[:], buf[0:16])
	s.DataOffset = binary.LittleEndian.Uint64(buf[16:24])
	s.Length = binary.LittleEndian.Uint32(buf[24:28])
	s.Flags = binary.LittleEndian.Uint32(buf[28:32])
	return s, nil
}
