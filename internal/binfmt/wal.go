package binfmt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WalOp identifies the kind of mutation a WAL entry records.
type WalOp byte

const (
	WalAdd    WalOp = 0
	WalRemove WalOp = 1
	WalUpdate WalOp = 2
)

// WalEntry is one append-only write-ahead-log record:
//
//	[1]  op
//	[16] id
//	[4]  data length (0 if none)
//	[data length] data
//	[8]  index-slot offset
//	[8]  data offset
//	[8]  timestamp (unix seconds)
type WalEntry struct {
	Op         WalOp
	ID         [16]byte
	Data       []byte
	SlotOffset uint64
	DataOffset uint64
	Timestamp  int64
}

// Encode serializes e to its on-disk byte form.
func (e WalEntry) Encode() []byte {
	buf := make([]byte, 1+16+4+len(e.Data)+8+8+8)
	off := 0
	buf[off] = byte(e.Op)
	off++
	copy(buf[off:off+16], e.ID[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e.Data)))
	off += 4
	copy(buf[off:off+len(e.Data)], e.Data)
	off += len(e.Data)
	binary.LittleEndian.PutUint64(buf[off:off+8], e.SlotOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], e.DataOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.Timestamp))
	return buf
}

// ReadWalEntry reads one WalEntry from r. It returns io.EOF when no more
// entries remain, and io.ErrUnexpectedEOF when a final entry was truncated
// mid-write — the caller treats that as "discard, keep what came before"
// per spec.md §4.2's crash-recovery semantics.
func ReadWalEntry(r io.Reader) (WalEntry, error) {
	var head [21]byte // op(1) + id(16) + datalen(4)
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return WalEntry{}, io.ErrUnexpectedEOF
		}
		return WalEntry{}, err
	}
	var e WalEntry
	e.Op = WalOp(head[0])
	copy(e.ID[:], head[1:17])
	dataLen := binary.LittleEndian.Uint32(head[17:21])

	rest := make([]byte, int(dataLen)+8+8+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return WalEntry{}, io.ErrUnexpectedEOF
	}
	e.Data = rest[:dataLen]
	tail := rest[dataLen:]
	e.SlotOffset = binary.LittleEndian.Uint64(tail[0:8])
	e.DataOffset = binary.LittleEndian.Uint64(tail[8:16])
	e.Timestamp = int64(binary.LittleEndian.Uint64(tail[16:24]))
	return e, nil
}

func (op WalOp) String() string {
	switch op {
	case WalAdd:
		return "add"
	case WalRemove:
		return "remove"
	case WalUpdate:
		return "update"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}
