// Package record defines VectorRecord, the unit of storage shared by every
// other package in the module (store, index, filter, indexing). It is a
// leaf package: it depends only on pkg/errs so that store/index/filter can
// import it without creating a cycle back through the root package.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/nmmf-db/nmmf/pkg/errs"
)

// Identifier is the 128-bit stable identifier assigned to a vector record
// on first insert and preserved across updates. It is backed by
// github.com/google/uuid, whose 16-byte binary form is exactly the id field
// of the binary vector record and the index-slot layout (spec.md §3).
type Identifier = uuid.UUID

// New returns a fresh random Identifier, used when a caller adds a vector
// without specifying one.
func New() Identifier { return uuid.New() }

// ParseIdentifier reparses an Identifier's canonical string form, used by
// callers that persist ids as map keys or text (e.g. a metadata sidecar).
func ParseIdentifier(s string) (Identifier, error) { return uuid.Parse(s) }

// Tag is a 16-bit tag identifier attached to a vector record. The set of
// tags on a record is small and unordered; the indexing service maintains
// the inverted tag -> vector-id map used by tag-filtered search.
type Tag = uint16

// VectorRecord is the unit of storage: an identifier, its dimension, the
// float32 values, an optional small tag set, and optional original text.
// Two records compare equal iff ID, dimension and Values match bytewise
// (spec.md §3).
type VectorRecord struct {
	ID     Identifier
	Values []float32
	Tags   []Tag
	Text   string
}

// Dimension returns len(Values).
func (v VectorRecord) Dimension() int { return len(v.Values) }

// Equal reports bytewise equality of ID, dimension and Values.
func (v VectorRecord) Equal(o VectorRecord) bool {
	if v.ID != o.ID || len(v.Values) != len(o.Values) {
		return false
	}
	for i := range v.Values {
		if math.Float32bits(v.Values[i]) != math.Float32bits(o.Values[i]) {
			return false
		}
	}
	return true
}

// EncodedSize returns the exact byte length ToBinary will produce.
func (v VectorRecord) EncodedSize() int {
	return 16 + 4 + len(v.Values)*4 + 2 + len(v.Tags)*2 + 4 + len(v.Text)
}

// ToBinary renders v in the canonical interchange form of spec.md §3:
//
//	[16-byte id][4-byte dimension][dimension×4-byte LE floats]
//	[2-byte tag-count][tag-count×2-byte tags]
//	[4-byte text-length][text-length bytes UTF-8]
func (v VectorRecord) ToBinary() ([]byte, error) {
	if len(v.Values) == 0 {
		return nil, errs.New("ToBinary", errs.KindNullInput, fmt.Errorf("vector record has no values"))
	}
	if len(v.Values) > math.MaxInt32 {
		return nil, errs.New("ToBinary", errs.KindInvalidConfiguration, fmt.Errorf("dimension %d too large", len(v.Values)))
	}
	if len(v.Tags) > math.MaxUint16 {
		return nil, errs.New("ToBinary", errs.KindInvalidConfiguration, fmt.Errorf("tag count %d too large", len(v.Tags)))
	}

	buf := make([]byte, v.EncodedSize())
	off := 0
	copy(buf[off:off+16], v.ID[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(v.Values)))
	off += 4
	for _, f := range v.Values {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(f))
		off += 4
	}
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(v.Tags)))
	off += 2
	for _, t := range v.Tags {
		binary.LittleEndian.PutUint16(buf[off:off+2], t)
		off += 2
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(v.Text)))
	off += 4
	copy(buf[off:], v.Text)

	return buf, nil
}

// FromBinary parses the canonical binary form produced by ToBinary. It
// fails with KindNullInput when buf is too short to contain a well-formed
// record.
func FromBinary(buf []byte) (VectorRecord, error) {
	const op = "FromBinary"
	if len(buf) < 16+4+2+4 {
		return VectorRecord{}, errs.New(op, errs.KindNullInput, fmt.Errorf("buffer too short: %d bytes", len(buf)))
	}
	r := bytes.NewReader(buf)
	var rec VectorRecord

	if _, err := io.ReadFull(r, rec.ID[:]); err != nil {
		return VectorRecord{}, errs.New(op, errs.KindNullInput, err)
	}

	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return VectorRecord{}, errs.New(op, errs.KindNullInput, err)
	}
	rec.Values = make([]float32, dim)
	for i := range rec.Values {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return VectorRecord{}, errs.New(op, errs.KindNullInput, fmt.Errorf("truncated values: %w", err))
		}
		rec.Values[i] = math.Float32frombits(bits)
	}

	var tagCount uint16
	if err := binary.Read(r, binary.LittleEndian, &tagCount); err != nil {
		return VectorRecord{}, errs.New(op, errs.KindNullInput, err)
	}
	rec.Tags = make([]Tag, tagCount)
	for i := range rec.Tags {
		if err := binary.Read(r, binary.LittleEndian, &rec.Tags[i]); err != nil {
			return VectorRecord{}, errs.New(op, errs.KindNullInput, fmt.Errorf("truncated tags: %w", err))
		}
	}

	var textLen uint32
	if err := binary.Read(r, binary.LittleEndian, &textLen); err != nil {
		return VectorRecord{}, errs.New(op, errs.KindNullInput, err)
	}
	text := make([]byte, textLen)
	if textLen > 0 {
		if _, err := io.ReadFull(r, text); err != nil {
			return VectorRecord{}, errs.New(op, errs.KindNullInput, fmt.Errorf("truncated text: %w", err))
		}
	}
	rec.Text = string(text)

	return rec, nil
}
