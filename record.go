package nmmf

import "github.com/nmmf-db/nmmf/pkg/record"

// Identifier is the 128-bit stable identifier assigned to a vector record
// on first insert and preserved across updates (spec.md §3).
type Identifier = record.Identifier

// NewIdentifier returns a fresh random Identifier, used when a caller adds a
// vector without specifying one.
func NewIdentifier() Identifier { return record.New() }

// Tag is a 16-bit tag identifier attached to a vector record.
type Tag = record.Tag

// VectorRecord is the unit of storage: an identifier, its dimension, the
// float32 values, an optional small tag set, and optional original text.
type VectorRecord = record.VectorRecord

// VectorRecordFromBinary parses the canonical binary form produced by
// VectorRecord.ToBinary (spec.md §3).
func VectorRecordFromBinary(buf []byte) (VectorRecord, error) { return record.FromBinary(buf) }
