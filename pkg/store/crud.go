package store

import (
	"fmt"
	"time"

	"github.com/nmmf-db/nmmf/internal/binfmt"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

func (s *VectorStore) readSlot(i int) (binfmt.Slot, error) {
	b := s.indexFile.bytes()
	off := binfmt.HeaderSize + i*binfmt.SlotSize
	if off+binfmt.SlotSize > len(b) {
		return binfmt.Slot{}, errs.New("readSlot", errs.KindCorruptHeader, fmt.Errorf("slot %d out of range", i))
	}
	return binfmt.DecodeSlot(b[off : off+binfmt.SlotSize])
}

func (s *VectorStore) writeSlot(i int, slot binfmt.Slot) {
	b := s.indexFile.bytes()
	off := binfmt.HeaderSize + i*binfmt.SlotSize
	copy(b[off:off+binfmt.SlotSize], slot.Encode())
}

// ensureSlotCapacity grows the index file until slot i is addressable.
func (s *VectorStore) ensureSlotCapacity(i int) error {
	need := int64(binfmt.HeaderSize + (i+1)*binfmt.SlotSize)
	return s.indexFile.grow(need)
}

// allocSlot returns a slot index to write into, reusing a tombstoned slot
// when one is free.
func (s *VectorStore) allocSlot() (int, error) {
	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return idx, nil
	}
	idx := s.numSlots
	if err := s.ensureSlotCapacity(idx); err != nil {
		return 0, err
	}
	s.numSlots++
	return idx, nil
}

func (s *VectorStore) appendData(buf []byte) (int64, error) {
	offset := s.dataEnd
	if err := s.dataFile.grow(offset + int64(len(buf))); err != nil {
		return 0, err
	}
	copy(s.dataFile.bytes()[offset:], buf)
	s.dataEnd += int64(len(buf))
	return offset, nil
}

func (s *VectorStore) markDirty() {
	if s.dirtySince.IsZero() {
		s.dirtySince = time.Now()
	}
	s.mutationSeq++
}

// slotOffset converts a slot index to its byte offset in the index file,
// the same quantity binfmt.WalEntry.SlotOffset records.
func slotOffset(i int) uint64 { return uint64(binfmt.HeaderSize + i*binfmt.SlotSize) }

// Add inserts rec, assigning it a fresh Identifier if rec.ID is the zero
// value, and returns the Identifier actually stored.
func (s *VectorStore) Add(rec record.VectorRecord) (record.Identifier, error) {
	const op = "VectorStore.Add"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return record.Identifier{}, errs.New(op, errs.KindIoError, fmt.Errorf("store is closed"))
	}
	if len(rec.Values) == 0 {
		return record.Identifier{}, errs.New(op, errs.KindNullInput, fmt.Errorf("record has no values"))
	}
	if s.dimension == 0 {
		s.dimension = rec.Dimension()
	} else if rec.Dimension() != s.dimension {
		return record.Identifier{}, errs.New(op, errs.KindDimensionMismatch,
			fmt.Errorf("expected dimension %d, got %d", s.dimension, rec.Dimension()))
	}
	if rec.ID == (record.Identifier{}) {
		rec.ID = record.New()
	}
	if _, exists := s.slotOf[rec.ID]; exists {
		return record.Identifier{}, errs.New(op, errs.KindInvalidConfiguration, fmt.Errorf("identifier already present"))
	}

	buf, err := rec.ToBinary()
	if err != nil {
		return record.Identifier{}, errs.New(op, errs.KindNullInput, err)
	}

	idx, err := s.allocSlot()
	if err != nil {
		return record.Identifier{}, errs.New(op, errs.KindIoError, err)
	}
	dataOff, err := s.appendData(buf)
	if err != nil {
		return record.Identifier{}, errs.New(op, errs.KindIoError, err)
	}

	if err := s.wal.append(binfmt.WalEntry{
		Op: binfmt.WalAdd, ID: rec.ID, Data: buf,
		SlotOffset: slotOffset(idx), DataOffset: uint64(dataOff),
	}); err != nil {
		return record.Identifier{}, err
	}

	s.writeSlot(idx, binfmt.Slot{ID: rec.ID, DataOffset: uint64(dataOff), Length: uint32(len(buf))})
	if err := s.flushAndCheckpoint(); err != nil {
		return record.Identifier{}, err
	}

	s.slotOf[rec.ID] = idx
	s.cache.Add(rec.ID, rec)
	s.markDirty()
	return rec.ID, nil
}

// Remove tombstones id's slot. It returns KindNotFound if id has no live
// entry.
func (s *VectorStore) Remove(id record.Identifier) error {
	const op = "VectorStore.Remove"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(op, errs.KindIoError, fmt.Errorf("store is closed"))
	}
	idx, ok := s.slotOf[id]
	if !ok {
		return errs.New(op, errs.KindNotFound, fmt.Errorf("identifier not found"))
	}

	if err := s.wal.append(binfmt.WalEntry{Op: binfmt.WalRemove, ID: id, SlotOffset: slotOffset(idx)}); err != nil {
		return err
	}

	slot, err := s.readSlot(idx)
	if err != nil {
		return err
	}
	slot.Flags |= binfmt.SlotFlagTombstone
	s.writeSlot(idx, slot)
	if err := s.flushAndCheckpoint(); err != nil {
		return err
	}

	delete(s.slotOf, id)
	s.freeSlots = append(s.freeSlots, idx)
	s.cache.Remove(id)
	s.markDirty()
	return nil
}

// Update replaces the stored values for id by appending the new encoding to
// the data file and retargeting id's slot at it, leaving the prior bytes as
// garbage for Defragment to reclaim. The new encoding is always appended;
// it is not written over the old extent even when it would fit there.
func (s *VectorStore) Update(id record.Identifier, rec record.VectorRecord) error {
	const op = "VectorStore.Update"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(op, errs.KindIoError, fmt.Errorf("store is closed"))
	}
	idx, ok := s.slotOf[id]
	if !ok {
		return errs.New(op, errs.KindNotFound, fmt.Errorf("identifier not found"))
	}
	if rec.Dimension() != s.dimension {
		return errs.New(op, errs.KindDimensionMismatch,
			fmt.Errorf("expected dimension %d, got %d", s.dimension, rec.Dimension()))
	}
	rec.ID = id

	buf, err := rec.ToBinary()
	if err != nil {
		return errs.New(op, errs.KindNullInput, err)
	}
	dataOff, err := s.appendData(buf)
	if err != nil {
		return errs.New(op, errs.KindIoError, err)
	}

	if err := s.wal.append(binfmt.WalEntry{
		Op: binfmt.WalUpdate, ID: id, Data: buf,
		SlotOffset: slotOffset(idx), DataOffset: uint64(dataOff),
	}); err != nil {
		return err
	}

	s.writeSlot(idx, binfmt.Slot{ID: id, DataOffset: uint64(dataOff), Length: uint32(len(buf))})
	if err := s.flushAndCheckpoint(); err != nil {
		return err
	}

	s.cache.Add(id, rec)
	s.markDirty()
	return nil
}

func (s *VectorStore) flushAndCheckpoint() error {
	if err := s.indexFile.flush(); err != nil {
		return err
	}
	if err := s.dataFile.flush(); err != nil {
		return err
	}
	s.touchHeader(s.indexFile)
	s.touchHeader(s.dataFile)
	return s.wal.truncate()
}

// Get returns the live record stored under id.
func (s *VectorStore) Get(id record.Identifier) (record.VectorRecord, error) {
	const op = "VectorStore.Get"
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	idx, ok := s.slotOf[id]
	if !ok {
		return record.VectorRecord{}, errs.New(op, errs.KindNotFound, fmt.Errorf("identifier not found"))
	}
	slot, err := s.readSlot(idx)
	if err != nil {
		return record.VectorRecord{}, err
	}
	rec, err := s.readSlotRecord(slot)
	if err != nil {
		return record.VectorRecord{}, errs.New(op, errs.KindIoError, err)
	}
	s.cache.Add(id, rec)
	return rec, nil
}

// Contains reports whether id names a live record.
func (s *VectorStore) Contains(id record.Identifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slotOf[id]
	return ok
}

// Count returns the number of live records.
func (s *VectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slotOf)
}

// Dimension returns the fixed vector dimension, or 0 if no record has been
// inserted yet.
func (s *VectorStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// IterateLive calls fn once per live record in unspecified order, stopping
// early if fn returns false.
func (s *VectorStore) IterateLive(fn func(record.VectorRecord) bool) error {
	s.mu.RLock()
	ids := make([]record.Identifier, 0, len(s.slotOf))
	for id := range s.slotOf {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		rec, err := s.Get(id)
		if errs.Is(err, errs.KindNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return err
		}
		if !fn(rec) {
			break
		}
	}
	return nil
}

// Snapshot returns a point-in-time copy of every live record, the input an
// index build consumes.
func (s *VectorStore) Snapshot() []record.VectorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.VectorRecord, 0, len(s.slotOf))
	for id, idx := range s.slotOf {
		slot, err := s.readSlot(idx)
		if err != nil {
			continue
		}
		rec, err := s.readSlotRecord(slot)
		if err != nil {
			continue
		}
		rec.ID = id
		out = append(out, rec)
	}
	return out
}

// DirtySince reports the time of the oldest unpublished mutation, and
// whether the store has any.
func (s *VectorStore) DirtySince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirtySince, !s.dirtySince.IsZero()
}

// MarkClean clears the dirty marker after the indexing service has
// published a snapshot built from the store's current contents.
func (s *VectorStore) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtySince = time.Time{}
}

// MutationSeq returns a counter incremented on every Add/Remove/Update,
// letting a caller detect whether a mutation landed between two points in
// time without racing on dirtySince (which only records the start of the
// current dirty streak).
func (s *VectorStore) MutationSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutationSeq
}

// Close flushes and releases every file handle and the cross-process lock.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	collect := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	collect(s.indexFile.flush())
	collect(s.dataFile.flush())
	collect(s.wal.truncate())
	collect(s.wal.close())
	collect(s.indexFile.close())
	collect(s.dataFile.close())
	collect(s.lock.Unlock())
	return firstErr
}
