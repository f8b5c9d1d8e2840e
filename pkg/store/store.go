// Package store implements VectorStore, the mmap'd, WAL-protected record
// store of spec.md §4.2. It knows nothing about search indexes or
// similarity; it only durably maps an Identifier to a VectorRecord.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nmmf-db/nmmf/internal/binfmt"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/logging"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// initialSlotCapacity is the number of index slots a freshly created store
// allocates before its first growth.
const initialSlotCapacity = 1024

// Options configures Open. The zero value of Dimension auto-detects from
// the first inserted record, mirroring the teacher's dimension adapter.
type Options struct {
	Path      string
	Dimension int
	CacheSize int
	Logger    logging.Logger
}

func (o Options) indexPath() string { return o.Path + ".index" }
func (o Options) dataPath() string  { return o.Path + ".data" }
func (o Options) walPath() string   { return o.Path + ".wal" }
func (o Options) lockPath() string  { return o.Path + ".lock" }

// VectorStore is the single multi-reader/single-writer record store backing
// a Database. All exported methods are safe for concurrent use.
type VectorStore struct {
	mu sync.RWMutex

	opts      Options
	dimension int

	indexFile *growFile
	dataFile  *growFile
	wal       *wal
	lock      *flock.Flock

	cache *lru.Cache[record.Identifier, record.VectorRecord]

	slotOf    map[record.Identifier]int
	freeSlots []int
	numSlots  int // count of slots ever allocated, including tombstoned ones
	dataEnd   int64

	dirtySince  time.Time // zero means clean
	mutationSeq uint64    // incremented on every Add/Remove/Update
	closed      bool
	logger      logging.Logger
}

// Open creates or reopens the store rooted at opts.Path, replaying any WAL
// left behind by an unclean shutdown.
func Open(opts Options) (*VectorStore, error) {
	const op = "store.Open"
	if opts.Path == "" {
		return nil, errs.New(op, errs.KindInvalidConfiguration, fmt.Errorf("path must not be empty"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}

	lk := flock.New(opts.lockPath())
	ok, err := lk.TryLock()
	if err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	if !ok {
		return nil, errs.New(op, errs.KindIoError, fmt.Errorf("store %q is locked by another process", opts.Path))
	}

	idxMin := int64(binfmt.HeaderSize + initialSlotCapacity*binfmt.SlotSize)
	idxFile, err := openGrowFile(opts.indexPath(), idxMin)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	dataFile, err := openGrowFile(opts.dataPath(), int64(binfmt.HeaderSize))
	if err != nil {
		idxFile.close()
		lk.Unlock()
		return nil, err
	}

	if err := ensureHeader(idxFile); err != nil {
		idxFile.close()
		dataFile.close()
		lk.Unlock()
		return nil, err
	}
	if err := ensureHeader(dataFile); err != nil {
		idxFile.close()
		dataFile.close()
		lk.Unlock()
		return nil, err
	}

	cache, _ := lru.New[record.Identifier, record.VectorRecord](cacheSize)

	s := &VectorStore{
		opts:      opts,
		dimension: opts.Dimension,
		indexFile: idxFile,
		dataFile:  dataFile,
		lock:      lk,
		cache:     cache,
		slotOf:    make(map[record.Identifier]int),
		logger:    logger,
	}

	numCap := (len(idxFile.bytes()) - binfmt.HeaderSize) / binfmt.SlotSize
	if err := s.rebuildFromSlots(numCap); err != nil {
		idxFile.close()
		dataFile.close()
		lk.Unlock()
		return nil, err
	}

	w, err := openWAL(opts.walPath())
	if err != nil {
		idxFile.close()
		dataFile.close()
		lk.Unlock()
		return nil, err
	}
	s.wal = w

	replayed, err := replayWAL(opts.walPath(), s.applyWalEntry)
	if err != nil {
		s.logger.Warn("wal replay stopped early", "err", err, "entries", replayed)
	}
	if replayed > 0 {
		s.indexFile.flush()
		s.dataFile.flush()
		s.wal.truncate()
		s.logger.Info("replayed wal", "entries", replayed)
	}

	return s, nil
}

// ensureHeader initializes a fresh, never-written header region, and
// otherwise validates an existing one: a version or magic mismatch on a
// non-zero header is fatal to load (spec.md §4.2/§7), not something to
// paper over by stamping a new header in place.
func ensureHeader(f *growFile) error {
	b := f.bytes()
	if len(b) < binfmt.HeaderSize {
		return errs.New("ensureHeader", errs.KindCorruptHeader, fmt.Errorf("file too short for header"))
	}
	head := b[:binfmt.HeaderSize]
	if _, err := binfmt.DecodeHeader(head); err != nil {
		if allZero(head) {
			now := time.Now().Unix()
			h := binfmt.FileHeader{Version: binfmt.CurrentVersion, CreatedUnix: now, ModifiedUnix: now}
			copy(head, h.Encode())
			return nil
		}
		if errors.Is(err, binfmt.ErrUnsupportedVersion) {
			return errs.New("ensureHeader", errs.KindVersionUnsupported, err)
		}
		return errs.New("ensureHeader", errs.KindCorruptHeader, err)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (s *VectorStore) touchHeader(f *growFile) {
	b := f.bytes()
	h, err := binfmt.DecodeHeader(b[:binfmt.HeaderSize])
	if err != nil {
		return
	}
	h.ModifiedUnix = time.Now().Unix()
	copy(b[:binfmt.HeaderSize], h.Encode())
}

// rebuildFromSlots scans every existing index slot and reconstructs
// s.slotOf, s.freeSlots, s.numSlots and s.dimension (if unset).
func (s *VectorStore) rebuildFromSlots(numCap int) error {
	b := s.indexFile.bytes()
	maxOff := int64(binfmt.HeaderSize)
	for i := 0; i < numCap; i++ {
		off := binfmt.HeaderSize + i*binfmt.SlotSize
		if off+binfmt.SlotSize > len(b) {
			break
		}
		slot, err := binfmt.DecodeSlot(b[off : off+binfmt.SlotSize])
		if err != nil {
			return errs.New("rebuildFromSlots", errs.KindCorruptHeader, err)
		}
		if slot.ID == ([16]byte{}) && slot.DataOffset == 0 && slot.Length == 0 && slot.Flags == 0 {
			continue // never-written slot
		}
		s.numSlots = i + 1
		end := int64(slot.DataOffset) + int64(slot.Length)
		if end > maxOff {
			maxOff = end
		}
		if slot.Tombstoned() {
			s.freeSlots = append(s.freeSlots, i)
			continue
		}
		id := record.Identifier(slot.ID)
		s.slotOf[id] = i
		if s.dimension == 0 {
			if rec, err := s.readSlotRecord(slot); err == nil {
				s.dimension = rec.Dimension()
			}
		}
	}
	s.dataEnd = maxOff
	return nil
}

func (s *VectorStore) readSlotRecord(slot binfmt.Slot) (record.VectorRecord, error) {
	b := s.dataFile.bytes()
	start, end := int64(slot.DataOffset), int64(slot.DataOffset)+int64(slot.Length)
	if end > int64(len(b)) {
		return record.VectorRecord{}, errs.New("readSlotRecord", errs.KindCorruptHeader, fmt.Errorf("slot data out of range"))
	}
	return record.FromBinary(b[start:end])
}

func (s *VectorStore) applyWalEntry(e binfmt.WalEntry) error {
	id := record.Identifier(e.ID)
	switch e.Op {
	case binfmt.WalAdd, binfmt.WalUpdate:
		if err := s.dataFile.grow(int64(e.DataOffset) + int64(len(e.Data))); err != nil {
			return err
		}
		copy(s.dataFile.bytes()[e.DataOffset:], e.Data)
		idx := int((int64(e.SlotOffset) - binfmt.HeaderSize) / binfmt.SlotSize)
		if err := s.ensureSlotCapacity(idx); err != nil {
			return err
		}
		slot := binfmt.Slot{ID: e.ID, DataOffset: e.DataOffset, Length: uint32(len(e.Data))}
		s.writeSlot(idx, slot)
		s.slotOf[id] = idx
		if idx >= s.numSlots {
			s.numSlots = idx + 1
		}
		if end := int64(e.DataOffset) + int64(len(e.Data)); end > s.dataEnd {
			s.dataEnd = end
		}
	case binfmt.WalRemove:
		idx := int((int64(e.SlotOffset) - binfmt.HeaderSize) / binfmt.SlotSize)
		if idx < s.numSlots {
			slot, err := s.readSlot(idx)
			if err == nil {
				slot.Flags |= binfmt.SlotFlagTombstone
				s.writeSlot(idx, slot)
			}
			delete(s.slotOf, id)
			s.freeSlots = append(s.freeSlots, idx)
		}
	}
	return nil
}
