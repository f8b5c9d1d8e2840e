package store

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nmmf-db/nmmf/internal/binfmt"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// Defragment rewrites the data file keeping only live records, repacking
// them contiguously from the header onward, and compacts the slot table so
// every live slot is reused before any new one is allocated. Identifiers
// are preserved; slot positions and byte offsets are not.
func (s *VectorStore) Defragment() error {
	const op = "VectorStore.Defragment"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(op, errs.KindIoError, fmt.Errorf("store is closed"))
	}

	type live struct {
		id  record.Identifier
		buf []byte
	}
	entries := make([]live, 0, len(s.slotOf))
	for id, idx := range s.slotOf {
		slot, err := s.readSlot(idx)
		if err != nil {
			return errs.New(op, errs.KindIoError, err)
		}
		rec, err := s.readSlotRecord(slot)
		if err != nil {
			return errs.New(op, errs.KindIoError, err)
		}
		buf, err := rec.ToBinary()
		if err != nil {
			return errs.New(op, errs.KindIoError, err)
		}
		entries = append(entries, live{id: id, buf: buf})
	}

	if err := s.dataFile.grow(int64(binfmt.HeaderSize)); err != nil {
		return err
	}
	oldNumSlots := s.numSlots
	offset := int64(binfmt.HeaderSize)
	newSlotOf := make(map[record.Identifier]int, len(entries))
	for i, e := range entries {
		if err := s.dataFile.grow(offset + int64(len(e.buf))); err != nil {
			return err
		}
		copy(s.dataFile.bytes()[offset:], e.buf)
		if err := s.ensureSlotCapacity(i); err != nil {
			return err
		}
		s.writeSlot(i, binfmt.Slot{ID: e.id, DataOffset: uint64(offset), Length: uint32(len(e.buf))})
		newSlotOf[e.id] = i
		offset += int64(len(e.buf))
	}

	empty := make([]byte, binfmt.SlotSize)
	for i := len(entries); i < oldNumSlots; i++ {
		off := binfmt.HeaderSize + i*binfmt.SlotSize
		if off+binfmt.SlotSize <= len(s.indexFile.bytes()) {
			copy(s.indexFile.bytes()[off:off+binfmt.SlotSize], empty)
		}
	}

	s.slotOf = newSlotOf
	s.freeSlots = nil
	s.numSlots = len(entries)
	s.dataEnd = offset

	if err := s.flushAndCheckpoint(); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Save flushes the mmap'd files to disk and, when archive is true, also
// writes a single portable gzip archive to archivePath containing the
// index and data files, built in a temp file and renamed into place so a
// reader never observes a partially-written archive.
func (s *VectorStore) Save(archivePath string, archive bool) error {
	const op = "VectorStore.Save"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(op, errs.KindIoError, fmt.Errorf("store is closed"))
	}
	if err := s.flushAndCheckpoint(); err != nil {
		return err
	}
	if !archive {
		return nil
	}

	tmp := archivePath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errs.New(op, errs.KindIoError, err)
	}
	gz := gzip.NewWriter(out)

	writeSection := func(buf []byte) error {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(buf)))
		if _, err := gz.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := gz.Write(buf)
		return err
	}

	if err := writeSection(s.indexFile.bytes()); err != nil {
		gz.Close()
		out.Close()
		os.Remove(tmp)
		return errs.New(op, errs.KindIoError, err)
	}
	if err := writeSection(s.dataFile.bytes()); err != nil {
		gz.Close()
		out.Close()
		os.Remove(tmp)
		return errs.New(op, errs.KindIoError, err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return errs.New(op, errs.KindIoError, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errs.New(op, errs.KindIoError, err)
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		os.Remove(tmp)
		return errs.New(op, errs.KindIoError, err)
	}
	return nil
}

// LoadArchive restores the index and data files at opts.Path from a gzip
// archive written by Save(archivePath, true), then Opens the store. An
// existing pair of files at opts.Path is overwritten.
func LoadArchive(archivePath string, opts Options) (*VectorStore, error) {
	const op = "store.LoadArchive"
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	defer in.Close()

	head := make([]byte, 2)
	if _, err := io.ReadFull(in, head); err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	if head[0] != binfmt.GzipMagic[0] || head[1] != binfmt.GzipMagic[1] {
		return nil, errs.New(op, errs.KindCorruptHeader, fmt.Errorf("not a gzip archive"))
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	gz, err := gzip.NewReader(in)
	if err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	defer gz.Close()

	readSection := func() ([]byte, error) {
		var lenBuf [8]byte
		if _, err := io.ReadFull(gz, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint64(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(gz, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	idxBuf, err := readSection()
	if err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	dataBuf, err := readSection()
	if err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}

	if err := os.WriteFile(opts.indexPath(), idxBuf, 0o644); err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	if err := os.WriteFile(opts.dataPath(), dataBuf, 0o644); err != nil {
		return nil, errs.New(op, errs.KindIoError, err)
	}
	os.Remove(opts.walPath())

	return Open(opts)
}
