package store

import (
	"path/filepath"
	"testing"

	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

func openTestStore(t *testing.T) *VectorStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store")
	s, err := Open(Options{Path: path, Dimension: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetRemove(t *testing.T) {
	s := openTestStore(t)

	rec := record.VectorRecord{Values: []float32{1, 2, 3}, Text: "hello"}
	id, err := s.Add(rec)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Contains(id) {
		t.Fatalf("want Contains true after Add")
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "hello" || got.Dimension() != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Contains(id) {
		t.Fatalf("want Contains false after Remove")
	}
	if _, err := s.Get(id); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("want KindNotFound after Remove, got %v", err)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Add(record.VectorRecord{Values: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := s.Add(record.VectorRecord{Values: []float32{1, 2}})
	if !errs.Is(err, errs.KindDimensionMismatch) {
		t.Fatalf("want KindDimensionMismatch, got %v", err)
	}
}

func TestUpdatePreservesID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(record.VectorRecord{Values: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Update(id, record.VectorRecord{Values: []float32{4, 5, 6}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id || got.Values[0] != 4 {
		t.Fatalf("unexpected record after update: %+v", got)
	}
}

func TestMutationSeqIncrements(t *testing.T) {
	s := openTestStore(t)
	start := s.MutationSeq()
	id, err := s.Add(record.VectorRecord{Values: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.MutationSeq() != start+1 {
		t.Fatalf("want mutation seq incremented by Add")
	}
	if err := s.Update(id, record.VectorRecord{Values: []float32{3, 2, 1}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.MutationSeq() != start+2 {
		t.Fatalf("want mutation seq incremented by Update")
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.MutationSeq() != start+3 {
		t.Fatalf("want mutation seq incremented by Remove")
	}
}

func TestDirtySinceAndMarkClean(t *testing.T) {
	s := openTestStore(t)
	if _, dirty := s.DirtySince(); dirty {
		t.Fatalf("fresh store should not be dirty")
	}
	if _, err := s.Add(record.VectorRecord{Values: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, dirty := s.DirtySince(); !dirty {
		t.Fatalf("want dirty after Add")
	}
	s.MarkClean()
	if _, dirty := s.DirtySince(); dirty {
		t.Fatalf("want clean after MarkClean")
	}
}

func TestSnapshotAndCount(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Add(record.VectorRecord{Values: []float32{float32(i), 0, 0}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if s.Count() != 5 {
		t.Fatalf("want 5 live records, got %d", s.Count())
	}
	snap := s.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("want snapshot of 5, got %d", len(snap))
	}
}

func TestReopenReplaysState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	s, err := Open(Options{Path: path, Dimension: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Add(record.VectorRecord{Values: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Options{Path: path, Dimension: 3})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !reopened.Contains(id) {
		t.Fatalf("want record to survive reopen")
	}
}

func TestDefragmentKeepsLiveRecords(t *testing.T) {
	s := openTestStore(t)
	id1, _ := s.Add(record.VectorRecord{Values: []float32{1, 1, 1}})
	id2, _ := s.Add(record.VectorRecord{Values: []float32{2, 2, 2}})
	if err := s.Remove(id1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Defragment(); err != nil {
		t.Fatalf("Defragment: %v", err)
	}
	if s.Contains(id1) {
		t.Fatalf("removed record should stay gone after defragment")
	}
	if !s.Contains(id2) {
		t.Fatalf("live record should survive defragment")
	}
	got, err := s.Get(id2)
	if err != nil || got.Values[0] != 2 {
		t.Fatalf("unexpected record after defragment: %+v, err=%v", got, err)
	}
}

func TestSaveArchiveAndLoadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	s, err := Open(Options{Path: path, Dimension: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Add(record.VectorRecord{Values: []float32{7, 8, 9}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	archivePath := filepath.Join(t.TempDir(), "store.archive")
	if err := s.Save(archivePath, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	restorePath := filepath.Join(t.TempDir(), "restored")
	restored, err := LoadArchive(archivePath, Options{Path: restorePath, Dimension: 3})
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	defer restored.Close()
	if !restored.Contains(id) {
		t.Fatalf("want restored record to be present")
	}
}
