package indexing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/index"
	"github.com/nmmf-db/nmmf/pkg/record"
	"github.com/nmmf-db/nmmf/pkg/store"
)

func openTestStore(t *testing.T) *store.VectorStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store")
	st, err := store.Open(store.Options{Path: path, Dimension: 3})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() Config {
	return Config{
		Enabled:     []Family{FamilyLinear, FamilyKDTree},
		Params:      index.Params{Metric: distance.Euclidean, KDParallelThreshold: 1000},
		QuietPeriod: 10 * time.Millisecond,
		Interval:    5 * time.Millisecond,
	}
}

func TestRebuildNowPublishesIndexesAndTags(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Add(record.VectorRecord{Values: []float32{1, 2, 3}, Tags: []record.Tag{7}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = st.Add(record.VectorRecord{Values: []float32{4, 5, 6}, Tags: []record.Tag{7, 9}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc := New(st, testConfig(), nil)
	if err := svc.RebuildNow(context.Background()); err != nil {
		t.Fatalf("RebuildNow: %v", err)
	}

	pub := svc.Published()
	if pub == nil {
		t.Fatalf("want a published snapshot")
	}
	if len(pub.Indexes) != 2 {
		t.Fatalf("want 2 built families, got %d", len(pub.Indexes))
	}
	if len(pub.TagIndex[7]) != 2 {
		t.Fatalf("want 2 ids under tag 7, got %d", len(pub.TagIndex[7]))
	}
	if len(pub.TagIndex[9]) != 1 {
		t.Fatalf("want 1 id under tag 9, got %d", len(pub.TagIndex[9]))
	}
	if svc.State() != StateClean {
		t.Fatalf("want StateClean after a rebuild with no concurrent mutation, got %v", svc.State())
	}
}

func TestWriteAfterRebuildMarksStoreDirty(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Add(record.VectorRecord{Values: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc := New(st, testConfig(), nil)

	// rebuild captures MutationSeq itself, so a write cannot be timed to
	// land mid-build here. This checks what the "stay dirty" branch relies
	// on instead: a clean rebuild, then a write, leaves the store dirty.
	if err := svc.RebuildNow(context.Background()); err != nil {
		t.Fatalf("RebuildNow: %v", err)
	}
	if svc.State() != StateClean {
		t.Fatalf("want clean after first rebuild")
	}

	if _, err := st.Add(record.VectorRecord{Values: []float32{4, 5, 6}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if dirtySince, dirty := st.DirtySince(); !dirty || dirtySince.IsZero() {
		t.Fatalf("want store dirty after a write")
	}
}

func TestStartStopBackgroundWorker(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Add(record.VectorRecord{Values: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg := testConfig()
	cfg.Background = true
	svc := New(st, cfg, nil)

	svc.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for svc.Published() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()

	if svc.Published() == nil {
		t.Fatalf("want the background worker to publish within the deadline")
	}
}
