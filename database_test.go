package nmmf

import (
	"context"
	"path/filepath"
	"testing"
)

func testDBConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "db"))
	cfg.BackgroundIndexing = false
	return cfg
}

func TestAddGetSearch(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	near, err := db.Add(ctx, VectorRecord{Values: []float32{0, 0, 0}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	far, err := db.Add(ctx, VectorRecord{Values: []float32{100, 100, 100}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := db.Search(ctx, []float32{1, 1, 1}, 1, nil, AlgorithmAuto)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != near {
		t.Fatalf("want nearest to be %v, got %+v", near, results)
	}

	got, err := db.Get(far)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Values[0] != 100 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestAddWithMetadataAndFilteredSearch(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	book, err := db.Add(ctx, VectorRecord{Values: []float32{0, 0, 0}}, map[string]any{"category": "book"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, VectorRecord{Values: []float32{0.1, 0, 0}}, map[string]any{"category": "movie"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f := &Filter{Predicates: []Predicate{{Key: "category", Op: Equals, Value: "book"}}}
	results, err := db.Search(ctx, []float32{0, 0, 0}, 5, f, AlgorithmAuto)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != book {
		t.Fatalf("want only the book-tagged record, got %+v", results)
	}

	m, ok := db.GetMetadata(book)
	if !ok || m["category"] != "book" {
		t.Fatalf("want metadata preserved, got %v, ok=%v", m, ok)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	id, err := db.Add(ctx, VectorRecord{Values: []float32{1, 1, 1}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Update(ctx, id, VectorRecord{Values: []float32{9, 9, 9}}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := db.Get(id)
	if err != nil || got.Values[0] != 9 {
		t.Fatalf("unexpected record after update: %+v, err=%v", got, err)
	}

	if err := db.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := db.Get(id); err == nil {
		t.Fatalf("want error fetching a removed record")
	}
}

func TestSearchByTag(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	tagged, err := db.Add(ctx, VectorRecord{Values: []float32{1, 2, 3}, Tags: []Tag{5}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, VectorRecord{Values: []float32{4, 5, 6}}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids := db.SearchByTag(5)
	if len(ids) != 1 || ids[0] != tagged {
		t.Fatalf("want only the tagged id, got %v", ids)
	}
}

func TestRangeSearch(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	near, err := db.Add(ctx, VectorRecord{Values: []float32{0, 0, 0}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, VectorRecord{Values: []float32{1000, 1000, 1000}}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := db.RangeSearch(ctx, []float32{0, 0, 0}, 5, nil, AlgorithmAuto)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(results) != 1 || results[0].ID != near {
		t.Fatalf("want only the nearby record within radius, got %+v", results)
	}
}

func TestSaveAndReopen(t *testing.T) {
	cfg := testDBConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	id, err := db.Add(ctx, VectorRecord{Values: []float32{1, 2, 3}}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(id); err != nil {
		t.Fatalf("want record to survive reopen: %v", err)
	}
	if m, ok := reopened.GetMetadata(id); !ok || m["k"] != "v" {
		t.Fatalf("want metadata to survive reopen via sidecar, got %v, ok=%v", m, ok)
	}
}

func TestSearchHonorsConfigDefaultAlgorithm(t *testing.T) {
	cfg := testDBConfig(t)
	cfg.DefaultAlgorithm = AlgorithmLinear
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	near, err := db.Add(ctx, VectorRecord{Values: []float32{0, 0, 0}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, VectorRecord{Values: []float32{50, 50, 50}}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// AlgorithmAuto defers to cfg.DefaultAlgorithm rather than the §4.6
	// heuristic when the caller names no family explicitly.
	results, err := db.Search(ctx, []float32{1, 1, 1}, 1, nil, AlgorithmAuto)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != near {
		t.Fatalf("want nearest to be %v, got %+v", near, results)
	}
}

func TestSearchRejectsNonPositiveK(t *testing.T) {
	db, err := Open(testDBConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Search(context.Background(), []float32{0, 0, 0}, 0, nil, AlgorithmAuto); err == nil {
		t.Fatalf("want error for k=0")
	}
}
