package index

import (
	"bytes"
	"context"
	"testing"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// gridSnapshot returns n points spread along the first axis, each 1.0 apart,
// so nearest-neighbor order is unambiguous for every family under test.
func gridSnapshot(n int) []record.VectorRecord {
	out := make([]record.VectorRecord, n)
	for i := 0; i < n; i++ {
		out[i] = record.VectorRecord{
			ID:     record.New(),
			Values: []float32{float32(i), 0, 0},
		}
	}
	return out
}

func defaultParams() Params {
	return Params{
		Metric:              distance.Euclidean,
		Seed:                42,
		KDParallelThreshold: 1000,
		HNSW:                HNSWParams{M: 8, EfConstruction: 50, Ef: 32},
		LSH:                 LSHParams{NumTables: 4, BitsPerTable: 8},
		PQ:                  PQParams{SubVectors: 1, Centroids: 4, TrainingSampleSize: 100},
		BQ:                  BQParams{UseMedianThreshold: false},
	}
}

// assertConformance exercises the common Index contract against one
// family: build, nearest, range, dimension/len accessors, and a save/load
// round trip.
func assertConformance(t *testing.T, name string, newIdx func() Index) {
	t.Helper()
	snapshot := gridSnapshot(20)
	params := defaultParams()

	idx := newIdx()
	if err := idx.Build(context.Background(), snapshot, params); err != nil {
		t.Fatalf("%s.Build: %v", name, err)
	}
	if idx.Dimension() != 3 {
		t.Fatalf("%s.Dimension: want 3, got %d", name, idx.Dimension())
	}
	if idx.Len() != len(snapshot) {
		t.Fatalf("%s.Len: want %d, got %d", name, len(snapshot), idx.Len())
	}

	results, err := idx.Nearest([]float32{0, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("%s.Nearest: %v", name, err)
	}
	if len(results) == 0 {
		t.Fatalf("%s.Nearest: want at least one result", name)
	}

	rangeResults, err := idx.Range([]float32{0, 0, 0}, 2.5, nil)
	if err != nil {
		t.Fatalf("%s.Range: %v", name, err)
	}
	if len(rangeResults) == 0 {
		t.Fatalf("%s.Range: want at least one result within radius 2.5", name)
	}

	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		t.Fatalf("%s.Save: %v", name, err)
	}
	loaded := newIdx()
	if err := loaded.Load(&buf, snapshot); err != nil {
		t.Fatalf("%s.Load: %v", name, err)
	}
	if loaded.Len() != len(snapshot) {
		t.Fatalf("%s.Load: want %d records restored, got %d", name, len(snapshot), loaded.Len())
	}
	if _, err := loaded.Nearest([]float32{0, 0, 0}, 3, nil); err != nil {
		t.Fatalf("%s.Nearest after Load: %v", name, err)
	}
}

func TestAllFamiliesConformToIndex(t *testing.T) {
	// ProductQuant is not in this map: its Range radius is in squared
	// sub-vector units, so it is covered by productquant_test.go instead.
	families := map[string]func() Index{
		"Linear":      func() Index { return &Linear{} },
		"KDTree":      func() Index { return &KDTree{} },
		"BallTree":    func() Index { return &BallTree{} },
		"LSH":         func() Index { return &LSH{} },
		"HNSW":        func() Index { return &HNSW{} },
		"BinaryQuant": func() Index { return &BinaryQuant{} },
	}
	for name, ctor := range families {
		ctor := ctor
		t.Run(name, func(t *testing.T) {
			assertConformance(t, name, ctor)
		})
	}
}

func TestAcceptFiltersCandidates(t *testing.T) {
	snapshot := gridSnapshot(10)
	excluded := snapshot[0].ID

	l := &Linear{}
	if err := l.Build(context.Background(), snapshot, defaultParams()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	accept := func(id record.Identifier) bool { return id != excluded }
	results, err := l.Nearest([]float32{0, 0, 0}, 1, accept)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(results) != 1 || results[0].ID == excluded {
		t.Fatalf("want excluded id filtered out, got %+v", results)
	}
}

func TestBuildCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &Linear{}
	err := l.Build(ctx, gridSnapshot(5), defaultParams())
	if err == nil {
		t.Fatalf("want error for cancelled context")
	}
}
