package index

import (
	"bytes"
	"context"
	"testing"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/record"
)

func pqSnapshot(n, dim int) []record.VectorRecord {
	out := make([]record.VectorRecord, n)
	for i := 0; i < n; i++ {
		vals := make([]float32, dim)
		for d := 0; d < dim; d++ {
			vals[d] = float32(i)
		}
		out[i] = record.VectorRecord{ID: record.New(), Values: vals}
	}
	return out
}

func TestProductQuantBuildAndQuery(t *testing.T) {
	snapshot := pqSnapshot(50, 8)
	params := Params{
		Metric: distance.Euclidean,
		Seed:   1,
		PQ:     PQParams{SubVectors: 4, Centroids: 8, TrainingSampleSize: 50},
	}
	pq := &ProductQuant{}
	if err := pq.Build(context.Background(), snapshot, params); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pq.Len() != len(snapshot) {
		t.Fatalf("want %d encoded records, got %d", len(snapshot), pq.Len())
	}

	query := make([]float32, 8)
	for i := range query {
		query[i] = 25
	}
	results, err := pq.Nearest(query, 3, nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}

	ratio := pq.CompressionRatio()
	if ratio <= 0 {
		t.Fatalf("want positive compression ratio, got %v", ratio)
	}

	var buf bytes.Buffer
	if err := pq.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded := &ProductQuant{}
	if err := loaded.Load(&buf, snapshot); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != len(snapshot) {
		t.Fatalf("want %d restored records, got %d", len(snapshot), loaded.Len())
	}
}

func TestProductQuantRejectsIndivisibleDimension(t *testing.T) {
	snapshot := pqSnapshot(10, 5)
	params := Params{Metric: distance.Euclidean, PQ: PQParams{SubVectors: 4, Centroids: 4}}
	pq := &ProductQuant{}
	if err := pq.Build(context.Background(), snapshot, params); err == nil {
		t.Fatalf("want error when dimension does not divide evenly by SubVectors")
	}
}
