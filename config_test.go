package nmmf

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/example")
	if cfg.Metric != Euclidean {
		t.Fatalf("want Euclidean default metric, got %v", cfg.Metric)
	}
	if !cfg.BackgroundIndexing {
		t.Fatalf("want background indexing on by default")
	}
	if cfg.DefaultAlgorithm != AlgorithmAuto {
		t.Fatalf("want AlgorithmAuto default")
	}
	if cfg.HNSW.M != 16 || cfg.HNSW.EfConstruction != 200 || cfg.HNSW.Ef != 64 {
		t.Fatalf("unexpected HNSW defaults: %+v", cfg.HNSW)
	}
	if cfg.PQ.SubVectors != 8 || cfg.PQ.Centroids != 256 {
		t.Fatalf("unexpected PQ defaults: %+v", cfg.PQ)
	}
	if cfg.KDParallelThreshold != 1000 {
		t.Fatalf("want KDParallelThreshold 1000, got %d", cfg.KDParallelThreshold)
	}
}

func TestAlgorithmString(t *testing.T) {
	cases := map[Algorithm]string{
		AlgorithmAuto:                "Auto",
		AlgorithmLinear:              "Linear",
		AlgorithmKDTree:              "KDTree",
		AlgorithmHNSW:                "HNSW",
		AlgorithmProductQuantization: "ProductQuantization",
	}
	for algo, want := range cases {
		if algo.String() != want {
			t.Fatalf("want %q, got %q", want, algo.String())
		}
	}
}
