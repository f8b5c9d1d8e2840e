// Package nmmf implements the core of an embeddable vector database: a
// disk-backed, memory-mapped store of identifier-addressed float32 vectors
// with write-ahead-logged mutation, pluggable distance kernels, a family of
// exact and approximate search indexes, and a background service that keeps
// those indexes current without blocking writers.
//
// The package is deliberately embeddable: there is no network protocol, no
// CLI, and no SQL. Callers import nmmf, open or create a Database, and drive
// it directly.
//
// # Quick start
//
//	db, err := nmmf.Open(nmmf.DefaultConfig("vectors"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, err := db.Add(ctx, nmmf.VectorRecord{Values: []float32{0.1, 0.2, 0.3}}, nil)
//	results, err := db.Search(ctx, []float32{0.1, 0.2, 0.28}, 5, nil, nmmf.AlgorithmAuto)
//
// # Persistence
//
// A store lives as a pair of files, "<name>.index" and "<name>.data", plus a
// transient "<name>.wal" sidecar while mutations are in flight. Save
// durably exchanges the in-memory state for that on-disk pair; Open
// replays any WAL left by a crash before making the store available.
//
// # Search
//
// Seven index families are available under pkg/index: linear (brute force),
// KD-tree, ball tree, LSH, HNSW, and two quantization-backed indexes
// (binary and product). Database.Search picks one automatically unless the
// caller names one explicitly; see Config.DefaultAlgorithm.
package nmmf
