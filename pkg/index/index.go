// Package index implements the SearchIndexes family of spec.md §4.4:
// Linear, KD-tree, Ball tree, LSH, HNSW, Binary quantization and Product
// quantization. Every family implements the common Index contract so the
// Database façade and the indexing service can treat them uniformly.
package index

import (
	"context"
	"io"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// Result is one (id, distance) pair returned by a query. Results come best
// first: ascending distance, except under Cosine, where Distance holds the
// raw similarity and results come highest similarity first.
type Result struct {
	ID       record.Identifier
	Distance float32
}

// Accept is an optional per-id predicate a caller supplies to prefilter
// candidates during enumeration — the composition of a MetadataFilter
// evaluation with an id-to-metadata lookup, built by the caller so this
// package stays independent of pkg/filter. A nil Accept matches everything.
type Accept func(record.Identifier) bool

func (a Accept) test(id record.Identifier) bool {
	return a == nil || a(id)
}

// Index is the common contract every search-index family satisfies
// (spec.md §4.4). Build is deterministic given the same snapshot, params
// and seed. All methods are safe to call concurrently with each other but
// not with Build/Load, which replace the index's internal state.
type Index interface {
	// Build constructs the index from a snapshot of live records. ctx is
	// polled at the documented safe points (between major phases, between
	// tree levels) so a long build can be cancelled.
	Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error

	// Nearest returns the k closest ids to query, best first (see Result).
	Nearest(query []float32, k int, accept Accept) ([]Result, error)

	// Range returns every id within radius of query, best first (see Result).
	Range(query []float32, radius float32, accept Accept) ([]Result, error)

	Save(w io.Writer) error
	Load(r io.Reader, snapshot []record.VectorRecord) error

	Dimension() int
	Len() int
}

// StatsProvider is implemented by every index family (spec.md §9's
// supplemented telemetry), grounded on the teacher's per-index Stats()
// methods (pkg/index/flat.go, hnsw.go, lsh.go). Callers that want
// introspection type-assert an Index to this interface rather than it
// being part of the core contract, since Stats shapes differ per family.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Params bundles every family's construction parameters; each Build
// implementation reads only the fields it needs.
type Params struct {
	Metric distance.Metric

	Seed int64

	KDParallelThreshold int

	HNSW HNSWParams
	LSH  LSHParams
	PQ   PQParams
	BQ   BQParams
}

// HNSWParams carries the graph parameters of spec.md §4.4.5.
type HNSWParams struct {
	M              int
	EfConstruction int
	Ef             int
}

// LSHParams carries the table/signature parameters of spec.md §4.4.4.
type LSHParams struct {
	NumTables    int
	BitsPerTable int
}

// PQParams carries the product-quantization parameters of spec.md §4.4.7.
type PQParams struct {
	SubVectors         int
	Centroids          int
	TrainingSampleSize int
}

// BQParams carries the binary-quantization threshold mode of spec.md
// §4.4.6.
type BQParams struct {
	UseMedianThreshold bool
	RerankShortlist    int
}
