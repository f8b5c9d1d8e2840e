package nmmf

import (
	"time"

	"github.com/nmmf-db/nmmf/pkg/distance"
)

// Metric names a distance kernel of spec.md §4.1.
type Metric = distance.Metric

const (
	Euclidean = distance.Euclidean
	Manhattan = distance.Manhattan
	Chebyshev = distance.Chebyshev
	Minkowski = distance.Minkowski
	Cosine    = distance.Cosine
)

// Algorithm names one of the search index families spec.md §4.4 defines,
// or Auto to let Database.Search pick one per the heuristic in §4.6.
type Algorithm int

const (
	AlgorithmAuto Algorithm = iota
	AlgorithmLinear
	AlgorithmKDTree
	AlgorithmBallTree
	AlgorithmLSH
	AlgorithmHNSW
	AlgorithmBinaryQuantization
	AlgorithmProductQuantization
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmLinear:
		return "Linear"
	case AlgorithmKDTree:
		return "KDTree"
	case AlgorithmBallTree:
		return "BallTree"
	case AlgorithmLSH:
		return "LSH"
	case AlgorithmHNSW:
		return "HNSW"
	case AlgorithmBinaryQuantization:
		return "BinaryQuantization"
	case AlgorithmProductQuantization:
		return "ProductQuantization"
	default:
		return "Auto"
	}
}

// HNSWConfig carries the HNSW graph parameters of spec.md §4.4.5.
type HNSWConfig struct {
	M              int
	EfConstruction int
	Ef             int
	Seed           int64
}

// DefaultHNSWConfig returns the parameters the spec names as defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, Ef: 64, Seed: 42}
}

// PQConfig carries the product-quantization parameters of spec.md §4.4.7
// and §6.
type PQConfig struct {
	SubVectors         int
	Centroids          int
	TrainingSampleSize int
}

// DefaultPQConfig returns K=256 8-bit codes as spec.md recommends.
func DefaultPQConfig() PQConfig {
	return PQConfig{SubVectors: 8, Centroids: 256, TrainingSampleSize: 10000}
}

// LSHConfig carries the LSH parameters of spec.md §4.4.4.
type LSHConfig struct {
	NumTables    int
	BitsPerTable int
	Seed         int64
}

// DefaultLSHConfig returns a reasonable table/bit count for general use.
func DefaultLSHConfig() LSHConfig {
	return LSHConfig{NumTables: 8, BitsPerTable: 12, Seed: 7}
}

// Config is the full set of options consumed by the core, per spec.md §6's
// table. There is no environment-variable or CLI contract; callers build
// this struct directly.
type Config struct {
	// Path is the directory/name prefix; the store files are
	// "<Path>.index", "<Path>.data" and (transiently) "<Path>.wal".
	Path string
	// Dimension fixes the vector dimension; 0 auto-detects from the first
	// inserted vector, matching the teacher's auto-dimension behavior.
	Dimension int
	// Metric selects the distance kernel every index family and query is
	// built against (spec.md §4.1). Not named in spec.md's §6 config
	// table, which predates a multi-metric core; carried the same way
	// Path/Dimension/Logger are, as a direct struct field.
	Metric Metric

	QuietPeriod        time.Duration
	BackgroundIndexing bool
	DefaultAlgorithm   Algorithm

	HNSW HNSWConfig
	PQ   PQConfig
	LSH  LSHConfig

	// KDParallelThreshold is the vector count above which KD-tree
	// construction parallelizes (spec.md §4.4.2).
	KDParallelThreshold int

	CompressOnSave bool

	Logger Logger
}

// DefaultConfig returns the spec's documented defaults (§6) for a store
// rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:                path,
		Metric:              Euclidean,
		QuietPeriod:         5 * time.Second,
		BackgroundIndexing:  true,
		DefaultAlgorithm:    AlgorithmAuto,
		HNSW:                DefaultHNSWConfig(),
		PQ:                  DefaultPQConfig(),
		LSH:                 DefaultLSHConfig(),
		KDParallelThreshold: 1000,
		Logger:              NopLogger(),
	}
}
