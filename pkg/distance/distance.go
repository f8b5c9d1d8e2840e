// Package distance implements the DistanceKernel family of spec.md §4.1:
// Euclidean, Manhattan, Chebyshev, Minkowski and Cosine, each with a scalar
// reference path and a parallel batch path over golang.org/x/sync.
// Euclidean and Manhattan also have an unrolled "SIMD" path selected via
// golang.org/x/sys/cpu feature detection; Chebyshev, Minkowski and Cosine
// have no unrolled path.
package distance

import (
	"math"

	"github.com/nmmf-db/nmmf/pkg/errs"
)

// Metric names one of the distance kernels.
type Metric int

const (
	Euclidean Metric = iota
	Manhattan
	Chebyshev
	Minkowski
	Cosine
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "Euclidean"
	case Manhattan:
		return "Manhattan"
	case Chebyshev:
		return "Chebyshev"
	case Minkowski:
		return "Minkowski"
	case Cosine:
		return "Cosine"
	default:
		return "Unknown"
	}
}

// MinkowskiP is the fixed order used by the Minkowski kernel (spec.md
// §4.1.4): p=3.
const MinkowskiP = 3

// Kernel computes a score between two equal-length float32 vectors. For
// every metric but Cosine, lower means nearer. Cosine returns raw
// similarity, where higher means nearer — see Ascending.
type Kernel interface {
	Metric() Metric
	Distance(a, b []float32) (float32, error)
	// Batch computes Distance(query, each of corpus[i]) for every row,
	// parallelizing across chunks once corpus is large enough to be worth
	// the goroutine overhead.
	Batch(query []float32, corpus [][]float32) ([]float32, error)
}

// New returns the Kernel implementing m.
func New(m Metric) Kernel {
	switch m {
	case Manhattan:
		return manhattanKernel{}
	case Chebyshev:
		return chebyshevKernel{}
	case Minkowski:
		return minkowskiKernel{}
	case Cosine:
		return cosineKernel{}
	default:
		return euclideanKernel{}
	}
}

// Ascending reports whether lower Kernel.Distance values mean closer for
// m. True for every metric except Cosine, whose Distance is a raw
// similarity score where higher means closer.
func Ascending(m Metric) bool {
	return m != Cosine
}

func checkDims(a, b []float32) error {
	if len(a) != len(b) {
		return errs.New("distance", errs.KindDimensionMismatch,
			dimErrf(len(a), len(b)))
	}
	if len(a) == 0 {
		return errs.New("distance", errs.KindNullInput, dimErrf(0, 0))
	}
	return nil
}

// batchSequential runs fn over every corpus row on the calling goroutine;
// used by kernels/sizes not worth parallelizing.
func batchSequential(query []float32, corpus [][]float32, fn func(a, b []float32) (float32, error)) ([]float32, error) {
	out := make([]float32, len(corpus))
	for i, row := range corpus {
		d, err := fn(query, row)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
