package distance

import "math"

type minkowskiKernel struct{}

func (minkowskiKernel) Metric() Metric { return Minkowski }

// Distance computes the order-3 Minkowski distance (spec.md §4.1.4),
// accumulating in single precision per spec.md §4.1.
func (k minkowskiKernel) Distance(a, b []float32) (float32, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d * d * d
	}
	return float32(math.Cbrt(float64(sum))), nil
}

func (k minkowskiKernel) Batch(query []float32, corpus [][]float32) ([]float32, error) {
	return parallelBatch(query, corpus, k.Distance)
}
