package distance

type chebyshevKernel struct{}

func (chebyshevKernel) Metric() Metric { return Chebyshev }

func (k chebyshevKernel) Distance(a, b []float32) (float32, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var max float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max, nil
}

func (k chebyshevKernel) Batch(query []float32, corpus [][]float32) ([]float32, error) {
	return parallelBatch(query, corpus, k.Distance)
}
