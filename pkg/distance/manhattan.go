package distance

import "golang.org/x/sys/cpu"

type manhattanKernel struct{}

func (manhattanKernel) Metric() Metric { return Manhattan }

func (k manhattanKernel) Distance(a, b []float32) (float32, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	if cpu.X86.HasAVX2 {
		return manhattanUnrolled(a, b), nil
	}
	return manhattanScalar(a, b), nil
}

func (k manhattanKernel) Batch(query []float32, corpus [][]float32) ([]float32, error) {
	return parallelBatch(query, corpus, k.Distance)
}

// manhattanScalar accumulates in single precision per spec.md §4.1.
func manhattanScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func manhattanUnrolled(a, b []float32) float32 {
	n := len(a)
	var sum float32
	i := 0
	abs := func(x float32) float32 {
		if x < 0 {
			return -x
		}
		return x
	}
	for ; i+4 <= n; i += 4 {
		sum += abs(a[i]-b[i]) +
			abs(a[i+1]-b[i+1]) +
			abs(a[i+2]-b[i+2]) +
			abs(a[i+3]-b[i+3])
	}
	for ; i < n; i++ {
		sum += abs(a[i] - b[i])
	}
	return sum
}
