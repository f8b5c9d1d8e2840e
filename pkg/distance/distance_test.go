package distance

import (
	"math"
	"testing"
)

func TestEuclidean(t *testing.T) {
	k := New(Euclidean)
	d, err := k.Distance([]float32{0, 0, 0}, []float32{3, 4, 0})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if math.Abs(float64(d)-5) > 1e-5 {
		t.Fatalf("want 5, got %v", d)
	}
}

func TestManhattan(t *testing.T) {
	k := New(Manhattan)
	d, err := k.Distance([]float32{1, 1}, []float32{4, 5})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d != 7 {
		t.Fatalf("want 7, got %v", d)
	}
}

func TestChebyshev(t *testing.T) {
	k := New(Chebyshev)
	d, err := k.Distance([]float32{1, 1}, []float32{4, 9})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d != 8 {
		t.Fatalf("want 8, got %v", d)
	}
}

func TestCosineIsSimilarity(t *testing.T) {
	k := New(Cosine)

	same, err := k.Distance([]float32{1, 0, 0}, []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if math.Abs(float64(same)-1) > 1e-5 {
		t.Fatalf("identical vectors want similarity 1, got %v", same)
	}

	orth, err := k.Distance([]float32{1, 0, 0}, []float32{0, 1, 0})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if math.Abs(float64(orth)) > 1e-5 {
		t.Fatalf("orthogonal vectors want similarity 0, got %v", orth)
	}

	zero, err := k.Distance([]float32{0, 0, 0}, []float32{1, 1, 1})
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if zero != 0 {
		t.Fatalf("zero vector want similarity 0, got %v", zero)
	}
}

func TestAscending(t *testing.T) {
	for _, m := range []Metric{Euclidean, Manhattan, Chebyshev, Minkowski} {
		if !Ascending(m) {
			t.Fatalf("%v should be ascending", m)
		}
	}
	if Ascending(Cosine) {
		t.Fatalf("Cosine should not be ascending")
	}
}

func TestDimensionMismatch(t *testing.T) {
	k := New(Euclidean)
	if _, err := k.Distance([]float32{1, 2}, []float32{1}); err == nil {
		t.Fatalf("want error on dimension mismatch")
	}
}

func TestBatch(t *testing.T) {
	k := New(Euclidean)
	corpus := [][]float32{{0, 0}, {3, 4}, {1, 1}}
	out, err := k.Batch([]float32{0, 0}, corpus)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	want := []float32{0, 5, float32(math.Sqrt(2))}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-4 {
			t.Fatalf("row %d: want %v got %v", i, want[i], out[i])
		}
	}
}

// TestScalarAccumulationIsSingleSingle builds high-dimension vectors where
// one axis dominates the running sum and every remaining axis contributes a
// term below half that sum's float32 ulp at the point it is added, even
// when the unrolled path adds four trailing terms together first.
// Accumulating in float32 (spec.md §4.1's "all sums are accumulated in
// single precision") loses those trailing contributions entirely; summing
// the same terms in float64 retains them and shifts the result by more
// than the spec's 1e-4 relative tolerance. This would fail if any kernel
// accumulated in float64 instead of float32.
func TestScalarAccumulationIsSingleSingle(t *testing.T) {
	const dim = 32768

	t.Run("Euclidean", func(t *testing.T) {
		a := make([]float32, dim)
		b := make([]float32, dim)
		b[0] = 4096 // dominant term: diff^2 = 2^24, where the float32 ulp is 2
		for i := 1; i < dim; i++ {
			b[i] = 0.45 // trailing term: diff^2 = 0.2025; four of them (0.81) stay below half the ulp
		}
		d, err := New(Euclidean).Distance(a, b)
		if err != nil {
			t.Fatalf("Distance: %v", err)
		}
		// float64-accumulated reference: sqrt(2^24 + 32767*0.2025) ≈ 4096.81.
		float64Ref := float32(math.Sqrt(4096*4096 + (dim-1)*0.45*0.45))
		if math.Abs(float64(d)-4096)/4096 > 1e-4 {
			t.Fatalf("want ~4096 under float32 accumulation, got %v", d)
		}
		if math.Abs(float64(d-float64Ref))/float64(float64Ref) < 1e-4 {
			t.Fatalf("result %v matches the float64-accumulated reference %v within tolerance; accumulation is not single precision", d, float64Ref)
		}
	})

	t.Run("Manhattan", func(t *testing.T) {
		a := make([]float32, dim)
		b := make([]float32, dim)
		b[0] = 8388608 // dominant term: 2^23, where the float32 ulp is 1.0
		for i := 1; i < dim; i++ {
			b[i] = 0.12 // four of them (0.48) stay below half the ulp
		}
		d, err := New(Manhattan).Distance(a, b)
		if err != nil {
			t.Fatalf("Distance: %v", err)
		}
		// float64-accumulated reference: 2^23 + 32767*0.12 ≈ 8392540.
		float64Ref := float32(8388608 + (dim-1)*0.12)
		if math.Abs(float64(d)-8388608)/8388608 > 1e-4 {
			t.Fatalf("want ~8388608 under float32 accumulation, got %v", d)
		}
		if math.Abs(float64(d-float64Ref))/float64(float64Ref) < 1e-4 {
			t.Fatalf("result %v matches the float64-accumulated reference %v within tolerance; accumulation is not single precision", d, float64Ref)
		}
	})

	t.Run("Minkowski", func(t *testing.T) {
		a := make([]float32, dim)
		b := make([]float32, dim)
		b[0] = 256 // dominant term: diff^3 = 2^24, where the float32 ulp is 2
		for i := 1; i < dim; i++ {
			b[i] = 0.9 // trailing term: diff^3 = 0.729, below half the ulp
		}
		d, err := New(Minkowski).Distance(a, b)
		if err != nil {
			t.Fatalf("Distance: %v", err)
		}
		// float64-accumulated reference: cbrt(2^24 + 32767*0.729) ≈ 256.12.
		float64Ref := float32(math.Cbrt(256*256*256 + (dim-1)*0.9*0.9*0.9))
		if math.Abs(float64(d)-256)/256 > 1e-4 {
			t.Fatalf("want ~256 under float32 accumulation, got %v", d)
		}
		if math.Abs(float64(d-float64Ref))/float64(float64Ref) < 1e-4 {
			t.Fatalf("result %v matches the float64-accumulated reference %v within tolerance; accumulation is not single precision", d, float64Ref)
		}
	})
}

func TestMinkowskiMatchesEuclideanOnUnitDelta(t *testing.T) {
	e := New(Euclidean)
	m := New(Minkowski)
	a, b := []float32{0, 0, 0}, []float32{1, 0, 0}
	de, _ := e.Distance(a, b)
	dm, _ := m.Distance(a, b)
	if math.Abs(float64(de-dm)) > 1e-4 {
		t.Fatalf("want matching distances on a unit delta, got %v vs %v", de, dm)
	}
}
