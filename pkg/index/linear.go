package index

import (
	"context"
	"encoding/binary"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
	"golang.org/x/sync/errgroup"
)

// Linear is the brute-force exact index of spec.md §4.4.1: O(n*d) query
// time, O(k) extra space, grounded on the teacher's FlatIndex
// (pkg/index/flat.go) generalized to record.Identifier keys and a
// pluggable distance.Kernel.
type Linear struct {
	dimension int
	kernel    distance.Kernel
	ascending bool
	ids       []record.Identifier
	vectors   [][]float32

	// ParallelThreshold is the candidate count above which Nearest/Range
	// partition work across goroutines (spec.md §4.4.1's "parallel
	// variant"). Build replaces a zero value with 5000.
	ParallelThreshold int
}

func (l *Linear) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	l.kernel = distance.New(params.Metric)
	l.ascending = distance.Ascending(params.Metric)
	l.ids = make([]record.Identifier, 0, len(snapshot))
	l.vectors = make([][]float32, 0, len(snapshot))
	for _, rec := range snapshot {
		select {
		case <-ctx.Done():
			return errs.New("Linear.Build", errs.KindCancelled, ctx.Err())
		default:
		}
		if l.dimension == 0 {
			l.dimension = rec.Dimension()
		} else if rec.Dimension() != l.dimension {
			return errs.New("Linear.Build", errs.KindDimensionMismatch, nil)
		}
		l.ids = append(l.ids, rec.ID)
		l.vectors = append(l.vectors, rec.Values)
	}
	if l.ParallelThreshold == 0 {
		l.ParallelThreshold = 5000
	}
	return nil
}

func (l *Linear) Dimension() int { return l.dimension }
func (l *Linear) Len() int       { return len(l.ids) }

func (l *Linear) checkQuery(query []float32) error {
	if len(l.ids) == 0 {
		return nil
	}
	if len(query) != l.dimension {
		return errs.New("Linear", errs.KindDimensionMismatch, nil)
	}
	return nil
}

// Nearest implements point k-NN, parallelizing across chunks once the
// corpus exceeds ParallelThreshold, then merging per-chunk top-k results
// (spec.md §4.4.1's "parallel variant").
func (l *Linear) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := l.checkQuery(query); err != nil {
		return nil, err
	}
	if len(l.ids) == 0 || k <= 0 {
		return nil, nil
	}

	if len(l.ids) < l.ParallelThreshold {
		return l.nearestRange(query, k, accept, 0, len(l.ids)), nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	chunk := (len(l.ids) + workers - 1) / workers
	chunks := make([][]Result, 0, workers)
	var mu sync.Mutex
	var g errgroup.Group
	for start := 0; start < len(l.ids); start += chunk {
		start := start
		end := start + chunk
		if end > len(l.ids) {
			end = len(l.ids)
		}
		g.Go(func() error {
			r := l.nearestRange(query, k, accept, start, end)
			mu.Lock()
			chunks = append(chunks, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeTopK(k, l.ascending, chunks), nil
}

func (l *Linear) nearestRange(query []float32, k int, accept Accept, start, end int) []Result {
	return topK(k, l.ascending, func(add func(Result)) {
		for i := start; i < end; i++ {
			if !accept.test(l.ids[i]) {
				continue
			}
			d, err := l.kernel.Distance(query, l.vectors[i])
			if err != nil {
				continue
			}
			add(Result{ID: l.ids[i], Distance: d})
		}
	})
}

// Range streams every candidate within radius then sorts best-first. For
// Cosine, radius is a similarity floor rather than a distance ceiling.
func (l *Linear) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := l.checkQuery(query); err != nil {
		return nil, err
	}
	var out []Result
	for i, id := range l.ids {
		if !accept.test(id) {
			continue
		}
		d, err := l.kernel.Distance(query, l.vectors[i])
		if err != nil {
			continue
		}
		if inRadius(d, radius, l.ascending) {
			out = append(out, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j], l.ascending) })
	return out, nil
}

// Stats reports the flat index's size and configured parallel threshold.
func (l *Linear) Stats() map[string]interface{} {
	return map[string]interface{}{
		"family":             "linear",
		"size":               len(l.ids),
		"dimension":          l.dimension,
		"metric":             l.kernel.Metric().String(),
		"parallel_threshold": l.ParallelThreshold,
	}
}

func (l *Linear) Save(w io.Writer) error {
	if err := writeMetric(w, l.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(l.dimension)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(len(l.ids)))
}

// Load rebuilds the index from snapshot; a Linear index has no topology of
// its own to restore beyond the dimension and metric, so Load reads the
// stored record count and discards it.
func (l *Linear) Load(r io.Reader, snapshot []record.VectorRecord) error {
	m, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	l.dimension = int(dim)
	l.kernel = distance.New(m)
	l.ascending = distance.Ascending(m)
	l.ids = make([]record.Identifier, 0, len(snapshot))
	l.vectors = make([][]float32, 0, len(snapshot))
	for _, rec := range snapshot {
		l.ids = append(l.ids, rec.ID)
		l.vectors = append(l.vectors, rec.Values)
	}
	return nil
}
