package distance

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelChunkThreshold is the corpus size above which Batch splits work
// across goroutines; below it the per-goroutine overhead would dwarf the
// per-row distance computation.
const parallelChunkThreshold = 2048

// parallelBatch computes distanceFn(query, corpus[i]) for every row,
// chunking across GOMAXPROCS goroutines via errgroup once corpus is large
// enough to be worth it.
func parallelBatch(query []float32, corpus [][]float32, distanceFn func(a, b []float32) (float32, error)) ([]float32, error) {
	if len(corpus) < parallelChunkThreshold {
		return batchSequential(query, corpus, distanceFn)
	}

	out := make([]float32, len(corpus))
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	chunk := (len(corpus) + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < len(corpus); start += chunk {
		start := start
		end := start + chunk
		if end > len(corpus) {
			end = len(corpus)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				d, err := distanceFn(query, corpus[i])
				if err != nil {
					return err
				}
				out[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
