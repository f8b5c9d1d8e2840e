package index

import (
	"container/heap"

	"github.com/nmmf-db/nmmf/pkg/record"
)

// resultHeap is a bounded max-heap of Results ordered so the root is
// always the current worst of the best-so-far (the same shape as the
// teacher's flatMaxHeap in pkg/index/flat.go, generalized to carry an
// Identifier instead of a string id). ascending controls which end of the
// Distance range counts as "worst": true for every metric but Cosine,
// whose raw-similarity Distance ranks higher as closer.
type resultHeap struct {
	items     []Result
	ascending bool
}

// worseThan reports whether a should be evicted before b.
func worseThan(a, b Result, ascending bool) bool {
	if a.Distance != b.Distance {
		if ascending {
			return a.Distance > b.Distance
		}
		return a.Distance < b.Distance
	}
	return idLess(b.ID, a.ID)
}

func (h resultHeap) Len() int            { return len(h.items) }
func (h resultHeap) Less(i, j int) bool  { return worseThan(h.items[i], h.items[j], h.ascending) }
func (h resultHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *resultHeap) Push(x any)         { h.items = append(h.items, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func idLess(a, b record.Identifier) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// pushBounded inserts r into h, keeping h bounded to the k best candidates
// seen so far. Used by tree-structured indexes whose traversal order is
// recursive rather than a flat loop, where topK's closure shape doesn't
// fit.
func pushBounded(h *resultHeap, k int, r Result) {
	if h.Len() < k {
		heap.Push(h, r)
		return
	}
	if h.Len() > 0 && worseThan(h.items[0], r, h.ascending) {
		heap.Pop(h)
		heap.Push(h, r)
	}
}

// popHeap pops the current worst off h, panicking if h is empty (callers
// only pop exactly Len() times).
func popHeap(h *resultHeap) Result { return heap.Pop(h).(Result) }

// topK consumes candidates in arbitrary order and returns the k best,
// ordered from best to worst. Ties break on identifier so results are
// deterministic regardless of enumeration order.
func topK(k int, ascending bool, push func(add func(Result))) []Result {
	h := &resultHeap{ascending: ascending}
	heap.Init(h)
	push(func(r Result) { pushBounded(h, k, r) })

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out
}

// mergeTopK merges several already best-to-worst-sorted slices into one,
// used by the parallel linear variant to combine per-chunk results.
func mergeTopK(k int, ascending bool, chunks [][]Result) []Result {
	var all []Result
	for _, c := range chunks {
		all = append(all, c...)
	}
	return topK(k, ascending, func(add func(Result)) {
		for _, r := range all {
			add(r)
		}
	})
}

// better reports whether a ranks closer than b under ascending ordering.
func better(a, b Result, ascending bool) bool {
	return worseThan(b, a, ascending)
}

// inRadius reports whether a candidate scoring d is within a range query's
// threshold: a ceiling for ascending (lower-is-nearer) metrics, a floor for
// descending ones like Cosine, where the threshold is a similarity minimum.
func inRadius(d, radius float32, ascending bool) bool {
	if ascending {
		return d <= radius
	}
	return d >= radius
}
