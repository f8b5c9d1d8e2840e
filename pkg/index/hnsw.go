package index

import (
	"container/heap"
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// hnswNode is one point of the layered graph of spec.md §4.4.5: it lives
// on layers 0..level, with its own neighbor list per layer.
type hnswNode struct {
	id        record.Identifier
	vector    []float32
	level     int
	neighbors [][]record.Identifier // neighbors[layer]
	deleted   bool
}

// HNSW implements the Hierarchical Navigable Small World graph of spec.md
// §4.4.5, grounded on the teacher's HNSW (pkg/index/hnsw.go): random
// exponential level assignment, greedy descent through upper layers, then
// best-first search at layer 0 with a dynamic candidate list, neighbor
// selection pruned back to M (2M at layer 0).
type HNSW struct {
	dimension int
	kernel    distance.Kernel
	ascending bool

	m              int
	maxM           int
	efConstruction int
	ef             int
	mL             float64
	rng            *rand.Rand

	nodes      map[record.Identifier]*hnswNode
	entryPoint record.Identifier
	hasEntry   bool
}

func (h *HNSW) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	h.kernel = distance.New(params.Metric)
	h.ascending = distance.Ascending(params.Metric)
	h.m = params.HNSW.M
	if h.m <= 0 {
		h.m = 16
	}
	h.maxM = h.m * 2
	h.efConstruction = params.HNSW.EfConstruction
	if h.efConstruction <= 0 {
		h.efConstruction = 200
	}
	h.ef = params.HNSW.Ef
	if h.ef <= 0 {
		h.ef = 50
	}
	h.mL = 1.0 / math.Log(float64(h.m))
	seed := params.Seed
	if seed == 0 {
		seed = 1
	}
	h.rng = rand.New(rand.NewSource(seed))
	h.nodes = make(map[record.Identifier]*hnswNode, len(snapshot))
	h.hasEntry = false

	if len(snapshot) == 0 {
		h.dimension = 0
		return nil
	}
	h.dimension = snapshot[0].Dimension()

	for i, rec := range snapshot {
		if i%256 == 0 {
			select {
			case <-ctx.Done():
				return errs.New("HNSW.Build", errs.KindCancelled, ctx.Err())
			default:
			}
		}
		if rec.Dimension() != h.dimension {
			return errs.New("HNSW.Build", errs.KindDimensionMismatch, nil)
		}
		h.insert(rec.ID, rec.Values)
	}
	return nil
}

// selectLevel draws a random level from the exponential distribution of
// parameter mL (spec.md §4.4.5).
func (h *HNSW) selectLevel() int {
	level := int(math.Floor(-math.Log(h.rng.Float64()) * h.mL))
	if level > 32 {
		level = 32
	}
	return level
}

func (h *HNSW) insert(id record.Identifier, vector []float32) {
	level := h.selectLevel()
	node := &hnswNode{id: id, vector: vector, level: level, neighbors: make([][]record.Identifier, level+1)}
	h.nodes[id] = node

	if !h.hasEntry {
		h.entryPoint = id
		h.hasEntry = true
		return
	}

	entry := h.nodes[h.entryPoint]
	curr := []record.Identifier{h.entryPoint}
	for lc := entry.level; lc > level; lc-- {
		curr = h.searchLayerClosest(vector, curr, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		maxConn := h.m
		if lc == 0 {
			maxConn = h.maxM
		}
		candidates := h.searchLayer(vector, curr, h.efConstruction, lc)
		neighbors := h.selectNeighbors(vector, candidates, maxConn)
		node.neighbors[lc] = neighbors

		for _, nb := range neighbors {
			h.addConnection(nb, id, lc)
			nbNode := h.nodes[nb]
			if lc < len(nbNode.neighbors) && len(nbNode.neighbors[lc]) > maxConn {
				nbNode.neighbors[lc] = h.selectNeighbors(nbNode.vector, nbNode.neighbors[lc], maxConn)
			}
		}
		curr = neighbors
	}

	if level > entry.level {
		h.entryPoint = id
	}
}

func (h *HNSW) addConnection(from, to record.Identifier, layer int) {
	fromNode, ok := h.nodes[from]
	if !ok || layer >= len(fromNode.neighbors) {
		return
	}
	for _, nb := range fromNode.neighbors[layer] {
		if nb == to {
			return
		}
	}
	fromNode.neighbors[layer] = append(fromNode.neighbors[layer], to)
}

type hnswHeapItem struct {
	id   record.Identifier
	dist float32
}
type hnswMinHeap []hnswHeapItem

func (q hnswMinHeap) Len() int           { return len(q) }
func (q hnswMinHeap) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q hnswMinHeap) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *hnswMinHeap) Push(x any)        { *q = append(*q, x.(hnswHeapItem)) }
func (q *hnswMinHeap) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type hnswMaxHeap []hnswHeapItem

func (q hnswMaxHeap) Len() int           { return len(q) }
func (q hnswMaxHeap) Less(i, j int) bool { return q[i].dist > q[j].dist }
func (q hnswMaxHeap) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *hnswMaxHeap) Push(x any)        { *q = append(*q, x.(hnswHeapItem)) }
func (q *hnswMaxHeap) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// searchLayer runs best-first search on layer, keeping a dynamic candidate
// list bounded to ef (spec.md §4.4.5). Distances here are always
// ascending: layer traversal compares raw kernel output directly against
// the heaps' min/max convention, so a descending metric like Cosine is
// handled by negating before push (see orderValue).
func (h *HNSW) searchLayer(query []float32, entryPoints []record.Identifier, ef, layer int) []record.Identifier {
	visited := make(map[record.Identifier]bool, ef*2)
	candidates := &hnswMinHeap{}
	dynamic := &hnswMaxHeap{}

	push := func(id record.Identifier, raw float32) {
		d := h.orderValue(raw)
		heap.Push(candidates, hnswHeapItem{id, d})
		heap.Push(dynamic, hnswHeapItem{id, d})
	}

	for _, id := range entryPoints {
		raw, err := h.kernel.Distance(query, h.nodes[id].vector)
		if err != nil {
			continue
		}
		push(id, raw)
		visited[id] = true
	}

	for candidates.Len() > 0 {
		if dynamic.Len() > 0 && (*candidates)[0].dist > (*dynamic)[0].dist {
			break
		}
		cur := heap.Pop(candidates).(hnswHeapItem)
		curNode := h.nodes[cur.id]
		if layer >= len(curNode.neighbors) {
			continue
		}
		for _, nb := range curNode.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode, ok := h.nodes[nb]
			if !ok || nbNode.deleted {
				continue
			}
			raw, err := h.kernel.Distance(query, nbNode.vector)
			if err != nil {
				continue
			}
			d := h.orderValue(raw)
			if dynamic.Len() < ef || d < (*dynamic)[0].dist {
				heap.Push(candidates, hnswHeapItem{nb, d})
				heap.Push(dynamic, hnswHeapItem{nb, d})
				if dynamic.Len() > ef {
					heap.Pop(dynamic)
				}
			}
		}
	}

	result := make([]record.Identifier, dynamic.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(dynamic).(hnswHeapItem).id
	}
	return result
}

// orderValue maps a raw kernel score onto "lower means closer" so HNSW's
// internal heaps never need to branch on metric direction; negating
// Cosine's similarity score achieves that without touching the Distance
// values returned to callers.
func (h *HNSW) orderValue(raw float32) float32 {
	if h.ascending {
		return raw
	}
	return -raw
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []record.Identifier, num, layer int) []record.Identifier {
	result := h.searchLayer(query, entryPoints, num, layer)
	if len(result) > num {
		result = result[:num]
	}
	return result
}

// selectNeighbors truncates candidates to the m closest (spec.md §4.4.5's
// neighbor pruning).
func (h *HNSW) selectNeighbors(query []float32, candidates []record.Identifier, m int) []record.Identifier {
	if len(candidates) <= m {
		return candidates
	}
	type pair struct {
		id record.Identifier
		d  float32
	}
	pairs := make([]pair, 0, len(candidates))
	for _, c := range candidates {
		raw, err := h.kernel.Distance(query, h.nodes[c].vector)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair{c, h.orderValue(raw)})
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].d < pairs[i].d {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	if len(pairs) > m {
		pairs = pairs[:m]
	}
	out := make([]record.Identifier, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}

func (h *HNSW) Dimension() int { return h.dimension }
func (h *HNSW) Len() int {
	n := 0
	for _, node := range h.nodes {
		if !node.deleted {
			n++
		}
	}
	return n
}

func (h *HNSW) checkQuery(query []float32) error {
	if !h.hasEntry {
		return nil
	}
	if len(query) != h.dimension {
		return errs.New("HNSW", errs.KindDimensionMismatch, nil)
	}
	return nil
}

// Nearest greedily descends through upper layers to a single closest
// point, then runs best-first search at layer 0 with candidate list size
// max(ef, k) (spec.md §4.4.5).
func (h *HNSW) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := h.checkQuery(query); err != nil {
		return nil, err
	}
	if !h.hasEntry || k <= 0 {
		return nil, nil
	}
	entry := h.nodes[h.entryPoint]
	curr := []record.Identifier{h.entryPoint}
	for layer := entry.level; layer > 0; layer-- {
		curr = h.searchLayerClosest(query, curr, 1, layer)
	}
	ef := h.ef
	if k > ef {
		ef = k
	}
	candidates := h.searchLayer(query, curr, ef, 0)

	return topK(k, h.ascending, func(add func(Result)) {
		for _, id := range candidates {
			node, ok := h.nodes[id]
			if !ok || node.deleted || !accept.test(id) {
				continue
			}
			d, err := h.kernel.Distance(query, node.vector)
			if err != nil {
				continue
			}
			add(Result{ID: id, Distance: d})
		}
	}), nil
}

// Range runs the same layer-0 candidate search as Nearest with a widened
// candidate list, then filters by radius. HNSW's graph has no native
// range-query traversal, so this approximates range search via the
// nearest-neighbor path rather than guaranteeing exact recall, consistent
// with every other approximate family in this package.
func (h *HNSW) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := h.checkQuery(query); err != nil {
		return nil, err
	}
	if !h.hasEntry {
		return nil, nil
	}
	entry := h.nodes[h.entryPoint]
	curr := []record.Identifier{h.entryPoint}
	for layer := entry.level; layer > 0; layer-- {
		curr = h.searchLayerClosest(query, curr, 1, layer)
	}
	ef := h.ef
	if len(h.nodes) > ef {
		ef = len(h.nodes)
	}
	candidates := h.searchLayer(query, curr, ef, 0)

	var out []Result
	for _, id := range candidates {
		node, ok := h.nodes[id]
		if !ok || node.deleted || !accept.test(id) {
			continue
		}
		d, err := h.kernel.Distance(query, node.vector)
		if err != nil {
			continue
		}
		if inRadius(d, radius, h.ascending) {
			out = append(out, Result{ID: id, Distance: d})
		}
	}
	return out, nil
}

// Stats reports graph size and the average out-degree at layer 0,
// grounded on the teacher's HNSW.Stats (pkg/index/hnsw.go).
func (h *HNSW) Stats() map[string]interface{} {
	totalDegree, live, maxLevel := 0, 0, 0
	for _, n := range h.nodes {
		if n.deleted {
			continue
		}
		live++
		if len(n.neighbors) > 0 {
			totalDegree += len(n.neighbors[0])
		}
		if n.level > maxLevel {
			maxLevel = n.level
		}
	}
	avgDegree := float64(0)
	if live > 0 {
		avgDegree = float64(totalDegree) / float64(live)
	}
	return map[string]interface{}{
		"family":          "hnsw",
		"size":            live,
		"dimension":       h.dimension,
		"metric":          h.kernel.Metric().String(),
		"m":               h.m,
		"ef_construction": h.efConstruction,
		"ef":              h.ef,
		"max_level":       maxLevel,
		"avg_degree_l0":   avgDegree,
	}
}

// Save writes parameters then each node's level and per-layer neighbor
// lists (spec.md §4.4.5's graph topology), looking vectors back up from
// snapshot on Load rather than duplicating them on disk.
func (h *HNSW) Save(w io.Writer) error {
	if err := writeMetric(w, h.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(h.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(h.m)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(h.efConstruction)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(h.ef)); err != nil {
		return err
	}
	hasEntry := uint8(0)
	if h.hasEntry {
		hasEntry = 1
	}
	if err := binary.Write(w, binary.LittleEndian, hasEntry); err != nil {
		return err
	}
	if h.hasEntry {
		if _, err := w.Write(h.entryPoint[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(h.nodes))); err != nil {
		return err
	}
	for id, node := range h.nodes {
		if _, err := w.Write(id[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(node.level)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(node.neighbors))); err != nil {
			return err
		}
		for _, layer := range node.neighbors {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(layer))); err != nil {
				return err
			}
			for _, nb := range layer {
				if _, err := w.Write(nb[:]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (h *HNSW) Load(r io.Reader, snapshot []record.VectorRecord) error {
	byID := make(map[record.Identifier][]float32, len(snapshot))
	for _, rec := range snapshot {
		byID[rec.ID] = rec.Values
	}

	metric, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim, m, efc, ef uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &efc); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &ef); err != nil {
		return err
	}
	h.dimension, h.m, h.maxM, h.efConstruction, h.ef = int(dim), int(m), int(m)*2, int(efc), int(ef)
	if h.m >= 2 {
		h.mL = 1.0 / math.Log(float64(h.m))
	} else {
		h.mL = 1.0
	}
	h.kernel = distance.New(metric)
	h.ascending = distance.Ascending(metric)

	var hasEntry uint8
	if err := binary.Read(r, binary.LittleEndian, &hasEntry); err != nil {
		return err
	}
	h.hasEntry = hasEntry != 0
	if h.hasEntry {
		if _, err := io.ReadFull(r, h.entryPoint[:]); err != nil {
			return err
		}
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	h.nodes = make(map[record.Identifier]*hnswNode, count)
	for i := uint32(0); i < count; i++ {
		var id record.Identifier
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return err
		}
		var level, numLayers uint32
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &numLayers); err != nil {
			return err
		}
		neighbors := make([][]record.Identifier, numLayers)
		for l := uint32(0); l < numLayers; l++ {
			var n uint32
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return err
			}
			layer := make([]record.Identifier, n)
			for j := uint32(0); j < n; j++ {
				if _, err := io.ReadFull(r, layer[j][:]); err != nil {
					return err
				}
			}
			neighbors[l] = layer
		}
		h.nodes[id] = &hnswNode{id: id, vector: byID[id], level: int(level), neighbors: neighbors}
	}
	return nil
}
