package index

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// kdNode is one node of the balanced tree of spec.md §4.4.2: it holds the
// split axis and value plus the vector placed at the split.
type kdNode struct {
	axis        int
	splitValue  float32
	id          record.Identifier
	vector      []float32
	left, right *kdNode
}

// KDTree partitions on the axis of greatest variance at each depth,
// splitting at the median, with parallel construction above
// ParallelThreshold (spec.md §4.4.2). New, no teacher equivalent exists;
// the node/Build/Nearest/Range method shape follows the idiom of the
// teacher's other index types (pkg/index/flat.go, pkg/index/lsh.go).
type KDTree struct {
	dimension int
	kernel    distance.Kernel
	ascending bool
	root      *kdNode
	size      int

	ParallelThreshold int
}

type kdPoint struct {
	id     record.Identifier
	vector []float32
}

func (t *KDTree) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	t.kernel = distance.New(params.Metric)
	t.ascending = distance.Ascending(params.Metric)
	if params.KDParallelThreshold > 0 {
		t.ParallelThreshold = params.KDParallelThreshold
	} else {
		t.ParallelThreshold = 1000
	}
	if len(snapshot) == 0 {
		t.root, t.size, t.dimension = nil, 0, 0
		return nil
	}
	t.dimension = snapshot[0].Dimension()
	points := make([]kdPoint, 0, len(snapshot))
	for _, rec := range snapshot {
		if rec.Dimension() != t.dimension {
			return errs.New("KDTree.Build", errs.KindDimensionMismatch, nil)
		}
		points = append(points, kdPoint{id: rec.ID, vector: rec.Values})
	}
	root, err := t.build(ctx, points, 0)
	if err != nil {
		return err
	}
	t.root = root
	t.size = len(points)
	return nil
}

func (t *KDTree) build(ctx context.Context, points []kdPoint, depth int) (*kdNode, error) {
	select {
	case <-ctx.Done():
		return nil, errs.New("KDTree.build", errs.KindCancelled, ctx.Err())
	default:
	}
	if len(points) == 0 {
		return nil, nil
	}

	axis := varianceAxis(points, t.dimension)
	sort.Slice(points, func(i, j int) bool { return points[i].vector[axis] < points[j].vector[axis] })
	mid := len(points) / 2

	node := &kdNode{
		axis:       axis,
		splitValue: points[mid].vector[axis],
		id:         points[mid].id,
		vector:     points[mid].vector,
	}
	left, right := points[:mid], points[mid+1:]

	if len(points) > t.ParallelThreshold {
		var leftNode, rightNode *kdNode
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			leftNode, err = t.build(gctx, left, depth+1)
			return err
		})
		g.Go(func() (err error) {
			rightNode, err = t.build(gctx, right, depth+1)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		node.left, node.right = leftNode, rightNode
		return node, nil
	}

	l, err := t.build(ctx, left, depth+1)
	if err != nil {
		return nil, err
	}
	r, err := t.build(ctx, right, depth+1)
	if err != nil {
		return nil, err
	}
	node.left, node.right = l, r
	return node, nil
}

// varianceAxis returns the dimension index with the greatest variance
// across points (spec.md §4.4.2's "axis of greatest variance").
func varianceAxis(points []kdPoint, dimension int) int {
	means := make([]float64, dimension)
	for _, p := range points {
		for i, v := range p.vector {
			means[i] += float64(v)
		}
	}
	n := float64(len(points))
	for i := range means {
		means[i] /= n
	}
	variances := make([]float64, dimension)
	for _, p := range points {
		for i, v := range p.vector {
			d := float64(v) - means[i]
			variances[i] += d * d
		}
	}
	best, bestVar := 0, -1.0
	for i, v := range variances {
		if v > bestVar {
			best, bestVar = i, v
		}
	}
	return best
}

func (t *KDTree) Dimension() int { return t.dimension }
func (t *KDTree) Len() int       { return t.size }

func (t *KDTree) checkQuery(query []float32) error {
	if t.root == nil {
		return nil
	}
	if len(query) != t.dimension {
		return errs.New("KDTree", errs.KindDimensionMismatch, nil)
	}
	return nil
}

// Nearest descends to the query's leaf, then ascends pruning siblings
// whose split hyperplane is farther than the current worst of the k best
// candidates (spec.md §4.4.2).
func (t *KDTree) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := t.checkQuery(query); err != nil {
		return nil, err
	}
	if t.root == nil || k <= 0 {
		return nil, nil
	}
	h := &resultHeap{ascending: t.ascending}
	t.nearestWalk(t.root, query, k, accept, h)

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = popHeap(h)
	}
	return out, nil
}

func (t *KDTree) nearestWalk(n *kdNode, query []float32, k int, accept Accept, h *resultHeap) {
	if n == nil {
		return
	}
	if accept.test(n.id) {
		if d, err := t.kernel.Distance(query, n.vector); err == nil {
			pushBounded(h, k, Result{ID: n.id, Distance: d})
		}
	}

	var near, far *kdNode
	if query[n.axis] < n.splitValue {
		near, far = n.left, n.right
	} else {
		near, far = n.right, n.left
	}
	t.nearestWalk(near, query, k, accept, h)

	// The split-hyperplane prune bound assumes a metric coordinates
	// directly contribute distance to (the triangle inequality over raw
	// vector components), which holds for Euclidean/Manhattan/Chebyshev/
	// Minkowski but not for Cosine's similarity score. Descending metrics
	// always descend into the far subtree rather than risk an incorrect
	// prune.
	if !t.ascending {
		t.nearestWalk(far, query, k, accept, h)
		return
	}
	worst := float32(math.MaxFloat32)
	if h.Len() >= k && h.Len() > 0 {
		worst = h.items[0].Distance
	}
	diff := query[n.axis] - n.splitValue
	if diff < 0 {
		diff = -diff
	}
	if h.Len() < k || diff < worst {
		t.nearestWalk(far, query, k, accept, h)
	}
}

// Range collects every point within radius, pruning siblings whose split
// hyperplane distance exceeds radius.
func (t *KDTree) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := t.checkQuery(query); err != nil {
		return nil, err
	}
	var out []Result
	t.rangeWalk(t.root, query, radius, accept, &out)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j], t.ascending) })
	return out, nil
}

func (t *KDTree) rangeWalk(n *kdNode, query []float32, radius float32, accept Accept, out *[]Result) {
	if n == nil {
		return
	}
	if accept.test(n.id) {
		if d, err := t.kernel.Distance(query, n.vector); err == nil && inRadius(d, radius, t.ascending) {
			*out = append(*out, Result{ID: n.id, Distance: d})
		}
	}
	// See nearestWalk: the hyperplane-distance prune bound only holds for
	// ascending metrics.
	if !t.ascending {
		t.rangeWalk(n.left, query, radius, accept, out)
		t.rangeWalk(n.right, query, radius, accept, out)
		return
	}
	diff := query[n.axis] - n.splitValue
	if diff < 0 {
		diff = -diff
	}
	if diff <= radius {
		t.rangeWalk(n.left, query, radius, accept, out)
		t.rangeWalk(n.right, query, radius, accept, out)
		return
	}
	if query[n.axis] < n.splitValue {
		t.rangeWalk(n.left, query, radius, accept, out)
	} else {
		t.rangeWalk(n.right, query, radius, accept, out)
	}
}

// Stats reports the tree's size and configured parallel build threshold.
func (t *KDTree) Stats() map[string]interface{} {
	return map[string]interface{}{
		"family":             "kdtree",
		"size":               t.size,
		"dimension":          t.dimension,
		"metric":             t.kernel.Metric().String(),
		"parallel_threshold": t.ParallelThreshold,
	}
}

// Save walks the tree writing split-axis, split-value and identifier per
// node (spec.md §4.4.2's serialization note), with an inline null marker
// ahead of each child so Load can reconstruct it with a single streaming
// pass instead of buffering the whole tree to parse it backward.
func (t *KDTree) Save(w io.Writer) error {
	if err := writeMetric(w, t.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.dimension)); err != nil {
		return err
	}
	return saveKDNode(w, t.root)
}

func saveKDNode(w io.Writer, n *kdNode) error {
	if n == nil {
		return binary.Write(w, binary.LittleEndian, uint8(0))
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(1)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(n.axis)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, n.splitValue); err != nil {
		return err
	}
	if _, err := w.Write(n.id[:]); err != nil {
		return err
	}
	if err := saveKDNode(w, n.left); err != nil {
		return err
	}
	return saveKDNode(w, n.right)
}

// Load reconstructs the tree topology from the stream Save wrote, looking
// up each identifier's current vector in snapshot.
func (t *KDTree) Load(r io.Reader, snapshot []record.VectorRecord) error {
	byID := make(map[record.Identifier][]float32, len(snapshot))
	for _, rec := range snapshot {
		byID[rec.ID] = rec.Values
	}
	m, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	t.dimension = int(dim)
	t.kernel = distance.New(m)
	t.ascending = distance.Ascending(m)

	root, n, err := loadKDNode(r, byID)
	if err != nil {
		return err
	}
	t.root = root
	t.size = n
	return nil
}

func loadKDNode(r io.Reader, byID map[record.Identifier][]float32) (*kdNode, int, error) {
	var tag uint8
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, 0, err
	}
	if tag == 0 {
		return nil, 0, nil
	}
	var axis int32
	if err := binary.Read(r, binary.LittleEndian, &axis); err != nil {
		return nil, 0, err
	}
	var splitValue float32
	if err := binary.Read(r, binary.LittleEndian, &splitValue); err != nil {
		return nil, 0, err
	}
	var id record.Identifier
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return nil, 0, err
	}
	node := &kdNode{axis: int(axis), splitValue: splitValue, id: id, vector: byID[id]}

	left, leftN, err := loadKDNode(r, byID)
	if err != nil {
		return nil, 0, err
	}
	right, rightN, err := loadKDNode(r, byID)
	if err != nil {
		return nil, 0, err
	}
	node.left, node.right = left, right
	return node, 1 + leftN + rightN, nil
}
