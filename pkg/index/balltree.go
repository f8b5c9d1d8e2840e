package index

import (
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"sort"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// ballNode is one node of the Ball tree of spec.md §4.4.3: a centroid and
// the radius of the farthest member from it.
type ballNode struct {
	center []float32
	radius float32

	// leaf holds (id, vector) pairs once a subtree is small enough to stop
	// splitting.
	leaf []kdPoint

	left, right *ballNode
}

// BallTree prunes on distance(query, center) - radius >= worst, which beats
// KD-tree on non-axis-aligned clusters and higher dimensions (spec.md
// §4.4.3). New, no teacher equivalent; method shape follows KDTree's.
type BallTree struct {
	dimension int
	kernel    distance.Kernel
	ascending bool
	root      *ballNode
	size      int

	leafSize int
	rng      *rand.Rand
}

const ballTreeDefaultLeafSize = 16

func (b *BallTree) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	b.kernel = distance.New(params.Metric)
	b.ascending = distance.Ascending(params.Metric)
	b.leafSize = ballTreeDefaultLeafSize
	seed := params.Seed
	if seed == 0 {
		seed = 1
	}
	b.rng = rand.New(rand.NewSource(seed))

	if len(snapshot) == 0 {
		b.root, b.size, b.dimension = nil, 0, 0
		return nil
	}
	b.dimension = snapshot[0].Dimension()
	points := make([]kdPoint, 0, len(snapshot))
	for _, rec := range snapshot {
		if rec.Dimension() != b.dimension {
			return errs.New("BallTree.Build", errs.KindDimensionMismatch, nil)
		}
		points = append(points, kdPoint{id: rec.ID, vector: rec.Values})
	}
	root, err := b.build(ctx, points)
	if err != nil {
		return err
	}
	b.root = root
	b.size = len(points)
	return nil
}

func (b *BallTree) build(ctx context.Context, points []kdPoint) (*ballNode, error) {
	select {
	case <-ctx.Done():
		return nil, errs.New("BallTree.build", errs.KindCancelled, ctx.Err())
	default:
	}
	center := centroid(points, b.dimension)
	radius := maxDistanceToCenter(b.kernel, center, points)

	if len(points) <= b.leafSize {
		return &ballNode{center: center, radius: radius, leaf: points}, nil
	}

	p1, p2 := pickPivots(points, b.rng)
	var left, right []kdPoint
	for _, p := range points {
		d1, _ := b.kernel.Distance(p.vector, p1)
		d2, _ := b.kernel.Distance(p.vector, p2)
		if d1 <= d2 {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	// Degenerate split (all points picked the same side): fall back to a
	// leaf rather than recursing forever.
	if len(left) == 0 || len(right) == 0 {
		return &ballNode{center: center, radius: radius, leaf: points}, nil
	}

	leftNode, err := b.build(ctx, left)
	if err != nil {
		return nil, err
	}
	rightNode, err := b.build(ctx, right)
	if err != nil {
		return nil, err
	}
	return &ballNode{center: center, radius: radius, left: leftNode, right: rightNode}, nil
}

func centroid(points []kdPoint, dimension int) []float32 {
	sum := make([]float64, dimension)
	for _, p := range points {
		for i, v := range p.vector {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, dimension)
	n := float64(len(points))
	for i := range out {
		out[i] = float32(sum[i] / n)
	}
	return out
}

func maxDistanceToCenter(k distance.Kernel, center []float32, points []kdPoint) float32 {
	var max float32
	for _, p := range points {
		if d, err := k.Distance(center, p.vector); err == nil && d > max {
			max = d
		}
	}
	return max
}

// pickPivots picks two well-separated points to seed a 2-means-style
// split: a random point, then the point farthest from it.
func pickPivots(points []kdPoint, rng *rand.Rand) ([]float32, []float32) {
	p1 := points[rng.Intn(len(points))].vector
	var farthest []float32
	var farthestD float64
	for _, p := range points {
		var sum float64
		for i := range p1 {
			d := float64(p1[i]) - float64(p.vector[i])
			sum += d * d
		}
		if sum > farthestD {
			farthestD = sum
			farthest = p.vector
		}
	}
	if farthest == nil {
		farthest = p1
	}
	return p1, farthest
}

func (b *BallTree) Dimension() int { return b.dimension }
func (b *BallTree) Len() int       { return b.size }

func (b *BallTree) checkQuery(query []float32) error {
	if b.root == nil {
		return nil
	}
	if len(query) != b.dimension {
		return errs.New("BallTree", errs.KindDimensionMismatch, nil)
	}
	return nil
}

func (b *BallTree) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := b.checkQuery(query); err != nil {
		return nil, err
	}
	if b.root == nil || k <= 0 {
		return nil, nil
	}
	h := &resultHeap{ascending: b.ascending}
	b.nearestWalk(b.root, query, k, accept, h)
	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = popHeap(h)
	}
	return out, nil
}

func (b *BallTree) nearestWalk(n *ballNode, query []float32, k int, accept Accept, h *resultHeap) {
	if n == nil {
		return
	}
	centerDist, err := b.kernel.Distance(query, n.center)
	if err != nil {
		return
	}
	// The centroid/radius prune bound assumes the triangle inequality,
	// which Cosine's similarity score doesn't satisfy; descending metrics
	// visit every subtree instead of risking an incorrect prune.
	if b.ascending {
		worst := float32(-1)
		haveWorst := h.Len() >= k
		if haveWorst && h.Len() > 0 {
			worst = h.items[0].Distance
		}
		if haveWorst && centerDist-n.radius >= worst {
			return
		}
	}

	if n.leaf != nil {
		for _, p := range n.leaf {
			if !accept.test(p.id) {
				continue
			}
			if d, err := b.kernel.Distance(query, p.vector); err == nil {
				pushBounded(h, k, Result{ID: p.id, Distance: d})
			}
		}
		return
	}
	b.nearestWalk(n.left, query, k, accept, h)
	b.nearestWalk(n.right, query, k, accept, h)
}

func (b *BallTree) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := b.checkQuery(query); err != nil {
		return nil, err
	}
	var out []Result
	b.rangeWalk(b.root, query, radius, accept, &out)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j], b.ascending) })
	return out, nil
}

func (b *BallTree) rangeWalk(n *ballNode, query []float32, radius float32, accept Accept, out *[]Result) {
	if n == nil {
		return
	}
	centerDist, err := b.kernel.Distance(query, n.center)
	if err != nil {
		return
	}
	if b.ascending && centerDist-n.radius > radius {
		return
	}
	if n.leaf != nil {
		for _, p := range n.leaf {
			if !accept.test(p.id) {
				continue
			}
			if d, err := b.kernel.Distance(query, p.vector); err == nil && inRadius(d, radius, b.ascending) {
				*out = append(*out, Result{ID: p.id, Distance: d})
			}
		}
		return
	}
	b.rangeWalk(n.left, query, radius, accept, out)
	b.rangeWalk(n.right, query, radius, accept, out)
}

// Stats reports the tree's size and configured leaf size.
func (b *BallTree) Stats() map[string]interface{} {
	return map[string]interface{}{
		"family":    "balltree",
		"size":      b.size,
		"dimension": b.dimension,
		"metric":    b.kernel.Metric().String(),
		"leaf_size": b.leafSize,
	}
}

func (b *BallTree) Save(w io.Writer) error {
	if err := writeMetric(w, b.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(b.dimension)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(b.size))
}

// Load rebuilds the ball tree from snapshot. Ball tree geometry is cheap to
// recompute relative to its serialized size, so Load rebuilds rather than
// deserializing node-by-node; this mirrors spec.md §9's preference for
// scoped, simple resource ownership over bespoke reload paths per family.
func (b *BallTree) Load(r io.Reader, snapshot []record.VectorRecord) error {
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
	return b.Build(context.Background(), snapshot, Params{Metric: m, Seed: 1})
}
