package index

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// ProductQuant implements the product-quantization family of spec.md
// §4.4.7, grounded on the teacher's ProductQuantizer
// (pkg/quantization/product_quantization.go): the dimension is split into
// S equal sub-vectors, each trained into a K-centroid codebook by
// k-means, and a vector becomes S centroid indices. Queries are scored
// against every candidate via a precomputed S×K asymmetric distance
// table.
type ProductQuant struct {
	dimension int
	kernel    distance.Kernel
	ascending bool

	subVectors int // S
	centroids  int // K
	subDim     int // dimension / S

	codebooks [][][]float32 // [S][K][subDim]
	codes     map[record.Identifier][]byte
}

func (pq *ProductQuant) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	pq.kernel = distance.New(params.Metric)
	pq.ascending = distance.Ascending(params.Metric)
	pq.subVectors = params.PQ.SubVectors
	if pq.subVectors <= 0 {
		pq.subVectors = 8
	}
	pq.centroids = params.PQ.Centroids
	if pq.centroids <= 0 {
		pq.centroids = 256
	}

	if len(snapshot) == 0 {
		pq.dimension, pq.codes = 0, map[record.Identifier][]byte{}
		return nil
	}
	pq.dimension = snapshot[0].Dimension()
	if pq.dimension%pq.subVectors != 0 {
		return errs.New("ProductQuant.Build", errs.KindInvalidConfiguration, nil)
	}
	pq.subDim = pq.dimension / pq.subVectors

	trainingSize := params.PQ.TrainingSampleSize
	if trainingSize <= 0 || trainingSize > len(snapshot) {
		trainingSize = len(snapshot)
	}
	seed := params.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewSource(seed))
	sample := snapshot
	if trainingSize < len(snapshot) {
		perm := rng.Perm(len(snapshot))[:trainingSize]
		sample = make([]record.VectorRecord, trainingSize)
		for i, idx := range perm {
			sample[i] = snapshot[idx]
		}
	}

	pq.codebooks = make([][][]float32, pq.subVectors)
	for s := 0; s < pq.subVectors; s++ {
		select {
		case <-ctx.Done():
			return errs.New("ProductQuant.Build", errs.KindCancelled, ctx.Err())
		default:
		}
		start := s * pq.subDim
		subvectors := make([][]float32, len(sample))
		for i, rec := range sample {
			if rec.Dimension() != pq.dimension {
				return errs.New("ProductQuant.Build", errs.KindDimensionMismatch, nil)
			}
			subvectors[i] = rec.Values[start : start+pq.subDim]
		}
		k := pq.centroids
		if k > len(subvectors) {
			k = len(subvectors)
		}
		pq.codebooks[s] = kMeans(rng, subvectors, k, 20)
	}

	pq.codes = make(map[record.Identifier][]byte, len(snapshot))
	for _, rec := range snapshot {
		pq.codes[rec.ID] = pq.encode(rec.Values)
	}
	return nil
}

// kMeans clusters vectors into k centroids (spec.md §4.4.7's codebook
// training), grounded on the teacher's kMeans
// (pkg/quantization/product_quantization.go).
func kMeans(rng *rand.Rand, vectors [][]float32, k, maxIters int) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	perm := rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[perm[i]]...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				d := sumSquaredDiff(vec, c)
				if d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				changed = true
				assignments[i] = best
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		next := make([][]float32, k)
		for i := range next {
			next[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for d, v := range vec {
				next[c][d] += v
			}
		}
		for i := range next {
			if counts[i] == 0 {
				next[i] = centroids[i]
				continue
			}
			for d := range next[i] {
				next[i][d] /= float32(counts[i])
			}
		}
		centroids = next
	}
	return centroids
}

func sumSquaredDiff(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func (pq *ProductQuant) encode(vector []float32) []byte {
	codes := make([]byte, pq.subVectors)
	for s := 0; s < pq.subVectors; s++ {
		start := s * pq.subDim
		sub := vector[start : start+pq.subDim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for k, c := range pq.codebooks[s] {
			if d := sumSquaredDiff(sub, c); d < bestDist {
				best, bestDist = k, d
			}
		}
		codes[s] = byte(best)
	}
	return codes
}

// distanceTable precomputes, for each sub-space, the distance from the
// query's sub-vector to every centroid (spec.md §4.4.7's asymmetric
// distance table), reused across every candidate in one query.
func (pq *ProductQuant) distanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.subVectors)
	for s := 0; s < pq.subVectors; s++ {
		start := s * pq.subDim
		sub := query[start : start+pq.subDim]
		row := make([]float32, len(pq.codebooks[s]))
		for k, c := range pq.codebooks[s] {
			row[k] = sumSquaredDiff(sub, c)
		}
		table[s] = row
	}
	return table
}

func (pq *ProductQuant) scoreWithTable(table [][]float32, codes []byte) float32 {
	var total float32
	for s, code := range codes {
		total += table[s][code]
	}
	return total
}

func (pq *ProductQuant) Dimension() int { return pq.dimension }
func (pq *ProductQuant) Len() int       { return len(pq.codes) }

func (pq *ProductQuant) checkQuery(query []float32) error {
	if len(pq.codes) == 0 {
		return nil
	}
	if len(query) != pq.dimension {
		return errs.New("ProductQuant", errs.KindDimensionMismatch, nil)
	}
	return nil
}

// Nearest scores every candidate with the asymmetric distance table (an
// approximate, ascending-always score in squared-subvector-distance
// units, independent of the configured metric — the codebooks are
// trained on raw coordinates), returning the k lowest.
func (pq *ProductQuant) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := pq.checkQuery(query); err != nil {
		return nil, err
	}
	if len(pq.codes) == 0 || k <= 0 {
		return nil, nil
	}
	table := pq.distanceTable(query)
	return topK(k, true, func(add func(Result)) {
		for id, codes := range pq.codes {
			if !accept.test(id) {
				continue
			}
			add(Result{ID: id, Distance: pq.scoreWithTable(table, codes)})
		}
	}), nil
}

func (pq *ProductQuant) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := pq.checkQuery(query); err != nil {
		return nil, err
	}
	table := pq.distanceTable(query)
	var out []Result
	for id, codes := range pq.codes {
		if !accept.test(id) {
			continue
		}
		d := pq.scoreWithTable(table, codes)
		if d <= radius {
			out = append(out, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Stats reports codebook shape and the achieved compression ratio.
func (pq *ProductQuant) Stats() map[string]interface{} {
	return map[string]interface{}{
		"family":            "productquant",
		"size":              len(pq.codes),
		"dimension":         pq.dimension,
		"metric":            pq.kernel.Metric().String(),
		"sub_vectors":       pq.subVectors,
		"centroids":         pq.centroids,
		"compression_ratio": pq.CompressionRatio(),
	}
}

func (pq *ProductQuant) Save(w io.Writer) error {
	if err := writeMetric(w, pq.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(pq.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(pq.subVectors)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(pq.subDim)); err != nil {
		return err
	}
	// Per-subvector row count, not pq.centroids: Build clamps a codebook to
	// fewer rows than pq.centroids when the training sample is smaller, and
	// Load must read back exactly what was written.
	for s := 0; s < pq.subVectors; s++ {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(pq.codebooks[s]))); err != nil {
			return err
		}
		for k := 0; k < len(pq.codebooks[s]); k++ {
			for _, v := range pq.codebooks[s][k] {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load restores the codebooks, then re-encodes every record in snapshot
// rather than persisting per-record codes redundantly.
func (pq *ProductQuant) Load(r io.Reader, snapshot []record.VectorRecord) error {
	m, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim, subVectors, subDim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &subVectors); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &subDim); err != nil {
		return err
	}
	pq.dimension = int(dim)
	pq.subVectors = int(subVectors)
	pq.subDim = int(subDim)
	pq.kernel = distance.New(m)
	pq.ascending = distance.Ascending(m)

	pq.codebooks = make([][][]float32, pq.subVectors)
	maxRows := 0
	for s := 0; s < pq.subVectors; s++ {
		var rows uint32
		if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
			return err
		}
		pq.codebooks[s] = make([][]float32, rows)
		for k := uint32(0); k < rows; k++ {
			row := make([]float32, pq.subDim)
			for d := range row {
				if err := binary.Read(r, binary.LittleEndian, &row[d]); err != nil {
					return err
				}
			}
			pq.codebooks[s][k] = row
		}
		if int(rows) > maxRows {
			maxRows = int(rows)
		}
	}
	pq.centroids = maxRows

	pq.codes = make(map[record.Identifier][]byte, len(snapshot))
	for _, rec := range snapshot {
		pq.codes[rec.ID] = pq.encode(rec.Values)
	}
	return nil
}

// CompressionRatio reports the achieved memory reduction versus storing
// raw float32 vectors (spec.md §4.4.7's compression-ratio test).
func (pq *ProductQuant) CompressionRatio() float32 {
	original := float32(pq.dimension * 4)
	compressed := float32(pq.subVectors)
	return original / compressed
}
