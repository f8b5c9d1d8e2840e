package index

import (
	"context"
	"encoding/binary"
	"io"
	"math/bits"
	"sort"

	"github.com/nmmf-db/nmmf/pkg/distance"
	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/record"
)

// BinaryQuant implements the binary-quantization family of spec.md
// §4.4.6, grounded on the teacher's BinaryQuantizer
// (pkg/quantization/scalar_quantization.go): each vector becomes a
// bitstring (bit i = 1 iff value i is at or above a per-dimension
// threshold), ranked by Hamming distance with an optional exact re-rank
// over a shortlist.
type BinaryQuant struct {
	dimension int
	kernel    distance.Kernel
	ascending bool

	threshold []float32
	codes     map[record.Identifier][]byte
	vectors   map[record.Identifier][]float32

	useMedian       bool
	rerankShortlist int
}

func (bq *BinaryQuant) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	bq.kernel = distance.New(params.Metric)
	bq.ascending = distance.Ascending(params.Metric)
	bq.useMedian = params.BQ.UseMedianThreshold
	bq.rerankShortlist = params.BQ.RerankShortlist

	if len(snapshot) == 0 {
		bq.dimension = 0
		bq.threshold, bq.codes, bq.vectors = nil, map[record.Identifier][]byte{}, map[record.Identifier][]float32{}
		return nil
	}
	bq.dimension = snapshot[0].Dimension()

	bq.threshold = make([]float32, bq.dimension)
	if bq.useMedian {
		columns := make([][]float32, bq.dimension)
		for d := range columns {
			columns[d] = make([]float32, 0, len(snapshot))
		}
		for _, rec := range snapshot {
			if rec.Dimension() != bq.dimension {
				return errs.New("BinaryQuant.Build", errs.KindDimensionMismatch, nil)
			}
			for d, v := range rec.Values {
				columns[d] = append(columns[d], v)
			}
		}
		for d, col := range columns {
			bq.threshold[d] = median(col)
		}
	}
	// Default threshold is 0 per dimension (spec.md §4.4.6); Go
	// zero-initializes bq.threshold already.

	bq.codes = make(map[record.Identifier][]byte, len(snapshot))
	bq.vectors = make(map[record.Identifier][]float32, len(snapshot))
	for i, rec := range snapshot {
		if i%1024 == 0 {
			select {
			case <-ctx.Done():
				return errs.New("BinaryQuant.Build", errs.KindCancelled, ctx.Err())
			default:
			}
		}
		if rec.Dimension() != bq.dimension {
			return errs.New("BinaryQuant.Build", errs.KindDimensionMismatch, nil)
		}
		bq.vectors[rec.ID] = rec.Values
		bq.codes[rec.ID] = bq.encode(rec.Values)
	}
	return nil
}

func median(values []float32) float32 {
	sorted := append([]float32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (bq *BinaryQuant) encode(vector []float32) []byte {
	out := make([]byte, (bq.dimension+7)/8)
	for d, v := range vector {
		if v >= bq.threshold[d] {
			out[d/8] |= 1 << uint(d%8)
		}
	}
	return out
}

func hammingDistance(a, b []byte) int {
	n := 0
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

func (bq *BinaryQuant) Dimension() int { return bq.dimension }
func (bq *BinaryQuant) Len() int       { return len(bq.codes) }

func (bq *BinaryQuant) checkQuery(query []float32) error {
	if len(bq.codes) == 0 {
		return nil
	}
	if len(query) != bq.dimension {
		return errs.New("BinaryQuant", errs.KindDimensionMismatch, nil)
	}
	return nil
}

type bqCandidate struct {
	id      record.Identifier
	hamming int
}

// Nearest ranks every code by Hamming distance to the query's code, then
// re-ranks the closest rerankShortlist codes (k of them when
// rerankShortlist is zero) by exact distance before truncating to k
// (spec.md §4.4.6).
func (bq *BinaryQuant) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := bq.checkQuery(query); err != nil {
		return nil, err
	}
	if len(bq.codes) == 0 || k <= 0 {
		return nil, nil
	}
	queryCode := bq.encode(query)

	shortlistSize := bq.rerankShortlist
	if shortlistSize <= 0 {
		shortlistSize = k
	}

	candidates := make([]bqCandidate, 0, len(bq.codes))
	for id, code := range bq.codes {
		if !accept.test(id) {
			continue
		}
		candidates = append(candidates, bqCandidate{id, hammingDistance(queryCode, code)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hamming != candidates[j].hamming {
			return candidates[i].hamming < candidates[j].hamming
		}
		return idLess(candidates[i].id, candidates[j].id)
	})
	if len(candidates) > shortlistSize {
		candidates = candidates[:shortlistSize]
	}

	return topK(k, bq.ascending, func(add func(Result)) {
		for _, c := range candidates {
			d, err := bq.kernel.Distance(query, bq.vectors[c.id])
			if err != nil {
				continue
			}
			add(Result{ID: c.id, Distance: d})
		}
	}), nil
}

// Range re-ranks every accepted candidate by exact distance — the
// Hamming code doesn't carry a usable radius in the original metric's
// units, so unlike Nearest it isn't narrowed to a shortlist first.
func (bq *BinaryQuant) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := bq.checkQuery(query); err != nil {
		return nil, err
	}
	var out []Result
	for id, vector := range bq.vectors {
		if !accept.test(id) {
			continue
		}
		d, err := bq.kernel.Distance(query, vector)
		if err != nil {
			continue
		}
		if inRadius(d, radius, bq.ascending) {
			out = append(out, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j], bq.ascending) })
	return out, nil
}

// Stats reports code size and the configured re-rank shortlist.
func (bq *BinaryQuant) Stats() map[string]interface{} {
	return map[string]interface{}{
		"family":           "binaryquant",
		"size":             len(bq.codes),
		"dimension":        bq.dimension,
		"metric":           bq.kernel.Metric().String(),
		"use_median":       bq.useMedian,
		"rerank_shortlist": bq.rerankShortlist,
		"bits_per_code":    bq.dimension,
	}
}

func (bq *BinaryQuant) Save(w io.Writer) error {
	if err := writeMetric(w, bq.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(bq.dimension)); err != nil {
		return err
	}
	useMedian := uint8(0)
	if bq.useMedian {
		useMedian = 1
	}
	if err := binary.Write(w, binary.LittleEndian, useMedian); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(bq.rerankShortlist)); err != nil {
		return err
	}
	for _, t := range bq.threshold {
		if err := binary.Write(w, binary.LittleEndian, t); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the per-dimension threshold, then re-encodes every record
// in snapshot rather than persisting the bitstrings redundantly.
func (bq *BinaryQuant) Load(r io.Reader, snapshot []record.VectorRecord) error {
	m, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	var useMedian uint8
	if err := binary.Read(r, binary.LittleEndian, &useMedian); err != nil {
		return err
	}
	var shortlist uint32
	if err := binary.Read(r, binary.LittleEndian, &shortlist); err != nil {
		return err
	}
	bq.dimension = int(dim)
	bq.useMedian = useMedian != 0
	bq.rerankShortlist = int(shortlist)
	bq.kernel = distance.New(m)
	bq.ascending = distance.Ascending(m)

	bq.threshold = make([]float32, bq.dimension)
	for d := range bq.threshold {
		if err := binary.Read(r, binary.LittleEndian, &bq.threshold[d]); err != nil {
			return err
		}
	}

	bq.codes = make(map[record.Identifier][]byte, len(snapshot))
	bq.vectors = make(map[record.Identifier][]float32, len(snapshot))
	for _, rec := range snapshot {
		bq.vectors[rec.ID] = rec.Values
		bq.codes[rec.ID] = bq.encode(rec.Values)
	}
	return nil
}
