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

// LSH implements multi-table random-hyperplane locality-sensitive hashing
// (spec.md §4.4.4), grounded on the teacher's LSHIndex
// (pkg/index/lsh.go): one signed-projection hash family per table,
// candidates unioned across tables then re-ranked by exact distance,
// generalized to record.Identifier keys and a pluggable distance.Kernel.
type LSH struct {
	dimension int
	kernel    distance.Kernel
	ascending bool

	numTables    int
	bitsPerTable int
	hyperplanes  [][][]float32 // [table][bit][dimension]

	buckets []map[uint64][]record.Identifier
	vectors map[record.Identifier][]float32
}

func (l *LSH) Build(ctx context.Context, snapshot []record.VectorRecord, params Params) error {
	l.kernel = distance.New(params.Metric)
	l.ascending = distance.Ascending(params.Metric)
	l.numTables = params.LSH.NumTables
	if l.numTables <= 0 {
		l.numTables = 8
	}
	l.bitsPerTable = params.LSH.BitsPerTable
	if l.bitsPerTable <= 0 {
		l.bitsPerTable = 12
	}
	seed := params.Seed
	if seed == 0 {
		seed = 1
	}

	if len(snapshot) == 0 {
		l.dimension = 0
		l.vectors = map[record.Identifier][]float32{}
		l.buckets = nil
		return nil
	}
	l.dimension = snapshot[0].Dimension()

	rng := rand.New(rand.NewSource(seed))
	l.hyperplanes = make([][][]float32, l.numTables)
	for t := 0; t < l.numTables; t++ {
		l.hyperplanes[t] = make([][]float32, l.bitsPerTable)
		for b := 0; b < l.bitsPerTable; b++ {
			row := make([]float32, l.dimension)
			for d := range row {
				row[d] = float32(rng.NormFloat64())
			}
			l.hyperplanes[t][b] = row
		}
	}

	l.vectors = make(map[record.Identifier][]float32, len(snapshot))
	l.buckets = make([]map[uint64][]record.Identifier, l.numTables)
	for t := range l.buckets {
		l.buckets[t] = make(map[uint64][]record.Identifier)
	}

	for _, rec := range snapshot {
		select {
		case <-ctx.Done():
			return errs.New("LSH.Build", errs.KindCancelled, ctx.Err())
		default:
		}
		if rec.Dimension() != l.dimension {
			return errs.New("LSH.Build", errs.KindDimensionMismatch, nil)
		}
		l.vectors[rec.ID] = rec.Values
		for t := 0; t < l.numTables; t++ {
			h := l.hash(rec.Values, t)
			l.buckets[t][h] = append(l.buckets[t][h], rec.ID)
		}
	}
	return nil
}

// hash returns the signature for vector under table t: bit i set iff the
// projection onto hyperplane i is positive.
func (l *LSH) hash(vector []float32, t int) uint64 {
	var h uint64
	for i, plane := range l.hyperplanes[t] {
		var dot float32
		for d, v := range vector {
			dot += v * plane[d]
		}
		if dot > 0 {
			h |= 1 << uint(i)
		}
	}
	return h
}

func (l *LSH) Dimension() int { return l.dimension }
func (l *LSH) Len() int       { return len(l.vectors) }

func (l *LSH) checkQuery(query []float32) error {
	if len(l.vectors) == 0 {
		return nil
	}
	if len(query) != l.dimension {
		return errs.New("LSH", errs.KindDimensionMismatch, nil)
	}
	return nil
}

// candidates unions the bucket contents query hashes to in every table.
func (l *LSH) candidates(query []float32) map[record.Identifier]struct{} {
	seen := make(map[record.Identifier]struct{})
	for t := 0; t < l.numTables; t++ {
		h := l.hash(query, t)
		for _, id := range l.buckets[t][h] {
			seen[id] = struct{}{}
		}
	}
	return seen
}

func (l *LSH) Nearest(query []float32, k int, accept Accept) ([]Result, error) {
	if err := l.checkQuery(query); err != nil {
		return nil, err
	}
	if len(l.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	candidates := l.candidates(query)
	return topK(k, l.ascending, func(add func(Result)) {
		for id := range candidates {
			if !accept.test(id) {
				continue
			}
			d, err := l.kernel.Distance(query, l.vectors[id])
			if err != nil {
				continue
			}
			add(Result{ID: id, Distance: d})
		}
	}), nil
}

// Range re-ranks the union of hashed buckets by exact distance, same
// candidate generation as Nearest but unbounded by k (spec.md §4.4.4's
// "re-ranked by exact distance").
func (l *LSH) Range(query []float32, radius float32, accept Accept) ([]Result, error) {
	if err := l.checkQuery(query); err != nil {
		return nil, err
	}
	candidates := l.candidates(query)
	var out []Result
	for id := range candidates {
		if !accept.test(id) {
			continue
		}
		d, err := l.kernel.Distance(query, l.vectors[id])
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

// Stats reports per-table bucket occupancy, grounded on the teacher's
// LSHIndex.Stats (pkg/index/lsh.go).
func (l *LSH) Stats() map[string]interface{} {
	totalBuckets, totalItems, maxBucket := 0, 0, 0
	for _, table := range l.buckets {
		totalBuckets += len(table)
		for _, bucket := range table {
			totalItems += len(bucket)
			if len(bucket) > maxBucket {
				maxBucket = len(bucket)
			}
		}
	}
	avgBucket := float64(0)
	if totalBuckets > 0 {
		avgBucket = float64(totalItems) / float64(totalBuckets)
	}
	return map[string]interface{}{
		"family":          "lsh",
		"size":            len(l.vectors),
		"dimension":       l.dimension,
		"metric":          l.kernel.Metric().String(),
		"num_tables":      l.numTables,
		"bits_per_table":  l.bitsPerTable,
		"total_buckets":   totalBuckets,
		"max_bucket_size": maxBucket,
		"avg_bucket_size": avgBucket,
	}
}

// probeHashes generates the numProbes hash values nearest the base hash
// for table t, by flipping the bits whose hyperplane projection is
// closest to zero first (spec.md §9's multi-probe LSH), grounded on the
// teacher's LSHIndex.getProbeHashes (pkg/index/lsh.go).
func (l *LSH) probeHashes(vector []float32, t, numProbes int) []uint64 {
	type flip struct {
		bit  int
		dist float32
	}
	flips := make([]flip, l.bitsPerTable)
	for i, plane := range l.hyperplanes[t] {
		var dot float32
		for d, v := range vector {
			dot += v * plane[d]
		}
		if dot < 0 {
			dot = -dot
		}
		flips[i] = flip{bit: i, dist: dot}
	}
	sort.Slice(flips, func(i, j int) bool { return flips[i].dist < flips[j].dist })

	base := l.hash(vector, t)
	if numProbes > len(flips) {
		numProbes = len(flips)
	}
	probes := make([]uint64, 0, numProbes)
	for i := 0; i < numProbes; i++ {
		probes = append(probes, base^(1<<uint(flips[i].bit)))
	}
	return probes
}

// candidatesMultiProbe unions the base bucket and numProbes nearby
// buckets per table, trading extra candidate scoring for better recall
// than Nearest/Range's single-probe lookup.
func (l *LSH) candidatesMultiProbe(query []float32, numProbes int) map[record.Identifier]struct{} {
	seen := make(map[record.Identifier]struct{})
	for t := 0; t < l.numTables; t++ {
		base := l.hash(query, t)
		for _, id := range l.buckets[t][base] {
			seen[id] = struct{}{}
		}
		for _, h := range l.probeHashes(query, t, numProbes) {
			for _, id := range l.buckets[t][h] {
				seen[id] = struct{}{}
			}
		}
	}
	return seen
}

// NearestMultiProbe is Nearest with multi-probe candidate generation: it
// additionally scores numProbes nearby buckets per table, improving
// recall on borderline hyperplane splits at the cost of more candidates.
func (l *LSH) NearestMultiProbe(query []float32, k, numProbes int, accept Accept) ([]Result, error) {
	if err := l.checkQuery(query); err != nil {
		return nil, err
	}
	if len(l.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	candidates := l.candidatesMultiProbe(query, numProbes)
	return topK(k, l.ascending, func(add func(Result)) {
		for id := range candidates {
			if !accept.test(id) {
				continue
			}
			d, err := l.kernel.Distance(query, l.vectors[id])
			if err != nil {
				continue
			}
			add(Result{ID: id, Distance: d})
		}
	}), nil
}

func (l *LSH) Save(w io.Writer) error {
	if err := writeMetric(w, l.kernel.Metric()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(l.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(l.numTables)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(l.bitsPerTable)); err != nil {
		return err
	}
	for t := 0; t < l.numTables; t++ {
		for b := 0; b < l.bitsPerTable; b++ {
			for _, v := range l.hyperplanes[t][b] {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load restores the hyperplane family, then reinserts snapshot so bucket
// contents match the current live set exactly.
func (l *LSH) Load(r io.Reader, snapshot []record.VectorRecord) error {
	m, err := readMetric(r)
	if err != nil {
		return err
	}
	var dim, numTables, bitsPerTable uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &numTables); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &bitsPerTable); err != nil {
		return err
	}
	l.dimension = int(dim)
	l.numTables = int(numTables)
	l.bitsPerTable = int(bitsPerTable)
	l.kernel = distance.New(m)
	l.ascending = distance.Ascending(m)

	l.hyperplanes = make([][][]float32, l.numTables)
	for t := 0; t < l.numTables; t++ {
		l.hyperplanes[t] = make([][]float32, l.bitsPerTable)
		for b := 0; b < l.bitsPerTable; b++ {
			row := make([]float32, l.dimension)
			for d := range row {
				if err := binary.Read(r, binary.LittleEndian, &row[d]); err != nil {
					return err
				}
			}
			l.hyperplanes[t][b] = row
		}
	}

	l.vectors = make(map[record.Identifier][]float32, len(snapshot))
	l.buckets = make([]map[uint64][]record.Identifier, l.numTables)
	for t := range l.buckets {
		l.buckets[t] = make(map[uint64][]record.Identifier)
	}
	for _, rec := range snapshot {
		l.vectors[rec.ID] = rec.Values
		for t := 0; t < l.numTables; t++ {
			h := l.hash(rec.Values, t)
			l.buckets[t][h] = append(l.buckets[t][h], rec.ID)
		}
	}
	return nil
}
