package nmmf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/nmmf-db/nmmf/pkg/errs"
	"github.com/nmmf-db/nmmf/pkg/index"
	"github.com/nmmf-db/nmmf/pkg/indexing"
	"github.com/nmmf-db/nmmf/pkg/record"
	"github.com/nmmf-db/nmmf/pkg/store"
)

// allFamilies is the full SearchIndexes roster of spec.md §4.4. Nothing in
// Config exposes a per-family enable list (the §6 table has none), so
// every rebuild cycle builds all seven; Search picks among whichever built
// successfully.
var allFamilies = []indexing.Family{
	indexing.FamilyLinear,
	indexing.FamilyKDTree,
	indexing.FamilyBallTree,
	indexing.FamilyLSH,
	indexing.FamilyHNSW,
	indexing.FamilyBinaryQuantization,
	indexing.FamilyProductQuantization,
}

// Database is the public surface of spec.md §4.6: add/remove/update/get/
// search/range-search/save/load, generalized off the teacher's
// SQLiteStore method surface (store.go) onto this module's mmap'd
// VectorStore and background IndexingService.
type Database struct {
	cfg Config
	st  *store.VectorStore
	svc *indexing.Service

	metaMu   sync.RWMutex
	metadata map[Identifier]map[string]any
}

// Open creates or reopens a Database rooted at cfg.Path, per spec.md
// §4.2's load semantics (create_if_missing is always true here, matching
// the teacher's New/NewWithConfig which always provision the schema).
func Open(cfg Config) (*Database, error) {
	st, err := store.Open(store.Options{
		Path:      cfg.Path,
		Dimension: cfg.Dimension,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return newDatabase(cfg, st)
}

// LoadArchive restores a Database from a gzip archive written by Save
// with cfg.CompressOnSave set, replaying it into cfg.Path's file pair
// before opening. A file that does not start with the gzip magic bytes is
// rejected with KindCorruptHeader; a raw file pair is read by Open, not here.
func LoadArchive(archivePath string, cfg Config) (*Database, error) {
	st, err := store.LoadArchive(archivePath, store.Options{
		Path:      cfg.Path,
		Dimension: cfg.Dimension,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return newDatabase(cfg, st)
}

func newDatabase(cfg Config, st *store.VectorStore) (*Database, error) {
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	db := &Database{cfg: cfg, st: st, metadata: make(map[Identifier]map[string]any)}
	db.loadMetadataSidecar()

	db.svc = indexing.New(st, indexing.Config{
		Enabled:     allFamilies,
		Params:      db.indexParams(),
		QuietPeriod: cfg.QuietPeriod,
		Background:  cfg.BackgroundIndexing,
	}, cfg.Logger)

	if st.Count() > 0 {
		if err := db.svc.RebuildNow(context.Background()); err != nil {
			return nil, err
		}
	}
	if cfg.BackgroundIndexing {
		db.svc.Start(context.Background())
	}
	return db, nil
}

func (db *Database) indexParams() index.Params {
	return index.Params{
		Metric:              db.cfg.Metric,
		Seed:                db.cfg.HNSW.Seed,
		KDParallelThreshold: db.cfg.KDParallelThreshold,
		HNSW: index.HNSWParams{
			M:              db.cfg.HNSW.M,
			EfConstruction: db.cfg.HNSW.EfConstruction,
			Ef:             db.cfg.HNSW.Ef,
		},
		LSH: index.LSHParams{
			NumTables:    db.cfg.LSH.NumTables,
			BitsPerTable: db.cfg.LSH.BitsPerTable,
		},
		PQ: index.PQParams{
			SubVectors:         db.cfg.PQ.SubVectors,
			Centroids:          db.cfg.PQ.Centroids,
			TrainingSampleSize: db.cfg.PQ.TrainingSampleSize,
		},
	}
}

// Add inserts rec and, if metadata is non-nil, attaches it for later
// filtered search (spec.md §4.3's "key/value pairs attached to each
// vector" sit outside the byte-exact binary record of §3, so they are
// tracked here rather than in VectorStore).
func (db *Database) Add(ctx context.Context, rec VectorRecord, metadata map[string]any) (Identifier, error) {
	id, err := db.st.Add(rec)
	if err != nil {
		return Identifier{}, err
	}
	if metadata != nil {
		db.metaMu.Lock()
		db.metadata[id] = metadata
		db.metaMu.Unlock()
	}
	db.triggerRebuild(ctx)
	return id, nil
}

// Remove tombstones id and drops any attached metadata.
func (db *Database) Remove(ctx context.Context, id Identifier) error {
	if err := db.st.Remove(id); err != nil {
		return err
	}
	db.metaMu.Lock()
	delete(db.metadata, id)
	db.metaMu.Unlock()
	db.triggerRebuild(ctx)
	return nil
}

// Update replaces id's record and, if metadata is non-nil, its attached
// metadata (a nil metadata argument leaves the existing metadata
// untouched, matching Update's "preserves id" contract for everything
// else about the entry).
func (db *Database) Update(ctx context.Context, id Identifier, rec VectorRecord, metadata map[string]any) error {
	if err := db.st.Update(id, rec); err != nil {
		return err
	}
	if metadata != nil {
		db.metaMu.Lock()
		db.metadata[id] = metadata
		db.metaMu.Unlock()
	}
	db.triggerRebuild(ctx)
	return nil
}

// Get returns the live record for id.
func (db *Database) Get(id Identifier) (VectorRecord, error) {
	return db.st.Get(id)
}

// GetMetadata returns the metadata attached to id, if any.
func (db *Database) GetMetadata(id Identifier) (map[string]any, bool) {
	db.metaMu.RLock()
	defer db.metaMu.RUnlock()
	m, ok := db.metadata[id]
	return m, ok
}

// triggerRebuild runs a synchronous rebuild when the background worker is
// disabled, matching spec.md §4.5's "environments may disable the
// background worker and rebuild synchronously after batches of writes".
// Here that's after every single write, the simplest correct instance of
// "after batches".
func (db *Database) triggerRebuild(ctx context.Context) {
	if db.cfg.BackgroundIndexing {
		return
	}
	if err := db.svc.RebuildNow(ctx); err != nil {
		db.cfg.Logger.Warn("synchronous index rebuild failed", "error", err)
	}
}

// SearchResult is one (identifier, distance) pair from Search or
// RangeSearch, in ascending-distance order (lower is closer for every
// metric but Cosine, whose raw similarity score is higher-is-closer; see
// distance.Ascending).
type SearchResult struct {
	ID       Identifier
	Distance float32
}

func toSearchResults(rs []index.Result) []SearchResult {
	out := make([]SearchResult, len(rs))
	for i, r := range rs {
		out[i] = SearchResult{ID: r.ID, Distance: r.Distance}
	}
	return out
}

// pick resolves AlgorithmAuto to defaultAlgo, then applies spec.md §4.6's
// heuristic when the result is still AlgorithmAuto: Linear
// for n < 1000, KD-tree for dimension < 20, HNSW for dimension >= 20 and
// n >= 10000, LSH for high-dimensional range searches, product
// quantization under memory pressure (approximated here as "very large n
// at high dimension", the regime PQ's compression exists for). Falls back
// to Linear if the chosen family failed to build (spec.md §7's
// "queries against a failed index fall back to Linear").
func pick(algo Algorithm, defaultAlgo Algorithm, published *indexing.Published, n, dim int, forRange bool) (index.Index, indexing.Family) {
	if algo == AlgorithmAuto {
		algo = defaultAlgo
	}
	fam := familyFor(algo, n, dim, forRange)
	if published != nil {
		if idx, ok := published.Indexes[fam]; ok {
			return idx, fam
		}
		if idx, ok := published.Indexes[indexing.FamilyLinear]; ok {
			return idx, indexing.FamilyLinear
		}
	}
	return nil, fam
}

func familyFor(algo Algorithm, n, dim int, forRange bool) indexing.Family {
	switch algo {
	case AlgorithmLinear:
		return indexing.FamilyLinear
	case AlgorithmKDTree:
		return indexing.FamilyKDTree
	case AlgorithmBallTree:
		return indexing.FamilyBallTree
	case AlgorithmLSH:
		return indexing.FamilyLSH
	case AlgorithmHNSW:
		return indexing.FamilyHNSW
	case AlgorithmBinaryQuantization:
		return indexing.FamilyBinaryQuantization
	case AlgorithmProductQuantization:
		return indexing.FamilyProductQuantization
	}

	switch {
	case n < 1000:
		return indexing.FamilyLinear
	case dim >= 20 && n >= 10000:
		if forRange {
			return indexing.FamilyLSH
		}
		if n >= 100000 {
			return indexing.FamilyProductQuantization
		}
		return indexing.FamilyHNSW
	case dim >= 20 && forRange:
		return indexing.FamilyLSH
	case dim < 20:
		return indexing.FamilyKDTree
	default:
		return indexing.FamilyHNSW
	}
}

// accept composes a MetadataFilter evaluation with this Database's
// metadata side table into an index.Accept, so a supported index can
// prefilter candidates during enumeration per spec.md §4.6's "runs the
// filter before distance evaluation when the index supports candidate
// enumeration" rule.
func (db *Database) accept(f *Filter) index.Accept {
	if f == nil {
		return nil
	}
	return func(id Identifier) bool {
		db.metaMu.RLock()
		m := db.metadata[id]
		db.metaMu.RUnlock()
		return f.Evaluate(m)
	}
}

// Search returns the k nearest records to query, optionally restricted to
// algo and filtered by f. AlgorithmAuto resolves to Config.DefaultAlgorithm,
// and to the §4.6 heuristic when that is AlgorithmAuto as well.
func (db *Database) Search(ctx context.Context, query []float32, k int, f *Filter, algo Algorithm) ([]SearchResult, error) {
	if k <= 0 {
		return nil, errs.New("Database.Search", errs.KindInvalidConfiguration, fmt.Errorf("k must be positive"))
	}
	published := db.svc.Published()
	idx, fam := pick(algo, db.cfg.DefaultAlgorithm, published, db.st.Count(), db.st.Dimension(), false)
	if idx == nil {
		return db.searchFallback(query, k, f)
	}
	results, err := idx.Nearest(query, k, db.accept(f))
	if err != nil {
		db.cfg.Logger.Warn("search failed, falling back to linear", "family", fam.String(), "error", err)
		return db.searchFallback(query, k, f)
	}
	return toSearchResults(results), nil
}

// searchFallback runs an ad hoc linear scan over the live snapshot when no
// published index is available yet (e.g. immediately after Open with a
// background-only worker that hasn't completed its first cycle).
func (db *Database) searchFallback(query []float32, k int, f *Filter) ([]SearchResult, error) {
	lin := &index.Linear{}
	if err := lin.Build(context.Background(), db.st.Snapshot(), db.indexParams()); err != nil {
		return nil, err
	}
	results, err := lin.Nearest(query, k, db.accept(f))
	if err != nil {
		return nil, err
	}
	return toSearchResults(results), nil
}

// RangeSearch returns every record within radius of query.
func (db *Database) RangeSearch(ctx context.Context, query []float32, radius float32, f *Filter, algo Algorithm) ([]SearchResult, error) {
	published := db.svc.Published()
	idx, fam := pick(algo, db.cfg.DefaultAlgorithm, published, db.st.Count(), db.st.Dimension(), true)
	if idx == nil {
		lin := &index.Linear{}
		if err := lin.Build(ctx, db.st.Snapshot(), db.indexParams()); err != nil {
			return nil, err
		}
		idx = lin
	}
	results, err := idx.Range(query, radius, db.accept(f))
	if err != nil {
		db.cfg.Logger.Warn("range search failed", "family", fam.String(), "error", err)
		return nil, err
	}
	return toSearchResults(results), nil
}

// SearchByTag returns every live identifier carrying tag, via the
// inverted map the IndexingService rebuilds every cycle (spec.md §4.5).
func (db *Database) SearchByTag(tag Tag) []Identifier {
	published := db.svc.Published()
	if published == nil {
		return nil
	}
	return append([]Identifier(nil), published.TagIndex[tag]...)
}

// metadataSidecarPath is where Add/Update's out-of-band metadata is
// persisted across Save/Load, alongside the store's own index/data/wal
// trio (spec.md §3 fixes the vector record's binary form; it carries no
// room for arbitrary key/value metadata, so this sits beside it).
func (db *Database) metadataSidecarPath() string { return db.cfg.Path + ".meta.json" }

func (db *Database) loadMetadataSidecar() {
	buf, err := os.ReadFile(db.metadataSidecarPath())
	if err != nil {
		return
	}
	var decoded map[string]map[string]any
	if json.Unmarshal(buf, &decoded) != nil {
		return
	}
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	for k, v := range decoded {
		id, err := parseIdentifier(k)
		if err != nil {
			continue
		}
		db.metadata[id] = v
	}
}

func (db *Database) saveMetadataSidecar() error {
	db.metaMu.RLock()
	encoded := make(map[string]map[string]any, len(db.metadata))
	for id, m := range db.metadata {
		encoded[id.String()] = m
	}
	db.metaMu.RUnlock()
	buf, err := json.Marshal(encoded)
	if err != nil {
		return errs.New("Database.Save", errs.KindIoError, err)
	}
	return os.WriteFile(db.metadataSidecarPath(), buf, 0o644)
}

// Save durably exchanges the in-memory state for the on-disk file pair
// (plus the metadata sidecar), optionally wrapped in a gzip archive when
// cfg.CompressOnSave is set (spec.md §6's "MAY wrap ... with gzip
// compression").
func (db *Database) Save() error {
	if err := db.st.Save(db.cfg.Path+".archive", db.cfg.CompressOnSave); err != nil {
		return err
	}
	return db.saveMetadataSidecar()
}

// Close stops the background worker and releases the store's file
// handles and cross-process lock.
func (db *Database) Close() error {
	db.svc.Stop()
	return db.st.Close()
}

// parseIdentifier reparses an Identifier's string form, used only by the
// metadata sidecar's JSON map keys.
func parseIdentifier(s string) (Identifier, error) {
	return record.ParseIdentifier(s)
}
