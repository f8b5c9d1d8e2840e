// Package indexing implements the background IndexingService of spec.md
// §4.5: an explicit Clean -> Dirty -> Quiescent -> Building -> Published
// state machine that rebuilds the enabled search-index families off a
// quiet-period timer, replacing the "shared mutable dirty flag" the
// redesign note (spec.md §9) flags as the anti-pattern to avoid.
package indexing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmmf-db/nmmf/pkg/index"
	"github.com/nmmf-db/nmmf/pkg/logging"
	"github.com/nmmf-db/nmmf/pkg/record"
	"github.com/nmmf-db/nmmf/pkg/store"
)

// Family names one search-index family the service can build. Defined
// here rather than reusing a root-package Algorithm type, since the root
// package imports this one and a back-import would cycle.
type Family int

const (
	FamilyLinear Family = iota
	FamilyKDTree
	FamilyBallTree
	FamilyLSH
	FamilyHNSW
	FamilyBinaryQuantization
	FamilyProductQuantization
)

func (f Family) String() string {
	switch f {
	case FamilyLinear:
		return "Linear"
	case FamilyKDTree:
		return "KDTree"
	case FamilyBallTree:
		return "BallTree"
	case FamilyLSH:
		return "LSH"
	case FamilyHNSW:
		return "HNSW"
	case FamilyBinaryQuantization:
		return "BinaryQuantization"
	case FamilyProductQuantization:
		return "ProductQuantization"
	default:
		return "Unknown"
	}
}

func newIndex(f Family) index.Index {
	switch f {
	case FamilyKDTree:
		return &index.KDTree{}
	case FamilyBallTree:
		return &index.BallTree{}
	case FamilyLSH:
		return &index.LSH{}
	case FamilyHNSW:
		return &index.HNSW{}
	case FamilyBinaryQuantization:
		return &index.BinaryQuant{}
	case FamilyProductQuantization:
		return &index.ProductQuant{}
	default:
		return &index.Linear{}
	}
}

// State is the service's current position in the Clean -> Dirty ->
// Quiescent -> Building -> Published cycle (spec.md §9's redesign note).
// Published is momentary: the very next observation collapses back to
// Clean (mutation count unchanged) or Dirty (a write landed mid-build).
type State int32

const (
	StateClean State = iota
	StateDirty
	StateQuiescent
	StateBuilding
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateDirty:
		return "Dirty"
	case StateQuiescent:
		return "Quiescent"
	case StateBuilding:
		return "Building"
	case StatePublished:
		return "Published"
	default:
		return "Clean"
	}
}

// Config carries the service's tunables, mirroring spec.md §6's
// quiet_period_seconds/background_indexing plus the per-family build
// parameters already shaped by pkg/index.Params.
type Config struct {
	Enabled     []Family
	Params      index.Params
	QuietPeriod time.Duration
	// Interval is how often the background worker wakes to check
	// quiescence (spec.md §4.5: "wakes on an interval, default 5 seconds").
	Interval   time.Duration
	Background bool
}

// Published is an immutable, atomically-swappable snapshot of the built
// index set and the tag -> id inverted map, rebuilt together every cycle
// (spec.md §4.5's "tag rebuilding ... included in the same cycle").
type Published struct {
	Indexes  map[Family]index.Index
	TagIndex map[record.Tag][]record.Identifier
	BuiltAt  time.Time
}

// Service runs the background rebuild worker. The zero value is not
// usable; construct with New.
type Service struct {
	st     *store.VectorStore
	cfg    Config
	logger logging.Logger

	published atomic.Pointer[Published]
	state     atomic.Int32

	buildMu sync.Mutex // serializes background tick against manual RebuildNow

	stop chan struct{}
	done chan struct{}
}

// New constructs a Service over st. Call Start to run the background
// worker, or drive rebuilds manually with RebuildNow when cfg.Background
// is false.
func New(st *store.VectorStore, cfg Config, logger logging.Logger) *Service {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.QuietPeriod
	}
	if logger == nil {
		logger = logging.New()
	}
	return &Service{st: st, cfg: cfg, logger: logger}
}

// State reports the service's current position in the state machine.
func (s *Service) State() State { return State(s.state.Load()) }

// Published returns the most recently published index set, or nil if no
// rebuild has completed yet.
func (s *Service) Published() *Published { return s.published.Load() }

// Start launches the background worker if cfg.Background is set; it is a
// no-op otherwise, since spec.md §4.5 makes the service optional and
// callers in that mode drive RebuildNow manually after write batches.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Background || s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the background worker and waits for it to exit. An in-flight
// tick runs to completion first: Stop does not cancel the context passed
// to Start, so a rebuild under way is not interrupted.
func (s *Service) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one evaluation of the state machine: proceeds to a rebuild
// only if the store is dirty, non-empty, and has been quiet for at least
// cfg.QuietPeriod (spec.md §4.5's three conditions).
func (s *Service) tick(ctx context.Context) {
	dirtySince, dirty := s.st.DirtySince()
	if !dirty {
		s.state.Store(int32(StateClean))
		return
	}
	s.state.Store(int32(StateDirty))
	if time.Since(dirtySince) < s.cfg.QuietPeriod {
		return
	}
	if s.st.Count() == 0 {
		return
	}
	s.state.Store(int32(StateQuiescent))
	if err := s.rebuild(ctx); err != nil {
		s.logger.Warn("index rebuild aborted", "error", err)
	}
}

// RebuildNow runs one rebuild cycle synchronously, for callers in
// manual-rebuild mode (cfg.Background == false) or wanting to force a
// pass immediately regardless of quiescence.
func (s *Service) RebuildNow(ctx context.Context) error {
	return s.rebuild(ctx)
}

// rebuild takes a store snapshot, builds every enabled family in
// parallel, publishes the result atomically, and clears the store's dirty
// marker only if no mutation landed while the build was running (spec.md
// §4.5: "clears pending-rebuild only if no mutation arrived during the
// build"); a concurrent mutation leaves the store dirty so the next tick
// retries.
func (s *Service) rebuild(ctx context.Context) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	s.state.Store(int32(StateBuilding))
	seq := s.st.MutationSeq()
	snapshot := s.st.Snapshot()

	built := make(map[Family]index.Index, len(s.cfg.Enabled))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, fam := range s.cfg.Enabled {
		fam := fam
		g.Go(func() error {
			idx := newIndex(fam)
			if err := idx.Build(gctx, snapshot, s.cfg.Params); err != nil {
				// Build failures in one index are isolated (spec.md §7):
				// log and continue with the other families rather than
				// aborting the whole cycle.
				s.logger.Warn("index build failed", "family", fam.String(), "error", err)
				return nil
			}
			mu.Lock()
			built[fam] = idx
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.state.Store(int32(StateDirty))
		return err
	}

	pub := &Published{
		Indexes:  built,
		TagIndex: buildTagIndex(snapshot),
		BuiltAt:  time.Now(),
	}
	s.published.Store(pub)
	s.state.Store(int32(StatePublished))

	if s.st.MutationSeq() == seq {
		s.st.MarkClean()
		s.state.Store(int32(StateClean))
	} else {
		s.state.Store(int32(StateDirty))
	}
	return nil
}

func buildTagIndex(snapshot []record.VectorRecord) map[record.Tag][]record.Identifier {
	out := make(map[record.Tag][]record.Identifier)
	for _, rec := range snapshot {
		for _, t := range rec.Tags {
			out[t] = append(out[t], rec.ID)
		}
	}
	return out
}
