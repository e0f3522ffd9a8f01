// Package rollup aggregates unit analyses up the fixed hierarchy
// person → group → organization → platform, one level per stage.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// ErrIncompleteChildSet means a child listed under a scope has no
// aggregate, so the scope cannot be rolled up. It is returned before
// anything at the level is written.
var ErrIncompleteChildSet = errors.New("incomplete child set")

// Store is what the rollup reads and writes.
type Store interface {
	ReadHierarchy(level storage.Level, organizationID string) (storage.Hierarchy, error)
	ListConsentedUnits(organizationID string) ([]storage.ContentUnit, error)
	ListUnitAnalyses(unitIDs []string) (map[string][]storage.UnitAnalysis, error)
	ListAggregates(level storage.Level) (map[string]storage.ScopeAggregate, error)
	PutAggregate(agg storage.ScopeAggregate) error
}

// Options configures an Engine.
type Options struct {
	// Workers bounds the scopes computed concurrently within a stage.
	Workers int
	Levels  map[storage.Level]LevelConfig
}

// Engine runs rollup stages.
type Engine struct {
	store       Store
	fingerprint func(storage.ContentUnit) string
	workers     int
	levels      map[storage.Level]LevelConfig
	now         func() time.Time
}

// New creates an Engine. fingerprint computes a unit's current fingerprint;
// only analyses at that fingerprint feed the person level.
func New(store Store, fingerprint func(storage.ContentUnit) string, opts Options) *Engine {
	levels := DefaultLevels()
	for l, cfg := range opts.Levels {
		levels[l] = cfg
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	return &Engine{store: store, fingerprint: fingerprint, workers: workers, levels: levels, now: time.Now}
}

// WithStore returns a copy of the engine over a different store.
func (e *Engine) WithStore(store Store) *Engine {
	cp := *e
	cp.store = store
	return &cp
}

// StageResult summarizes one stage.
type StageResult struct {
	Level   storage.Level
	Scopes  int
	Items   int
	Elapsed time.Duration
}

// snapshot is everything a stage reads, taken before any scope is computed.
type snapshot struct {
	hierarchy storage.Hierarchy
	children  map[string][]Child
}

// RunStage recomputes every scope of a level, restricted to one
// organization's subtree when organizationID is set. The platform level
// always covers every organization. All writes are done when it returns.
func (e *Engine) RunStage(ctx context.Context, level storage.Level, organizationID, runID string) (StageResult, error) {
	start := e.now()
	snap, err := e.read(level, organizationID)
	if err != nil {
		return StageResult{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	items := make([]int, len(snap.hierarchy.Scopes))
	for i, scopeID := range snap.hierarchy.Scopes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			agg, err := e.build(level, scopeID, snap)
			if err != nil {
				return err
			}
			if err := e.write(&agg, runID); err != nil {
				return err
			}
			items[i] = agg.ItemCount
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StageResult{}, err
	}

	res := StageResult{Level: level, Scopes: len(snap.hierarchy.Scopes), Elapsed: e.now().Sub(start)}
	for _, n := range items {
		res.Items += n
	}
	slog.Info("rollup stage completed", "level", level, "scopes", res.Scopes, "items", res.Items, "elapsed", res.Elapsed)
	return res, nil
}

// Rollup recomputes a single scope from the current state of its children.
func (e *Engine) Rollup(ctx context.Context, level storage.Level, scopeID, runID string) (storage.ScopeAggregate, error) {
	if err := ctx.Err(); err != nil {
		return storage.ScopeAggregate{}, err
	}
	snap, err := e.read(level, "")
	if err != nil {
		return storage.ScopeAggregate{}, err
	}
	found := false
	for _, s := range snap.hierarchy.Scopes {
		if s == scopeID {
			found = true
			break
		}
	}
	if !found {
		return storage.ScopeAggregate{}, fmt.Errorf("%s scope %s: %w", level, scopeID, storage.ErrNotFound)
	}
	agg, err := e.build(level, scopeID, snap)
	if err != nil {
		return storage.ScopeAggregate{}, err
	}
	if err := e.write(&agg, runID); err != nil {
		return storage.ScopeAggregate{}, err
	}
	return agg, nil
}

func (e *Engine) read(level storage.Level, organizationID string) (snapshot, error) {
	h, err := e.store.ReadHierarchy(level, organizationID)
	if err != nil {
		return snapshot{}, fmt.Errorf("reading %s hierarchy: %w", level, err)
	}
	snap := snapshot{hierarchy: h, children: make(map[string][]Child, len(h.Scopes))}

	if level == storage.LevelPerson {
		children, err := e.readAnalyses(h, organizationID)
		if err != nil {
			return snapshot{}, err
		}
		snap.children = children
		return snap, nil
	}

	below := level - 1
	aggs, err := e.store.ListAggregates(below)
	if err != nil {
		return snapshot{}, fmt.Errorf("reading %s aggregates: %w", below, err)
	}
	for _, scopeID := range h.Scopes {
		ids := h.Children[scopeID]
		children := make([]Child, 0, len(ids))
		for _, id := range ids {
			agg, ok := aggs[id]
			if !ok {
				return snapshot{}, fmt.Errorf("%s %s: %s %s has no aggregate: %w", level, scopeID, below, id, ErrIncompleteChildSet)
			}
			children = append(children, ChildFromAggregate(agg))
		}
		snap.children[scopeID] = children
	}
	return snap, nil
}

// readAnalyses collects, per person, the analyses matching the current
// fingerprint of each consented unit. Units without one (failed, stale or
// never analyzed) are left out.
func (e *Engine) readAnalyses(h storage.Hierarchy, organizationID string) (map[string][]Child, error) {
	units, err := e.store.ListConsentedUnits(organizationID)
	if err != nil {
		return nil, fmt.Errorf("reading units: %w", err)
	}
	byID := make(map[string]storage.ContentUnit, len(units))
	ids := make([]string, 0, len(units))
	for _, u := range units {
		byID[u.ID] = u
		ids = append(ids, u.ID)
	}
	analyses, err := e.store.ListUnitAnalyses(ids)
	if err != nil {
		return nil, fmt.Errorf("reading unit analyses: %w", err)
	}

	out := make(map[string][]Child, len(h.Scopes))
	for _, personID := range h.Scopes {
		var children []Child
		for _, unitID := range h.Children[personID] {
			u, ok := byID[unitID]
			if !ok {
				continue
			}
			fp := e.fingerprint(u)
			for _, a := range analyses[unitID] {
				if a.Fingerprint == fp {
					children = append(children, ChildFromAnalysis(a))
					break
				}
			}
		}
		out[personID] = children
	}
	return out, nil
}

func (e *Engine) build(level storage.Level, scopeID string, snap snapshot) (storage.ScopeAggregate, error) {
	cfg, ok := e.levels[level]
	if !ok {
		return storage.ScopeAggregate{}, fmt.Errorf("no rollup configuration for level %s", level)
	}
	return Build(level, scopeID, snap.children[scopeID], cfg), nil
}

func (e *Engine) write(agg *storage.ScopeAggregate, runID string) error {
	agg.RunID = runID
	agg.GeneratedAt = e.now().UTC()
	if err := e.store.PutAggregate(*agg); err != nil {
		return fmt.Errorf("writing %s aggregate %s: %w", agg.Level, agg.ScopeID, err)
	}
	return nil
}
