package pipeline

import (
	"maps"
	"sync"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// overlayStore reads through to the persistent store and keeps every analysis
// and aggregate write in memory. Dry runs analyze and roll up against it.
type overlayStore struct {
	Store

	mu         sync.Mutex
	analyses   map[string][]storage.UnitAnalysis
	aggregates map[storage.Level]map[string]storage.ScopeAggregate
}

func newOverlayStore(base Store) *overlayStore {
	return &overlayStore{
		Store:      base,
		analyses:   make(map[string][]storage.UnitAnalysis),
		aggregates: make(map[storage.Level]map[string]storage.ScopeAggregate),
	}
}

func (o *overlayStore) SaveUnitAnalysis(a storage.UnitAnalysis) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.analyses[a.UnitID] {
		if existing.Fingerprint == a.Fingerprint {
			return nil
		}
	}
	o.analyses[a.UnitID] = append(o.analyses[a.UnitID], a)
	return nil
}

func (o *overlayStore) ListUnitAnalyses(unitIDs []string) (map[string][]storage.UnitAnalysis, error) {
	result, err := o.Store.ListUnitAnalyses(unitIDs)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range unitIDs {
		result[id] = append(result[id], o.analyses[id]...)
	}
	return result, nil
}

func (o *overlayStore) PutAggregate(agg storage.ScopeAggregate) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	level := o.aggregates[agg.Level]
	if level == nil {
		level = make(map[string]storage.ScopeAggregate)
		o.aggregates[agg.Level] = level
	}
	level[agg.ScopeID] = agg
	return nil
}

func (o *overlayStore) ListAggregates(level storage.Level) (map[string]storage.ScopeAggregate, error) {
	result, err := o.Store.ListAggregates(level)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	maps.Copy(result, o.aggregates[level])
	return result, nil
}

func (o *overlayStore) GetAggregate(level storage.Level, scopeID string) (storage.ScopeAggregate, error) {
	o.mu.Lock()
	agg, ok := o.aggregates[level][scopeID]
	o.mu.Unlock()
	if ok {
		return agg, nil
	}
	return o.Store.GetAggregate(level, scopeID)
}

// written reports how many aggregates the dry run produced.
func (o *overlayStore) written() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, level := range o.aggregates {
		n += len(level)
	}
	return n
}
