package cache

import (
	"context"
	"errors"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// SQLite persists entries in the store's fingerprint_cache table.
type SQLite struct {
	store *storage.Store
}

func NewSQLite(store *storage.Store) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Get(_ context.Context, scope, model, fingerprint string) ([]byte, bool, error) {
	return s.store.CacheGet(scope, model, fingerprint)
}

func (s *SQLite) Put(_ context.Context, scope, model, fingerprint string, payload []byte) error {
	err := s.store.CachePut(scope, model, fingerprint, payload)
	if errors.Is(err, storage.ErrConflict) {
		return ErrConflict
	}
	return err
}

// Prune deletes entries older than the given age. Entries are otherwise
// kept forever; this only runs from the maintenance command.
func (s *SQLite) Prune(olderThan time.Duration) (int64, error) {
	return s.store.PruneCache(time.Now().Add(-olderThan))
}
