package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/acurioustractor/ledger-insights/internal/metrics"
)

// Resilient hides backend failures: a failed Get is a miss and a failed Put
// is logged and dropped. The analyzer only ever talks to a Resilient.
type Resilient struct {
	backend Cache
	metrics *metrics.Metrics
}

func NewResilient(backend Cache, m *metrics.Metrics) *Resilient {
	return &Resilient{backend: backend, metrics: m}
}

func (r *Resilient) Get(ctx context.Context, scope, model, fingerprint string) ([]byte, bool) {
	p, ok, err := r.backend.Get(ctx, scope, model, fingerprint)
	switch {
	case err != nil:
		slog.Warn("cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
		r.metrics.CacheLookup("error")
		return nil, false
	case ok:
		r.metrics.CacheLookup("hit")
		return p, true
	default:
		r.metrics.CacheLookup("miss")
		return nil, false
	}
}

func (r *Resilient) Put(ctx context.Context, scope, model, fingerprint string, payload []byte) {
	err := r.backend.Put(ctx, scope, model, fingerprint, payload)
	switch {
	case errors.Is(err, ErrConflict):
		// Another writer got there first; its entry stays.
		slog.Debug("cache entry already present", "fingerprint", fingerprint)
	case err != nil:
		slog.Warn("cache write failed", "fingerprint", fingerprint, "error", err)
	}
}
