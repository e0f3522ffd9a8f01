// Package analyzer produces the UnitAnalysis of one content unit: consent
// gate, fingerprint cache lookup, model call, normalization and write.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/scorer"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// Outcome is the result class of one Analyze call.
type Outcome string

const (
	Analyzed Outcome = "analyzed"
	CacheHit Outcome = "cache_hit"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
)

// Result reports what happened to a unit. Analysis is set for Analyzed and
// CacheHit; Err is set for Skipped and Failed.
type Result struct {
	UnitID   string
	Outcome  Outcome
	Analysis *storage.UnitAnalysis
	Err      error
}

// AnalysisStore receives finished analyses. Writes are insert-if-absent.
type AnalysisStore interface {
	SaveUnitAnalysis(a storage.UnitAnalysis) error
}

// Config holds the analyzer's tunables.
type Config struct {
	// Version identifies the analyzer logic; bumping it invalidates the cache.
	Version string
	// Revision is the integer version stamped on every analysis.
	Revision     int
	ModelTimeout time.Duration
}

// Analyzer runs the per-unit analysis. It is safe for concurrent use.
type Analyzer struct {
	scorer  scorer.Scorer
	cache   *cache.Resilient
	store   AnalysisStore
	cfg     Config
	rubric  scorer.Rubric
	metrics *metrics.Metrics
}

func New(s scorer.Scorer, c *cache.Resilient, store AnalysisStore, cfg Config, m *metrics.Metrics) *Analyzer {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 2 * time.Minute
	}
	if cfg.Revision <= 0 {
		cfg.Revision = 1
	}
	return &Analyzer{scorer: s, cache: c, store: store, cfg: cfg, rubric: Rubric(), metrics: m}
}

// WithStore returns a copy of the analyzer that writes to a different store
// and cache, sharing the scorer.
func (a *Analyzer) WithStore(store AnalysisStore, c *cache.Resilient) *Analyzer {
	cp := *a
	cp.store = store
	cp.cache = c
	return &cp
}

// Version is the analyzer version that goes into fingerprints.
func (a *Analyzer) Version() string {
	return a.cfg.Version + "+" + a.rubric.Version
}

// Model is the identifier of the model the analyzer scores with.
func (a *Analyzer) Model() string {
	return a.scorer.Model()
}

// Fingerprint returns the current fingerprint of a unit.
func (a *Analyzer) Fingerprint(u storage.ContentUnit) string {
	return cache.Fingerprint(u.Text, a.Model(), a.Version())
}

// Analyze produces the analysis of one unit. Model and policy failures come
// back as a Result with Outcome Skipped or Failed and a nil error; the
// returned error is reserved for store failures and caller cancellation.
func (a *Analyzer) Analyze(ctx context.Context, u storage.ContentUnit) (Result, error) {
	res, err := a.analyze(ctx, u)
	if err == nil {
		a.metrics.UnitOutcome(string(res.Outcome))
	}
	return res, err
}

func (a *Analyzer) analyze(ctx context.Context, u storage.ContentUnit) (Result, error) {
	log := slog.With("unit_id", u.ID)

	if !u.AnalysisConsent {
		return Result{UnitID: u.ID, Outcome: Skipped, Err: ErrPolicyBlocked}, nil
	}

	model := a.Model()
	fp := a.Fingerprint(u)

	if payload, ok := a.cache.Get(ctx, cache.ScopeUnit, model, fp); ok {
		var cached storage.UnitAnalysis
		if err := json.Unmarshal(payload, &cached); err != nil {
			log.Warn("undecodable cache entry, treating as miss", "fingerprint", fp, "error", err)
		} else {
			analysis := a.rekey(cached, u, fp)
			if err := a.store.SaveUnitAnalysis(analysis); err != nil {
				return Result{}, fmt.Errorf("saving cached analysis for unit %s: %w", u.ID, err)
			}
			return Result{UnitID: u.ID, Outcome: CacheHit, Analysis: &analysis}, nil
		}
	}

	admitted, err := scorer.Admit(ctx, a.scorer)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		failure := classifyScoreError(err)
		log.Warn("unit analysis failed", "kind", FailureKind(failure), "error", err)
		return Result{UnitID: u.ID, Outcome: Failed, Err: failure}, nil
	}
	start := time.Now()
	callCtx, cancel := context.WithTimeout(admitted, a.cfg.ModelTimeout)
	scored, err := a.scorer.Score(callCtx, u.Text, a.rubric)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		failure := classifyScoreError(err)
		log.Warn("unit analysis failed", "kind", FailureKind(failure), "error", err)
		return Result{UnitID: u.ID, Outcome: Failed, Err: failure}, nil
	}

	out, err := decodeOutput(scored.Raw)
	if err != nil {
		log.Warn("unit analysis failed", "kind", FailureKind(err), "error", err)
		return Result{UnitID: u.ID, Outcome: Failed, Err: err}, nil
	}

	n := normalize(out, u.Text)
	if len(n.themes) == 0 && len(n.quotes) == 0 {
		log.Warn("unit analysis empty, flagged for review",
			"quotes_extracted", n.quality["quotes_extracted"],
			"quotes_verified", n.quality["quotes_verified"])
		return Result{UnitID: u.ID, Outcome: Failed, Err: ErrEmptyAnalysis}, nil
	}

	for i := range n.quotes {
		n.quotes[i].UnitID = u.ID
	}
	analysis := storage.UnitAnalysis{
		UnitID:          u.ID,
		PersonID:        u.PersonID,
		Fingerprint:     fp,
		Model:           model,
		AnalyzerVersion: a.Version(),
		Revision:        a.cfg.Revision,
		Themes:          n.themes,
		Quotes:          n.quotes,
		Quality:         n.quality,
		Summary:         n.summary,
		RequiresReview:  n.requiresReview,
		DurationMs:      time.Since(start).Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if err := a.store.SaveUnitAnalysis(analysis); err != nil {
		return Result{}, fmt.Errorf("saving analysis for unit %s: %w", u.ID, err)
	}

	if payload, err := json.Marshal(cacheEntry(analysis)); err == nil {
		a.cache.Put(ctx, cache.ScopeUnit, model, fp, payload)
	}

	log.Debug("unit analyzed", "themes", len(n.themes), "quotes", len(n.quotes), "duration_ms", analysis.DurationMs)
	return Result{UnitID: u.ID, Outcome: Analyzed, Analysis: &analysis}, nil
}

// cacheEntry strips the fields that differ between two calls producing the
// same analysis, so racing writers put identical payloads. rekey restores
// the unit identity on a hit.
func cacheEntry(a storage.UnitAnalysis) storage.UnitAnalysis {
	a.UnitID = ""
	a.PersonID = ""
	a.DurationMs = 0
	a.CreatedAt = time.Time{}
	quotes := make([]storage.Quote, len(a.Quotes))
	for i, q := range a.Quotes {
		q.UnitID = ""
		quotes[i] = q
	}
	a.Quotes = quotes
	return a
}

// rekey adapts a cached analysis, possibly produced for another unit with
// identical text, to this unit.
func (a *Analyzer) rekey(cached storage.UnitAnalysis, u storage.ContentUnit, fp string) storage.UnitAnalysis {
	cached.UnitID = u.ID
	cached.PersonID = u.PersonID
	cached.Fingerprint = fp
	cached.Revision = a.cfg.Revision
	cached.CreatedAt = time.Now().UTC()
	quotes := make([]storage.Quote, len(cached.Quotes))
	for i, q := range cached.Quotes {
		q.UnitID = u.ID
		quotes[i] = q
	}
	cached.Quotes = quotes
	return cached
}

func classifyScoreError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}
