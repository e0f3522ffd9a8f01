// Package scorer is the model boundary of the pipeline: it turns a text and
// a rubric into the raw structured output of a language model.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/engine"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/openrouter"
)

// ErrRateLimited is matched by errors returned when the backend rejected a
// call for exceeding its rate limit.
var ErrRateLimited = errors.New("model rate limited")

// RateLimitedError carries the backend's requested backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("model rate limited, retry after %s", e.RetryAfter)
	}
	return "model rate limited"
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Rubric tells the model what to extract. Schema constrains the output to
// JSON; Version participates in the analyzer version so a rubric change
// invalidates cached results.
type Rubric struct {
	Name         string
	Version      string
	Instructions string
	Schema       *engine.Schema
	Temperature  *float64
}

// ScoreResult is the raw model output for one call.
type ScoreResult struct {
	Raw      string
	Model    string
	Duration time.Duration
}

// Scorer calls a model with a text and a rubric. Implementations do not
// retry; the caller's context bounds the call.
type Scorer interface {
	Score(ctx context.Context, text string, rubric Rubric) (ScoreResult, error)
	Model() string
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend           string // "ollama" or "openrouter"
	Model             string
	OllamaURL         string
	OpenRouterKey     string
	OpenRouterURL     string
	RequestsPerSecond float64
	Burst             int
}

// New builds the configured backend wrapped with metrics and rate limiting.
func New(cfg Config, m *metrics.Metrics) (Scorer, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("no model configured")
	}

	var s Scorer
	switch cfg.Backend {
	case "", "ollama":
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.OllamaURL})
		if err != nil {
			return nil, err
		}
		s = NewEngineScorer(eng, cfg.Model)
	case "openrouter":
		if cfg.OpenRouterKey == "" {
			return nil, fmt.Errorf("openrouter backend selected but no API key configured")
		}
		client := openrouter.NewClient(cfg.OpenRouterKey)
		if cfg.OpenRouterURL != "" {
			client = openrouter.NewClientWithBaseURL(cfg.OpenRouterKey, cfg.OpenRouterURL)
		}
		s = NewOpenRouterScorer(client, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}

	backend := cfg.Backend
	if backend == "" {
		backend = "ollama"
	}
	s = Observed(s, backend, m)
	return NewLimited(s, RateLimitConfig{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}), nil
}
