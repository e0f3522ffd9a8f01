package scorer

import (
	"context"
	"errors"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/metrics"
)

type observed struct {
	next    Scorer
	backend string
	m       *metrics.Metrics
}

// Observed records the latency and result of every call on m.
func Observed(next Scorer, backend string, m *metrics.Metrics) Scorer {
	if m == nil {
		return next
	}
	return &observed{next: next, backend: backend, m: m}
}

func (o *observed) Model() string { return o.next.Model() }

func (o *observed) Score(ctx context.Context, text string, rubric Rubric) (ScoreResult, error) {
	start := time.Now()
	res, err := o.next.Score(ctx, text, rubric)
	o.m.ModelCall(o.backend, resultLabel(err), time.Since(start))
	return res, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
