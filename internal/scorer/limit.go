package scorer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is a token bucket: RequestsPerSecond sustained, Burst
// at once. A non-positive rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// defaultBackoff applies when a backend rate limits without a Retry-After.
const defaultBackoff = 30 * time.Second

// Limited gates calls to the wrapped Scorer through a token bucket and
// pauses all callers after the backend reports a rate limit.
type Limited struct {
	next    Scorer
	limiter *rate.Limiter

	mu      sync.Mutex
	retryAt time.Time
}

// NewLimited wraps next; with a non-positive rate it returns next unchanged.
func NewLimited(next Scorer, cfg RateLimitConfig) Scorer {
	if cfg.RequestsPerSecond <= 0 {
		return next
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

func (l *Limited) Model() string { return l.next.Model() }

type admittedKey struct{}

// Admit blocks until s may make another model call and returns a context
// carrying that permission; Score on a context derived from it does not wait
// again. Callers apply their model deadline after Admit so time spent queued
// is not charged to the call. Scorers without a limiter admit immediately.
func Admit(ctx context.Context, s Scorer) (context.Context, error) {
	l, ok := s.(*Limited)
	if !ok {
		return ctx, nil
	}
	if err := l.wait(ctx); err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, admittedKey{}, l), nil
}

func (l *Limited) Score(ctx context.Context, text string, rubric Rubric) (ScoreResult, error) {
	if ctx.Value(admittedKey{}) != l {
		if err := l.wait(ctx); err != nil {
			return ScoreResult{}, err
		}
	}
	res, err := l.next.Score(ctx, text, rubric)
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		l.backoff(rl.RetryAfter)
	}
	return res, err
}

func (l *Limited) wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := l.limiter.Wait(ctx); err != nil {
		// The limiter refuses up front when the next token lies past the
		// deadline; report that as the deadline it is.
		if ctx.Err() == nil {
			if _, ok := ctx.Deadline(); ok {
				return fmt.Errorf("%w: waiting for rate limit: %v", context.DeadlineExceeded, err)
			}
		}
		return err
	}
	return nil
}

func (l *Limited) backoff(d time.Duration) {
	if d <= 0 {
		d = defaultBackoff
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(l.retryAt) {
		l.retryAt = until
	}
}
