// Package dispatch delivers single-unit analysis requests to the Unit
// Analyzer through the SQLite job queue, at least once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/acurioustractor/ledger-insights/internal/analyzer"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// JobAnalyzeUnit is the queue type of single-unit analysis jobs.
const JobAnalyzeUnit = "analyze_unit"

var jobTypes = []string{JobAnalyzeUnit}

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string, note string) error
	FailJob(id string, errMsg string) error
	RequeueStaleJobs(types []string, before time.Time) (int64, error)
	GetUnit(id string) (storage.ContentUnit, error)
}

// UnitAnalyzer analyzes one unit.
type UnitAnalyzer interface {
	Analyze(ctx context.Context, u storage.ContentUnit) (analyzer.Result, error)
}

type analyzePayload struct {
	UnitID string `json:"unit_id"`
}

// Enqueue queues analysis of one unit and returns the job id.
func Enqueue(store JobStore, unitID string, maxAttempts int) (string, error) {
	payload, err := json.Marshal(analyzePayload{UnitID: unitID})
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobAnalyzeUnit,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing analysis of unit %s: %w", unitID, err)
	}
	return job.ID, nil
}

// Config holds the worker's tunables.
type Config struct {
	// PollInterval is how long an idle poller sleeps. Defaults to 500ms.
	PollInterval time.Duration
	// Concurrency is the number of pollers. Defaults to 1.
	Concurrency int
	// Lease is how long a claimed job may run before it is considered
	// abandoned and requeued. Defaults to 10 minutes.
	Lease time.Duration
}

// Worker processes analyze_unit jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	analyzer UnitAnalyzer
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(store JobStore, an UnitAnalyzer, cfg Config, m *metrics.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &Worker{
		store:    store,
		analyzer: an,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// Run requeues abandoned jobs, then polls with Concurrency pollers until
// ctx is cancelled. Abandoned jobs are swept again once per lease.
func (w *Worker) Run(ctx context.Context) {
	if _, err := w.RequeueStale(); err != nil {
		w.logger.Error("requeueing stale jobs", "error", err)
	}

	var g errgroup.Group
	for range w.cfg.Concurrency {
		g.Go(func() error {
			w.poll(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.Lease)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := w.RequeueStale(); err != nil {
					w.logger.Error("requeueing stale jobs", "error", err)
				}
			}
		}
	})
	g.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RequeueStale returns jobs whose lease expired to the queue.
func (w *Worker) RequeueStale() (int64, error) {
	n, err := w.store.RequeueStaleJobs(jobTypes, time.Now().Add(-w.cfg.Lease))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Warn("requeued abandoned jobs", "count", n)
	}
	return n, nil
}

// RunOnce claims and processes a single analyze_unit job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	note, err := w.processJob(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the lease sweep hands the job to the next worker.
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		w.metrics.Job("retry")
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, note); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	if note != "" {
		w.metrics.Job("completed_with_failure")
	} else {
		w.metrics.Job("completed")
	}
	return true, nil
}

// processJob returns an error only for failures worth retrying from the
// queue. Analysis failures complete the job with a note; the next scheduled
// run retries the unit.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload analyzePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "malformed payload: " + err.Error(), nil
	}

	u, err := w.store.GetUnit(payload.UnitID)
	if errors.Is(err, storage.ErrNotFound) {
		return "unit not found", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading unit %s: %w", payload.UnitID, err)
	}

	res, err := w.analyzer.Analyze(ctx, u)
	if err != nil {
		return "", fmt.Errorf("analyzing unit %s: %w", u.ID, err)
	}

	switch res.Outcome {
	case analyzer.Skipped, analyzer.Failed:
		w.logger.Info("unit not analyzed", "job_id", job.ID, "unit_id", u.ID, "outcome", res.Outcome, "error", res.Err)
		return fmt.Sprintf("%s: %v", analyzer.FailureKind(res.Err), res.Err), nil
	}
	w.logger.Debug("unit analyzed", "job_id", job.ID, "unit_id", u.ID, "outcome", res.Outcome)
	return "", nil
}
