package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/authz"
)

// Schedule runs the pipeline as the system principal every interval until
// ctx is cancelled. A tick that finds a run in progress is skipped.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration, opts Options) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run, err := o.Run(ctx, authz.System(), opts)
		switch {
		case errors.Is(err, ErrRunInProgress):
			slog.Info("scheduled run skipped", "reason", err)
		case err != nil:
			slog.Warn("scheduled run did not complete", "run_id", run.ID, "status", run.Status, "error", err)
		}
	}
}
