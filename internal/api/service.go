package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/dispatch"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// errInvalid marks a caller error that is not an authorization failure.
var errInvalid = errors.New("invalid request")

// Service implements the query and trigger operations shared by the HTTP
// and MCP surfaces. Every call takes the principal it acts for.
type Service struct {
	Store        *storage.Store
	Orchestrator *pipeline.Orchestrator
	// MaxAttempts bounds retries of enqueued analysis jobs.
	MaxAttempts int
}

// AggregateView is a stored aggregate with its freshness information.
type AggregateView struct {
	Level string `json:"level"`
	storage.ScopeAggregate
	// StaleAfterRun names the latest run when it started after this
	// aggregate was generated and has not completed.
	StaleAfterRun string `json:"stale_after_run,omitempty"`
}

// Aggregate returns the current aggregate of one scope.
func (s *Service) Aggregate(p authz.Principal, levelName, scopeID string) (AggregateView, error) {
	level, err := storage.ParseLevel(levelName)
	if err != nil {
		return AggregateView{}, fmt.Errorf("%w: %v", errInvalid, err)
	}
	if level == storage.LevelPlatform && scopeID == "" {
		scopeID = storage.PlatformScopeID
	}
	if err := p.CanRead(level, scopeID, s.Store); err != nil {
		return AggregateView{}, err
	}
	agg, err := s.Store.GetAggregate(level, scopeID)
	if err != nil {
		return AggregateView{}, fmt.Errorf("loading %s aggregate %s: %w", level, scopeID, err)
	}

	view := AggregateView{Level: level.String(), ScopeAggregate: agg}
	latest, err := s.Store.LatestRun("")
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return AggregateView{}, fmt.Errorf("loading latest run: %w", err)
	case latest.Status != storage.RunCompleted && latest.StartedAt.After(agg.GeneratedAt):
		view.StaleAfterRun = latest.ID
	}
	return view, nil
}

// TriggerRun starts a run in the background and returns its id.
func (s *Service) TriggerRun(ctx context.Context, p authz.Principal, opts pipeline.Options) (string, error) {
	return s.Orchestrator.Start(ctx, p, opts)
}

// RunStatus returns a run record. Platform-wide runs are visible to every
// principal; filtered runs need access to the organization.
func (s *Service) RunStatus(p authz.Principal, runID string) (storage.PipelineRun, error) {
	run, err := s.Orchestrator.Status(runID)
	if err != nil {
		return storage.PipelineRun{}, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run.OrganizationID != "" {
		if err := p.CanRead(storage.LevelOrganization, run.OrganizationID, s.Store); err != nil {
			return storage.PipelineRun{}, err
		}
	}
	return run, nil
}

// CancelRun asks an active run to stop at its next stage boundary.
func (s *Service) CancelRun(p authz.Principal, runID string) error {
	return s.Orchestrator.Cancel(p, runID)
}

// Enqueue queues asynchronous analysis of one unit.
func (s *Service) Enqueue(p authz.Principal, unitID string) (string, error) {
	u, err := s.Store.GetUnit(unitID)
	if err != nil {
		return "", fmt.Errorf("loading unit %s: %w", unitID, err)
	}
	orgs, err := s.Store.OrganizationsOfPerson(u.PersonID)
	if err != nil {
		return "", fmt.Errorf("resolving organizations of %s: %w", u.PersonID, err)
	}
	if err := p.CanEnqueue(orgs); err != nil {
		return "", err
	}
	return dispatch.Enqueue(s.Store, unitID, s.MaxAttempts)
}
