// Package pipeline runs the analysis pipeline end to end: unit analysis
// followed by the person, group, organization and platform rollups, one
// stage at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/acurioustractor/ledger-insights/internal/analyzer"
	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/rollup"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

var (
	// ErrRunInProgress is returned when a run is requested while another
	// persistent run is active in this process.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
	// ErrRunNotActive is returned when cancelling a run that already finished.
	ErrRunNotActive = errors.New("run is not active")
	// ErrCancelled is returned by Run when the run stopped at a stage boundary.
	ErrCancelled = errors.New("run cancelled")
)

// Store is the persistent state the orchestrator works against.
type Store interface {
	rollup.Store
	analyzer.AnalysisStore
	GetAggregate(level storage.Level, scopeID string) (storage.ScopeAggregate, error)
	SaveRun(r storage.PipelineRun) error
	GetRun(id string) (storage.PipelineRun, error)
	LatestRun(organizationID string) (storage.PipelineRun, error)
}

// Options selects what a run does.
type Options struct {
	// DryRun keeps every analysis and aggregate in memory.
	DryRun bool
	// OrganizationID restricts unit analysis and the person, group and
	// organization stages to one organization's subtree.
	OrganizationID string
	// Fresh starts from the first stage even if the previous run failed.
	Fresh bool
}

// Config holds the orchestrator's tunables.
type Config struct {
	// Workers bounds concurrent unit analyses.
	Workers int
}

type stage struct {
	name   string
	status string
	level  storage.Level // zero for unit analysis
}

var stages = []stage{
	{name: "analyze_units", status: storage.RunAnalyzingUnits},
	{name: "rollup_person", status: storage.RunRollingUpPersons, level: storage.LevelPerson},
	{name: "rollup_group", status: storage.RunRollingUpGroups, level: storage.LevelGroup},
	{name: "rollup_organization", status: storage.RunRollingUpOrganizations, level: storage.LevelOrganization},
	{name: "rollup_platform", status: storage.RunRollingUpPlatform, level: storage.LevelPlatform},
}

func stageIndex(name string) int {
	for i, st := range stages {
		if st.name == name {
			return i
		}
	}
	return -1
}

// Orchestrator sequences the pipeline stages. Only the orchestrator knows
// the stage order; the analyzer and rollup engine each handle one step.
type Orchestrator struct {
	store    Store
	analyzer *analyzer.Analyzer
	rollup   *rollup.Engine
	cache    cache.Cache
	cfg      Config
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[string]*activeRun
	// persistent is the id of the active non-dry run, if any.
	persistent string
	wg         sync.WaitGroup
}

type activeRun struct {
	organizationID string
	cancel         context.CancelFunc
}

// New creates an Orchestrator. cacheBackend is the raw cache the analyzer's
// resilient cache wraps; dry runs layer an in-memory overlay on it.
func New(store Store, an *analyzer.Analyzer, ro *rollup.Engine, cacheBackend cache.Cache, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Orchestrator{
		store:    store,
		analyzer: an,
		rollup:   ro,
		cache:    cacheBackend,
		cfg:      cfg,
		metrics:  m,
		active:   make(map[string]*activeRun),
	}
}

// Run executes a pipeline run synchronously and returns its final record.
// A failed run returns the record together with the stage error; a
// cancelled one returns ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, p authz.Principal, opts Options) (storage.PipelineRun, error) {
	rs, err := o.prepare(ctx, p, opts)
	if err != nil {
		return storage.PipelineRun{}, err
	}
	return o.execute(rs)
}

// Start begins a run in the background and returns its id. The run outlives
// ctx; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, p authz.Principal, opts Options) (string, error) {
	rs, err := o.prepare(context.WithoutCancel(ctx), p, opts)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(rs)
	}()
	return rs.run.ID, nil
}

// Wait blocks until every run started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels every active run and waits for them to stop at their
// next stage boundary.
func (o *Orchestrator) Shutdown() {
	o.cancelAll()
	o.wg.Wait()
}

func (o *Orchestrator) cancelAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ar := range o.active {
		slog.Info("cancelling run for shutdown", "run_id", id)
		ar.cancel()
	}
}

// Status returns the current record of a run.
func (o *Orchestrator) Status(runID string) (storage.PipelineRun, error) {
	return o.store.GetRun(runID)
}

// Cancel asks an active run to stop at its next stage boundary.
func (o *Orchestrator) Cancel(p authz.Principal, runID string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		if _, err := o.store.GetRun(runID); err != nil {
			return err
		}
		return ErrRunNotActive
	}
	if err := p.CanTriggerRun(ar.organizationID); err != nil {
		return err
	}
	slog.Info("cancelling run", "run_id", runID, "by", p.Subject)
	ar.cancel()
	return nil
}

type runState struct {
	run   storage.PipelineRun
	start int
	// restarted is set once a resumed run fell back to the first stage.
	restarted bool
	ctx       context.Context
	cancel    context.CancelFunc
	store     Store
	an        *analyzer.Analyzer
	ro        *rollup.Engine
}

func (o *Orchestrator) prepare(ctx context.Context, p authz.Principal, opts Options) (*runState, error) {
	if err := p.CanTriggerRun(opts.OrganizationID); err != nil {
		return nil, err
	}

	run := storage.PipelineRun{
		ID:             uuid.New().String(),
		Status:         storage.RunStarted,
		DryRun:         opts.DryRun,
		OrganizationID: opts.OrganizationID,
		TriggeredBy:    p.Subject,
		StartedAt:      time.Now().UTC(),
		Stages:         make([]storage.StageRecord, len(stages)),
	}
	for i, st := range stages {
		run.Stages[i] = storage.StageRecord{Name: st.name, Status: storage.StagePending}
	}

	rs := &runState{run: run, store: o.store, an: o.analyzer, ro: o.rollup}
	if opts.DryRun {
		overlay := newOverlayStore(o.store)
		rs.store = overlay
		rs.an = o.analyzer.WithStore(overlay, cache.NewResilient(cache.NewOverlay(o.cache), o.metrics))
		rs.ro = o.rollup.WithStore(overlay)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !opts.DryRun && o.persistent != "" {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, o.persistent)
	}

	if !opts.DryRun && !opts.Fresh {
		if err := o.resume(rs); err != nil {
			return nil, err
		}
	}

	if err := o.store.SaveRun(rs.run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	rs.ctx, rs.cancel = context.WithCancel(ctx)
	o.active[rs.run.ID] = &activeRun{organizationID: opts.OrganizationID, cancel: rs.cancel}
	if !opts.DryRun {
		o.persistent = rs.run.ID
	}

	slog.Info("pipeline run started", "run_id", rs.run.ID, "dry_run", opts.DryRun,
		"organization_id", opts.OrganizationID, "resumed_from", rs.run.ResumedFrom, "first_stage", stages[rs.start].name)
	return rs, nil
}

// resume makes rs start at the stage where the previous run with the same
// filter stopped, if it did not complete. A run left in a stage status by a
// crashed process resumes at that stage.
func (o *Orchestrator) resume(rs *runState) error {
	prev, err := o.store.LatestRun(rs.run.OrganizationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading previous run: %w", err)
	}

	at := -1
	switch prev.Status {
	case storage.RunCompleted, storage.RunStarted:
		return nil
	case storage.RunFailed, storage.RunCancelled:
		at = stageIndex(prev.FailedStage)
	default:
		for i, st := range stages {
			if st.status == prev.Status {
				at = i
			}
		}
	}
	if at <= 0 {
		return nil
	}

	rs.start = at
	rs.run.ResumedFrom = prev.ID
	for i := range at {
		rs.run.Stages[i].Status = storage.StageReused
	}
	return nil
}

func (o *Orchestrator) execute(rs *runState) (storage.PipelineRun, error) {
	defer func() {
		rs.cancel()
		o.mu.Lock()
		delete(o.active, rs.run.ID)
		if o.persistent == rs.run.ID {
			o.persistent = ""
		}
		o.mu.Unlock()
	}()

	// Stage work ignores cancellation; it is only honored between stages.
	work := context.WithoutCancel(rs.ctx)
	run := &rs.run

	var runErr error
	for i := rs.start; i < len(stages); i++ {
		st := stages[i]
		if rs.ctx.Err() != nil {
			run.Status = storage.RunCancelled
			run.FailedStage = st.name
			runErr = fmt.Errorf("%w before %s", ErrCancelled, st.name)
			break
		}

		run.Status = st.status
		rec := &run.Stages[i]
		rec.Status = storage.StageRunning
		rec.StartedAt = time.Now().UTC()
		o.save(run)

		var err error
		if st.level == 0 {
			err = o.analyzeUnits(work, rs)
		} else {
			var res rollup.StageResult
			res, err = rs.ro.RunStage(work, st.level, run.OrganizationID, run.ID)
			rec.Scopes = res.Scopes
		}
		rec.FinishedAt = time.Now().UTC()
		elapsed := rec.FinishedAt.Sub(rec.StartedAt)

		if err != nil && errors.Is(err, rollup.ErrIncompleteChildSet) {
			switch {
			case st.level == storage.LevelPlatform && run.OrganizationID != "":
				// Organizations outside the filter have not been rolled up;
				// the platform aggregate waits for an unfiltered run.
				rec.Status = storage.StageSkipped
				rec.Error = err.Error()
				o.metrics.Stage(st.name, storage.StageSkipped, elapsed)
				slog.Warn("platform stage skipped", "run_id", run.ID, "organization_id", run.OrganizationID, "error", err)
				continue
			case rs.start > 0 && !rs.restarted:
				// The reused levels no longer match the hierarchy.
				o.metrics.Stage(st.name, storage.StageFailed, elapsed)
				slog.Warn("resumed run found stale lower levels, restarting from the first stage",
					"run_id", run.ID, "stage", st.name, "resumed_from", run.ResumedFrom, "error", err)
				rs.restart()
				i = -1
				continue
			}
		}
		if err != nil {
			rec.Status = storage.StageFailed
			rec.Error = err.Error()
			run.Status = storage.RunFailed
			run.FailedStage = st.name
			run.Error = err.Error()
			o.metrics.Stage(st.name, storage.StageFailed, elapsed)
			slog.Error("pipeline stage failed", "run_id", run.ID, "stage", st.name, "error", err)
			runErr = fmt.Errorf("run %s failed at %s: %w", run.ID, st.name, err)
			break
		}
		rec.Status = storage.StageCompleted
		o.metrics.Stage(st.name, storage.StageCompleted, elapsed)
	}

	if runErr == nil {
		run.Status = storage.RunCompleted
	}
	run.FinishedAt = time.Now().UTC()
	o.save(run)
	o.metrics.RunFinished(run.Status, run.DryRun)

	attrs := []any{"run_id", run.ID, "status", run.Status, "dry_run", run.DryRun,
		"units_analyzed", run.UnitsAnalyzed, "units_cached", run.UnitsCached, "units_failed", run.UnitsFailed,
		"elapsed", run.FinishedAt.Sub(run.StartedAt)}
	if overlay, ok := rs.store.(*overlayStore); ok {
		attrs = append(attrs, "aggregates_computed", overlay.written())
	}
	slog.Info("pipeline run finished", attrs...)
	return *run, runErr
}

// restart drops everything a resume reused so the run starts over at the
// first stage.
func (rs *runState) restart() {
	rs.start = 0
	rs.restarted = true
	rs.run.ResumedFrom = ""
	for i, st := range stages {
		rs.run.Stages[i] = storage.StageRecord{Name: st.name, Status: storage.StagePending}
	}
}

// analyzeUnits analyzes every consented unit under the filter that has no
// analysis at its current fingerprint. Unit failures are recorded on the run
// and never fail the stage.
func (o *Orchestrator) analyzeUnits(ctx context.Context, rs *runState) error {
	run := &rs.run
	units, err := rs.store.ListConsentedUnits(run.OrganizationID)
	if err != nil {
		return fmt.Errorf("listing units: %w", err)
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	existing, err := rs.store.ListUnitAnalyses(ids)
	if err != nil {
		return fmt.Errorf("listing analyses: %w", err)
	}

	var eligible []storage.ContentUnit
	for _, u := range units {
		fp := rs.an.Fingerprint(u)
		current := false
		for _, a := range existing[u.ID] {
			if a.Fingerprint == fp {
				current = true
				break
			}
		}
		if !current {
			eligible = append(eligible, u)
		}
	}
	run.UnitsEligible = len(eligible)
	slog.Info("analyzing units", "run_id", run.ID, "consented", len(units), "eligible", len(eligible))

	results := make([]analyzer.Result, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, u := range eligible {
		g.Go(func() error {
			res, err := rs.an.Analyze(gctx, u)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		switch res.Outcome {
		case analyzer.Analyzed:
			run.UnitsAnalyzed++
		case analyzer.CacheHit:
			run.UnitsCached++
		case analyzer.Skipped:
			run.UnitsSkipped++
		case analyzer.Failed:
			run.UnitsFailed++
			run.Failures = append(run.Failures, storage.UnitFailure{
				UnitID: res.UnitID,
				Kind:   analyzer.FailureKind(res.Err),
				Error:  res.Err.Error(),
			})
		}
	}
	return nil
}

func (o *Orchestrator) save(run *storage.PipelineRun) {
	if err := o.store.SaveRun(*run); err != nil {
		slog.Error("saving run record", "run_id", run.ID, "status", run.Status, "error", err)
	}
}
