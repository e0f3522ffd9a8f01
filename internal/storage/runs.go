package storage

import (
	"database/sql"
	"fmt"
)

// --- Pipeline runs ---

// SaveRun upserts a run together with its stage records and unit failures.
func (s *Store) SaveRun(r PipelineRun) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pipeline_runs (id, status, failed_stage, error, dry_run, organization_id, resumed_from, triggered_by,
			started_at, finished_at, units_eligible, units_analyzed, units_cached, units_skipped, units_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failed_stage = excluded.failed_stage,
			error = excluded.error,
			resumed_from = excluded.resumed_from,
			finished_at = excluded.finished_at,
			units_eligible = excluded.units_eligible,
			units_analyzed = excluded.units_analyzed,
			units_cached = excluded.units_cached,
			units_skipped = excluded.units_skipped,
			units_failed = excluded.units_failed`,
		r.ID, r.Status, r.FailedStage, r.Error, boolToInt(r.DryRun), r.OrganizationID, r.ResumedFrom, r.TriggeredBy,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.UnitsEligible, r.UnitsAnalyzed, r.UnitsCached, r.UnitsSkipped, r.UnitsFailed,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}

	for i, st := range r.Stages {
		_, err := tx.Exec(`
			INSERT INTO run_stages (run_id, position, name, status, scopes, started_at, finished_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, position) DO UPDATE SET
				status = excluded.status,
				scopes = excluded.scopes,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at,
				error = excluded.error`,
			r.ID, i, st.Name, st.Status, st.Scopes, formatTime(st.StartedAt), formatTime(st.FinishedAt), st.Error,
		)
		if err != nil {
			return fmt.Errorf("saving stage %s of run %s: %w", st.Name, r.ID, err)
		}
	}

	for _, f := range r.Failures {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO run_unit_failures (run_id, unit_id, kind, error) VALUES (?, ?, ?, ?)`,
			r.ID, f.UnitID, f.Kind, f.Error); err != nil {
			return fmt.Errorf("saving failure of unit %s: %w", f.UnitID, err)
		}
	}

	return tx.Commit()
}

// GetRun loads a run with its stages and unit failures.
func (s *Store) GetRun(id string) (PipelineRun, error) {
	var r PipelineRun
	var dryRun int
	var startedAt, finishedAt string
	err := s.db.QueryRow(`
		SELECT id, status, failed_stage, error, dry_run, organization_id, resumed_from, triggered_by,
			started_at, finished_at, units_eligible, units_analyzed, units_cached, units_skipped, units_failed
		FROM pipeline_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Status, &r.FailedStage, &r.Error, &dryRun, &r.OrganizationID, &r.ResumedFrom, &r.TriggeredBy,
		&startedAt, &finishedAt, &r.UnitsEligible, &r.UnitsAnalyzed, &r.UnitsCached, &r.UnitsSkipped, &r.UnitsFailed)
	if err == sql.ErrNoRows {
		return PipelineRun{}, ErrNotFound
	}
	if err != nil {
		return PipelineRun{}, err
	}
	r.DryRun = dryRun == 1
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return PipelineRun{}, fmt.Errorf("parsing started_at for run %s: %w", id, err)
	}
	if r.FinishedAt, err = parseTime(finishedAt); err != nil {
		return PipelineRun{}, fmt.Errorf("parsing finished_at for run %s: %w", id, err)
	}

	stages, err := s.db.Query(`SELECT name, status, scopes, started_at, finished_at, error
		FROM run_stages WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("loading stages of run %s: %w", id, err)
	}
	for stages.Next() {
		var st StageRecord
		var sa, fa string
		if err := stages.Scan(&st.Name, &st.Status, &st.Scopes, &sa, &fa, &st.Error); err != nil {
			stages.Close()
			return PipelineRun{}, err
		}
		st.StartedAt, _ = parseTime(sa)
		st.FinishedAt, _ = parseTime(fa)
		r.Stages = append(r.Stages, st)
	}
	stages.Close()
	if err := stages.Err(); err != nil {
		return PipelineRun{}, err
	}

	failures, err := s.db.Query(`SELECT unit_id, kind, error FROM run_unit_failures WHERE run_id = ? ORDER BY unit_id`, id)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("loading failures of run %s: %w", id, err)
	}
	defer failures.Close()
	for failures.Next() {
		var f UnitFailure
		if err := failures.Scan(&f.UnitID, &f.Kind, &f.Error); err != nil {
			return PipelineRun{}, err
		}
		r.Failures = append(r.Failures, f)
	}
	return r, failures.Err()
}

// LatestRun returns the most recently started non-dry run with the given
// organization filter ("" for unfiltered runs).
func (s *Store) LatestRun(organizationID string) (PipelineRun, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM pipeline_runs
		WHERE dry_run = 0 AND organization_id = ?
		ORDER BY started_at DESC LIMIT 1`, organizationID).Scan(&id)
	if err == sql.ErrNoRows {
		return PipelineRun{}, ErrNotFound
	}
	if err != nil {
		return PipelineRun{}, err
	}
	return s.GetRun(id)
}

// ListRuns returns the most recent runs, newest first, without stage details.
func (s *Store) ListRuns(limit int) ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT id, status, failed_stage, dry_run, organization_id, started_at, finished_at
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		var r PipelineRun
		var dryRun int
		var sa, fa string
		if err := rows.Scan(&r.ID, &r.Status, &r.FailedStage, &dryRun, &r.OrganizationID, &sa, &fa); err != nil {
			return nil, err
		}
		r.DryRun = dryRun == 1
		r.StartedAt, _ = parseTime(sa)
		r.FinishedAt, _ = parseTime(fa)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
