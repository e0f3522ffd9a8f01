package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// defaultMaxAttempts applies when a job is enqueued without its own limit.
const defaultMaxAttempts = 3

// maxBackoff caps the retry delay of a failing job.
const maxBackoff = 10 * time.Minute

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job. A zero RunAfter makes it claimable now.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, formatTime(job.RunAfter), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob moves the oldest due pending job of one of the given types to
// running and returns it, or nil when nothing is due. The select and the
// status change happen in one statement so two workers never claim the same
// row.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())
	args := []any{now, now}
	for _, t := range types {
		args = append(args, t)
	}

	j, err := scanJob(s.db.QueryRow(`UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (`+placeholders(len(types))+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job done. A non-empty note is kept in last_error so
// analysis failures that are left to the next scheduled run stay visible.
func (s *Store) CompleteJob(id string, note string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', last_error = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		note, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential delay until it has used max_attempts, then stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	now := time.Now()
	status, runAfter := "pending", now.Add(retryBackoff(attempts))
	if attempts >= maxAttempts {
		status, runAfter = "failed", now
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueStaleJobs returns jobs stuck in running since before the cutoff to
// pending. A worker that died mid-job leaves such rows behind.
func (s *Store) RequeueStaleJobs(types []string, before time.Time) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := []any{formatTime(time.Now()), formatTime(before)}
	for _, t := range types {
		args = append(args, t)
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE status = 'running' AND updated_at < ? AND type IN (`+placeholders(len(types))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// retryBackoff is 2^attempt seconds, capped at maxBackoff.
func retryBackoff(attempt int) time.Duration {
	if attempt >= 10 {
		return maxBackoff
	}
	return min(time.Second<<attempt, maxBackoff)
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := r.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
