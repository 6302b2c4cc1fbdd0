package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueTask adds a retry task to the queue. A zero RunAfter means
// immediately eligible; a zero MaxAttempts defaults to 3.
func (s *Store) EnqueueTask(t RetryTask) error {
	now := fmtTime(time.Now())
	runAfter := now
	if !t.RunAfter.IsZero() {
		runAfter = fmtTime(t.RunAfter)
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO retry_tasks (id, kind, payload_json, status, attempts, max_attempts, run_after, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, '', ?, ?)`,
		t.ID, t.Kind, t.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimDueTask atomically claims the oldest due pending task of any of the
// given kinds, marking it running. Returns nil when nothing is due.
// Permanently failed tasks never match the scan.
func (s *Store) ClaimDueTask(kinds []string) (*RetryTask, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	now := fmtTime(time.Now())
	placeholders := strings.Repeat(",?", len(kinds)-1)
	query := `SELECT id, kind, payload_json, status, attempts, max_attempts, run_after, last_error, created_at, updated_at
		FROM retry_tasks
		WHERE status = 'pending' AND run_after <= ? AND kind IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(kinds)+1)
	args = append(args, now)
	for _, k := range kinds {
		args = append(args, k)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var t RetryTask
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&t.ID, &t.Kind, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &lastError, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting due task: %w", err)
	}

	res, err := tx.Exec(`UPDATE retry_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TaskRunning
	t.LastError = lastError.String
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	t.UpdatedAt = time.Now().UTC()
	return &t, nil
}

// CompleteTask marks a task succeeded.
func (s *Store) CompleteTask(id string) error {
	res, err := s.db.Exec(`UPDATE retry_tasks SET status = 'succeeded', updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. The attempt count only ever grows; below
// the maximum the task returns to pending with exponential backoff, at the
// maximum it becomes failed_permanent and leaves the scan set for good.
func (s *Store) FailTask(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM retry_tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE retry_tasks SET status = 'failed_permanent', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, fmtTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE retry_tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, fmtTime(runAfter), fmtTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask returns a single task by ID, including permanently failed ones.
func (s *Store) GetTask(id string) (RetryTask, error) {
	var t RetryTask
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, kind, payload_json, status, attempts, max_attempts, run_after, last_error, created_at, updated_at
		FROM retry_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Kind, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts, &runAfter, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return RetryTask{}, ErrNotFound
	}
	if err != nil {
		return RetryTask{}, err
	}
	t.LastError = lastError.String
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return RetryTask{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return RetryTask{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RetryTask{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

// TasksByStatus lists tasks in the given status, for inspection endpoints.
func (s *Store) TasksByStatus(status string, limit int) ([]RetryTask, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, payload_json, status, attempts, max_attempts, run_after, last_error, created_at, updated_at
		FROM retry_tasks WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetryTask
	for rows.Next() {
		var t RetryTask
		var runAfter, createdAt, updatedAt string
		var lastError sql.NullString
		if err := rows.Scan(&t.ID, &t.Kind, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts, &runAfter, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.LastError = lastError.String
		if t.RunAfter, err = parseTime(runAfter); err != nil {
			return nil, fmt.Errorf("parsing run_after: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- Scheduler runs ---

// RecordSchedulerRun upserts the latest run outcome for a job kind.
func (s *Store) RecordSchedulerRun(r SchedulerRun) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduler_runs (kind, last_run_at, last_error, processed, failed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_error = excluded.last_error,
			processed = excluded.processed,
			failed = excluded.failed`,
		r.Kind, fmtTime(time.Now()), r.LastError, r.Processed, r.Failed,
	)
	return err
}

// SchedulerRuns returns the recorded last run per job kind.
func (s *Store) SchedulerRuns() ([]SchedulerRun, error) {
	rows, err := s.db.Query(`SELECT kind, last_run_at, last_error, processed, failed FROM scheduler_runs ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SchedulerRun
	for rows.Next() {
		var r SchedulerRun
		var lastRun string
		if err := rows.Scan(&r.Kind, &lastRun, &r.LastError, &r.Processed, &r.Failed); err != nil {
			return nil, err
		}
		if r.LastRunAt, err = parseTime(lastRun); err != nil {
			return nil, fmt.Errorf("parsing last_run_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
