package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"durably/internal/errkind"
)

// InsertRun creates a new pending Run. If opts.IdempotencyKey is set and
// already used by job_name, the existing Run is returned instead and no
// row is inserted.
func (s *Store) InsertRun(ctx context.Context, id, jobName string, payload []byte, opts InsertRunOptions) (Run, error) {
	if opts.IdempotencyKey != "" {
		existing, err := s.findRunByIdempotencyKey(ctx, jobName, opts.IdempotencyKey)
		if err != nil {
			return Run{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	var idempotencyKey, concurrencyKey any
	if opts.IdempotencyKey != "" {
		idempotencyKey = opts.IdempotencyKey
	}
	if opts.ConcurrencyKey != "" {
		concurrencyKey = opts.ConcurrencyKey
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO durably_runs (id, job_name, status, payload, idempotency_key, concurrency_key, created_at)
		 VALUES (?, ?, 'pending', ?, ?, ?, datetime('now'))`,
		id, jobName, payload, idempotencyKey, concurrencyKey,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			// Lost a race against a concurrent insert with the same
			// idempotency key; re-read the winner.
			existing, findErr := s.findRunByIdempotencyKey(ctx, jobName, opts.IdempotencyKey)
			if findErr == nil && existing != nil {
				return *existing, nil
			}
		}
		return Run{}, newError(errkind.TransientStorage, fmt.Errorf("insert run: %w", err))
	}

	return s.GetRun(ctx, id)
}

// NewRunInput is one item of a BatchInsertRuns call.
type NewRunInput struct {
	ID      string
	JobName string
	Payload []byte
	Opts    InsertRunOptions
}

// BatchInsertRuns inserts every item in a single transaction, applying the
// same idempotency-key dedup rule as InsertRun per item. Used by the
// façade's batchTrigger so a caller's batch either all lands or none does.
func (s *Store) BatchInsertRuns(ctx context.Context, items []NewRunInput) ([]Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("begin batch insert tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Run, 0, len(items))
	for _, item := range items {
		run, err := s.insertRunTx(ctx, tx, item.ID, item.JobName, item.Payload, item.Opts)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}

	if err := tx.Commit(); err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("commit batch insert: %w", err))
	}
	return out, nil
}

func (s *Store) insertRunTx(ctx context.Context, tx *sql.Tx, id, jobName string, payload []byte, opts InsertRunOptions) (Run, error) {
	if opts.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx,
			"SELECT "+runColumns+" FROM durably_runs WHERE job_name = ? AND idempotency_key = ?",
			jobName, opts.IdempotencyKey,
		)
		if existing, err := scanRun(row); err == nil {
			return existing, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Run{}, newError(errkind.TransientStorage, fmt.Errorf("find run by idempotency key: %w", err))
		}
	}

	var idempotencyKey, concurrencyKey any
	if opts.IdempotencyKey != "" {
		idempotencyKey = opts.IdempotencyKey
	}
	if opts.ConcurrencyKey != "" {
		concurrencyKey = opts.ConcurrencyKey
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO durably_runs (id, job_name, status, payload, idempotency_key, concurrency_key, created_at)
		 VALUES (?, ?, 'pending', ?, ?, ?, datetime('now'))`,
		id, jobName, payload, idempotencyKey, concurrencyKey,
	); err != nil {
		return Run{}, newError(errkind.TransientStorage, fmt.Errorf("insert run: %w", err))
	}

	row := tx.QueryRowContext(ctx, "SELECT "+runColumns+" FROM durably_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		return Run{}, newError(errkind.TransientStorage, fmt.Errorf("read inserted run: %w", err))
	}
	return run, nil
}

func (s *Store) findRunByIdempotencyKey(ctx context.Context, jobName, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM durably_runs WHERE job_name = ? AND idempotency_key = ?",
		jobName, key,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("find run by idempotency key: %w", err))
	}
	return &run, nil
}

// ClaimNextPending atomically selects one pending, unblocked Run and
// transitions it to running. Returns (Run{}, false, nil) if none is
// eligible. The select-then-update pair runs inside a single BEGIN
// IMMEDIATE transaction so concurrent workers cannot double-claim a row.
func (s *Store) ClaimNextPending(ctx context.Context) (Run, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, false, newError(errkind.TransientStorage, fmt.Errorf("begin claim tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM durably_runs
		 WHERE status = 'pending'
		   AND (concurrency_key IS NULL OR NOT EXISTS (
		       SELECT 1 FROM durably_runs r2
		       WHERE r2.concurrency_key = durably_runs.concurrency_key
		         AND r2.status = 'running'
		   ))
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, newError(errkind.TransientStorage, fmt.Errorf("select claimable run: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE durably_runs SET status = 'running', started_at = datetime('now'), heartbeat_at = datetime('now')
		 WHERE id = ?`,
		run.ID,
	); err != nil {
		return Run{}, false, newError(errkind.TransientStorage, fmt.Errorf("claim run: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Run{}, false, newError(errkind.TransientStorage, fmt.Errorf("commit claim: %w", err))
	}

	claimed, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return Run{}, false, err
	}
	return claimed, true, nil
}

// Heartbeat updates heartbeat_at for a running Run and reports whether the
// row was still running (used by the worker to detect cancellation).
func (s *Store) Heartbeat(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE durably_runs SET heartbeat_at = datetime('now') WHERE id = ? AND status = 'running'",
		runID,
	)
	if err != nil {
		return false, newError(errkind.TransientStorage, fmt.Errorf("heartbeat: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newError(errkind.TransientStorage, fmt.Errorf("heartbeat rows affected: %w", err))
	}
	return n > 0, nil
}

// RecoverStale resets any Run stuck in running with a heartbeat older than
// staleThreshold back to pending, clearing started_at/heartbeat_at. It
// runs once per polling cycle, before ClaimNextPending.
//
// The cutoff is computed by SQLite itself via datetime('now', modifier)
// rather than formatted in Go: heartbeat_at is always written with
// datetime('now') (ClaimNextPending, Heartbeat), which yields SQLite's
// "YYYY-MM-DD HH:MM:SS" layout. Comparing that against a Go
// time.Format'd value risks a format mismatch that silently breaks the
// byte-wise TEXT comparison; computing both sides in SQL keeps them in
// the same representation by construction.
func (s *Store) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	modifier := fmt.Sprintf("-%.3f seconds", staleThreshold.Seconds())
	res, err := s.db.ExecContext(ctx,
		`UPDATE durably_runs
		 SET status = 'pending', started_at = NULL, heartbeat_at = NULL
		 WHERE status = 'running' AND heartbeat_at < datetime('now', ?)`,
		modifier,
	)
	if err != nil {
		return 0, newError(errkind.TransientStorage, fmt.Errorf("recover stale: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newError(errkind.TransientStorage, fmt.Errorf("recover stale rows affected: %w", err))
	}
	return int(n), nil
}

// CompleteRun guards the running->completed transition.
func (s *Store) CompleteRun(ctx context.Context, runID string, output []byte) error {
	return s.transitionTerminal(ctx, runID,
		"UPDATE durably_runs SET status = 'completed', output = ?, completed_at = datetime('now') WHERE id = ? AND status = 'running'",
		output, runID,
	)
}

// FailRun guards the running->failed transition.
func (s *Store) FailRun(ctx context.Context, runID string, errMsg string) error {
	return s.transitionTerminal(ctx, runID,
		"UPDATE durably_runs SET status = 'failed', error = ?, completed_at = datetime('now') WHERE id = ? AND status = 'running'",
		errMsg, runID,
	)
}

// CancelRun guards the pending|running->cancelled transition.
func (s *Store) CancelRun(ctx context.Context, runID string) error {
	return s.transitionTerminal(ctx, runID,
		"UPDATE durably_runs SET status = 'cancelled', completed_at = datetime('now') WHERE id = ? AND status IN ('pending', 'running')",
		runID,
	)
}

func (s *Store) transitionTerminal(ctx context.Context, runID string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("transition run: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("transition rows affected: %w", err))
	}
	if n == 0 {
		run, getErr := s.GetRun(ctx, runID)
		if getErr != nil {
			return getErr
		}
		return newError(errkind.InvalidTransition, fmt.Errorf("run %s is %s", runID, run.Status))
	}
	return nil
}

// RetryRun requires status failed|cancelled and transitions back to
// pending, clearing error. Completed steps survive and make replay
// meaningful; failed step rows are removed so those steps run again.
func (s *Store) RetryRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM durably_steps WHERE run_id = ? AND status = 'failed'
		 AND EXISTS (SELECT 1 FROM durably_runs WHERE id = ? AND status IN ('failed', 'cancelled'))`,
		runID, runID,
	); err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("retry run: clear failed steps: %w", err))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE durably_runs SET status = 'pending', error = NULL, started_at = NULL, completed_at = NULL, heartbeat_at = NULL,
		     step_count = (SELECT COUNT(*) FROM durably_steps WHERE run_id = durably_runs.id)
		 WHERE id = ? AND status IN ('failed', 'cancelled')`,
		runID,
	)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("retry run: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("retry rows affected: %w", err))
	}
	if n == 0 {
		run, getErr := s.GetRun(ctx, runID)
		if getErr != nil {
			return getErr
		}
		return newError(errkind.InvalidTransition, fmt.Errorf("run %s is %s, not failed or cancelled", runID, run.Status))
	}
	return nil
}

// DeleteRun requires a terminal status and cascades to steps and logs.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusCompleted && run.Status != StatusFailed && run.Status != StatusCancelled {
		return newError(errkind.InvalidTransition, fmt.Errorf("run %s is %s, not terminal", runID, run.Status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("begin delete tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM durably_logs WHERE run_id = ?",
		"DELETE FROM durably_steps WHERE run_id = ?",
		"DELETE FROM durably_runs WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return newError(errkind.TransientStorage, fmt.Errorf("delete run cascade: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("commit delete: %w", err))
	}
	return nil
}

// UpdateProgress is a best-effort write, not transactional with step
// writes, matching the source's documented behavior (§9 open questions).
func (s *Store) UpdateProgress(ctx context.Context, runID string, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("marshal progress: %w", err))
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE durably_runs SET progress = ? WHERE id = ?",
		data, runID,
	)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("update progress: %w", err))
	}
	return nil
}

// GetRun reads a single Run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM durably_runs WHERE id = ?", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, newError(errkind.RunNotFound, fmt.Errorf("run %s not found", runID))
	}
	if err != nil {
		return Run{}, newError(errkind.TransientStorage, fmt.Errorf("get run: %w", err))
	}
	return run, nil
}

// GetRuns lists runs matching filter, ordered created_at DESC, id DESC for
// stable pagination.
func (s *Store) GetRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM durably_runs WHERE 1=1"
	var args []any
	if filter.JobName != "" {
		query += " AND job_name = ?"
		args = append(args, filter.JobName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("get runs: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, newError(errkind.TransientStorage, fmt.Errorf("scan run: %w", err))
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const runColumns = `id, job_name, status, payload, output, error, idempotency_key, concurrency_key,
	progress, step_count, heartbeat_at, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	return scanRunInto(row)
}

func scanRunRows(rows *sql.Rows) (Run, error) {
	return scanRunInto(rows)
}

func scanRunInto(row rowScanner) (Run, error) {
	var r Run
	var output, errMsg, idempotencyKey, concurrencyKey, progressJSON sql.NullString
	var heartbeatAt, startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&r.ID, &r.JobName, &r.Status, &r.Payload, &output, &errMsg,
		&idempotencyKey, &concurrencyKey, &progressJSON, &r.StepCount,
		&heartbeatAt, &r.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return Run{}, err
	}

	if output.Valid {
		r.Output = []byte(output.String)
	}
	r.Error = errMsg.String
	r.IdempotencyKey = idempotencyKey.String
	r.ConcurrencyKey = concurrencyKey.String
	if progressJSON.Valid && progressJSON.String != "" {
		var p Progress
		if err := json.Unmarshal([]byte(progressJSON.String), &p); err == nil {
			r.Progress = &p
		}
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		r.HeartbeatAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
