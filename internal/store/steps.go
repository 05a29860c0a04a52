package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"durably/internal/errkind"
)

// FindStep looks up a previously persisted step by (run_id, name). Called
// on every step.run invocation to decide replay vs. execution.
func (s *Store) FindStep(ctx context.Context, runID, name string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, name, step_index, status, output, error, started_at, completed_at
		 FROM durably_steps WHERE run_id = ? AND name = ?`,
		runID, name,
	)
	var st Step
	var output, errMsg sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Index, &st.Status, &output, &errMsg, &st.StartedAt, &st.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("find step: %w", err))
	}
	if output.Valid {
		st.Output = []byte(output.String)
	}
	st.Error = errMsg.String
	return &st, nil
}

// ListSteps returns every persisted step for a run, ordered by completion
// index, for building the replay snapshot at executor startup.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, step_index, status, output, error, started_at, completed_at
		 FROM durably_steps WHERE run_id = ? ORDER BY step_index ASC`,
		runID,
	)
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("list steps: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		var st Step
		var output, errMsg sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &st.Index, &st.Status, &output, &errMsg, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, newError(errkind.TransientStorage, fmt.Errorf("scan step: %w", err))
		}
		if output.Valid {
			st.Output = []byte(output.String)
		}
		st.Error = errMsg.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// InsertStep persists a single step outcome and bumps the parent run's
// cached step_count. Steps are append-only: once written, a row for
// (run_id, name) is never updated.
func (s *Store) InsertStep(ctx context.Context, runID, name string, index int, status StepStatus, output []byte, errMsg string, started, completed time.Time) (Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Step{}, newError(errkind.TransientStorage, fmt.Errorf("begin insert step tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var outputArg, errArg any
	if output != nil {
		outputArg = output
	}
	if errMsg != "" {
		errArg = errMsg
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO durably_steps (run_id, name, step_index, status, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, name, index, status, outputArg, errArg, started, completed,
	)
	if err != nil {
		return Step{}, newError(errkind.TransientStorage, fmt.Errorf("insert step: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Step{}, newError(errkind.TransientStorage, fmt.Errorf("insert step id: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE durably_runs SET step_count = step_count + 1 WHERE id = ?",
		runID,
	); err != nil {
		return Step{}, newError(errkind.TransientStorage, fmt.Errorf("bump step_count: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Step{}, newError(errkind.TransientStorage, fmt.Errorf("commit insert step: %w", err))
	}

	return Step{
		ID: id, RunID: runID, Name: name, Index: index, Status: status,
		Output: output, Error: errMsg, StartedAt: started, CompletedAt: completed,
	}, nil
}
