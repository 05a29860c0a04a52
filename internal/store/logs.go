package store

import (
	"context"
	"database/sql"
	"fmt"

	"durably/internal/errkind"
)

// InsertLog persists a single structured log event. Core emission does
// not require persistence (§4D); callers that enable log persistence use
// this as an optional observer, not on the hot path of step.run.
func (s *Store) InsertLog(ctx context.Context, runID, stepName string, level LogLevel, message string, data []byte, sequence int64) error {
	var stepArg, dataArg any
	if stepName != "" {
		stepArg = stepName
	}
	if data != nil {
		dataArg = data
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO durably_logs (run_id, step_name, level, message, data, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
		runID, stepArg, level, message, dataArg, sequence,
	)
	if err != nil {
		return newError(errkind.TransientStorage, fmt.Errorf("insert log: %w", err))
	}
	return nil
}

// ListLogs returns every persisted log for a run, oldest first.
func (s *Store) ListLogs(ctx context.Context, runID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, level, message, data, sequence, created_at
		 FROM durably_logs WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, newError(errkind.TransientStorage, fmt.Errorf("list logs: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var stepName sql.NullString
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepName, &e.Level, &e.Message, &data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, newError(errkind.TransientStorage, fmt.Errorf("scan log: %w", err))
		}
		e.StepName = stepName.String
		if data.Valid {
			e.Data = []byte(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
