package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the sole owner of SQL against the durably_runs, durably_steps,
// and durably_logs tables. All mutations are transactions; claims and state
// transitions use BEGIN IMMEDIATE semantics so two workers polling the same
// database file cannot double-claim a Run.
type Store struct {
	db     *sql.DB
	dbPath string
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// _txlock=immediate makes every BeginTx acquire SQLite's RESERVED lock
	// up front, so a claim/transition transaction from another process
	// waits (up to busy_timeout) at BEGIN instead of failing on a later
	// read-to-write lock upgrade.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limit the pool to a
	// single connection so all access is serialized at the Go level,
	// preventing SQLITE_BUSY errors from concurrent goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Migrate re-runs the migration set. Safe to call repeatedly; idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}
