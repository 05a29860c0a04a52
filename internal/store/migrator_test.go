package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrationsFreshDB(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	if err := runMigrations(ctx, db); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	var version int
	var name string
	if err := db.QueryRowContext(ctx,
		"SELECT version, name FROM durably_schema_versions ORDER BY version DESC LIMIT 1",
	).Scan(&version, &name); err != nil {
		t.Fatalf("query durably_schema_versions: %v", err)
	}
	if version != 1 || name != "init" {
		t.Fatalf("latest migration = (%d, %q), want (1, %q)", version, name, "init")
	}

	for _, table := range []string{"durably_runs", "durably_steps", "durably_logs", "durably_schema_versions"} {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&n); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	if err := runMigrations(ctx, db); err != nil {
		t.Fatalf("first runMigrations: %v", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		t.Fatalf("second runMigrations: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM durably_schema_versions").Scan(&count); err != nil {
		t.Fatalf("count durably_schema_versions: %v", err)
	}
	if count != 1 {
		t.Fatalf("durably_schema_versions rows = %d, want 1", count)
	}
}

func TestRunMigrationsExistingDB(t *testing.T) {
	t.Parallel()

	// Simulate a pre-migration DB with the runs table already present
	// (e.g. created by an older binary), carrying the key columns the
	// init migration's indexes reference. The IF NOT EXISTS DDL must be a
	// no-op and existing rows must survive.
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE durably_runs (
		id              TEXT PRIMARY KEY,
		job_name        TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		concurrency_key TEXT,
		created_at      TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create legacy durably_runs: %v", err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO durably_runs (id, job_name, status, payload, created_at) VALUES ('r1', 'echo', 'pending', '{}', datetime('now'))")
	if err != nil {
		t.Fatalf("insert legacy run: %v", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		t.Fatalf("runMigrations on existing DB: %v", err)
	}

	var jobName string
	if err := db.QueryRowContext(ctx, "SELECT job_name FROM durably_runs WHERE id='r1'").Scan(&jobName); err != nil {
		t.Fatalf("read run after migration: %v", err)
	}
	if jobName != "echo" {
		t.Fatalf("job_name = %q, want %q", jobName, "echo")
	}
}

func TestLoadMigrationsOrdering(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations found")
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].version <= migrations[i-1].version {
			t.Fatalf("migrations not sorted: version %d <= %d",
				migrations[i].version, migrations[i-1].version)
		}
	}
}

func TestParseMigrationFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input       string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"000001_init.sql", 1, "init", false},
		{"000042_add_column.sql", 42, "add_column", false},
		{"bad.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			version, name, err := parseMigrationFilename(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMigrationFilename(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil {
				if version != tt.wantVersion || name != tt.wantName {
					t.Fatalf("parseMigrationFilename(%q) = (%d, %q), want (%d, %q)",
						tt.input, version, name, tt.wantVersion, tt.wantName)
				}
			}
		})
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
