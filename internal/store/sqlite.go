package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/inbox-triage/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetProperty reads a single property.
func (s *SQLiteStore) GetProperty(
	ctx context.Context,
	key string,
) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM properties WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting property %s: %w", key, err)
	}
	return value, true, nil
}

// SetProperty inserts or replaces a property in a single statement.
func (s *SQLiteStore) SetProperty(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO properties (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting property %s: %w", key, err)
	}
	return nil
}

// DeleteProperty removes a property. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteProperty(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM properties WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting property %s: %w", key, err)
	}
	return nil
}

// RecordRun inserts or replaces a finished run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run model.RunRecord) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshaling summary for run %s: %w", run.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, status, scan_type, invocations, started_at, finished_at, summary
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.ScanType, run.Invocations,
		run.StartedAt.UTC(), run.FinishedAt.UTC(), string(summary),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(
	ctx context.Context,
	limit int,
) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, status, scan_type, invocations, started_at, finished_at, summary
		FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// scanRun scans a run row from a sqlx.Rows result set.
func scanRun(rows *sqlx.Rows) (model.RunRecord, error) {
	var (
		run     model.RunRecord
		status  string
		summary string
	)

	err := rows.Scan(
		&run.ID, &status, &run.ScanType, &run.Invocations,
		&run.StartedAt, &run.FinishedAt, &summary,
	)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("scanning run row: %w", err)
	}

	run.Status = model.RunStatus(status)
	if summary != "" {
		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return model.RunRecord{}, fmt.Errorf("unmarshaling run summary: %w", err)
		}
	}

	return run, nil
}
