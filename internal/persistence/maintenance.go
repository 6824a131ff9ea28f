package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Health is the doctor-facing snapshot of store state.
type Health struct {
	OK            bool      `json:"ok"`
	SchemaVersion int       `json:"schema_version"`
	Integrity     string    `json:"integrity"`
	Sessions      int64     `json:"sessions"`
	Tasks         int64     `json:"tasks"`
	QueueDepth    int64     `json:"queue_depth"`
	Workers       int64     `json:"workers"`
	ErrorRecords  int64     `json:"error_records"`
	DBSizeBytes   int64     `json:"db_size_bytes"`
	CheckedAt     time.Time `json:"checked_at"`
}

// HealthCheck runs a quick integrity check and gathers row counts.
func (s *Store) HealthCheck(ctx context.Context) (*Health, error) {
	h := &Health{CheckedAt: time.Now().UTC()}

	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&h.Integrity); err != nil {
		return nil, fmt.Errorf("health: quick_check: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&h.SchemaVersion); err != nil {
		return nil, fmt.Errorf("health: schema version: %w", err)
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM sessions;`, &h.Sessions},
		{`SELECT COUNT(*) FROM tasks;`, &h.Tasks},
		{`SELECT COUNT(*) FROM task_queue;`, &h.QueueDepth},
		{`SELECT COUNT(*) FROM workers;`, &h.Workers},
		{`SELECT COUNT(*) FROM task_errors;`, &h.ErrorRecords},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("health: count: %w", err)
		}
	}

	// page_count * page_size tracks the live database regardless of WAL state.
	if err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT * FROM pragma_page_count()) * (SELECT * FROM pragma_page_size());`,
	).Scan(&h.DBSizeBytes); err != nil {
		return nil, fmt.Errorf("health: db size: %w", err)
	}

	h.OK = h.Integrity == "ok" && h.SchemaVersion == schemaVersionLatest
	return h, nil
}

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup: destination path is required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup: destination %s already exists", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("backup: create destination directory: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
			return fmt.Errorf("backup: vacuum into: %w", err)
		}
		return nil
	})
}

// Optimize checkpoints the WAL and reruns the query planner statistics.
// Intended for the maintenance scheduler's quiet-hours slot.
func (s *Store) Optimize(ctx context.Context) error {
	statements := []string{
		`PRAGMA wal_checkpoint(TRUNCATE);`,
		`ANALYZE;`,
		`PRAGMA optimize;`,
	}
	for _, stmt := range statements {
		if err := retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("optimize: %s: %w", stmt, err)
		}
	}
	return nil
}
