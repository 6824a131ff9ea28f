package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/otel"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety. A checksum
	// mismatch means the on-disk schema was produced by an incompatible
	// build and the process must not write to it.
	schemaVersionLatest  = 1
	schemaChecksumLatest = "af-v1-2026-08-queue-core"
)

// Task statuses. pending and retrying are the queue-eligible states;
// completed, failed and cancelled are terminal.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Worker statuses. offline is only ever set by the reaper.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// Session statuses.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusRetrying:  {},
		TaskStatusCancelled: {},
	},
	TaskStatusRetrying: {
		TaskStatusPending:    {},
		TaskStatusInProgress: {}, // Direct claim once the backoff elapses.
		TaskStatusCancelled:  {},
	},
	// Manual requeue is the only way out of a terminal state.
	TaskStatusFailed: {
		TaskStatusPending: {},
	},
	TaskStatusCancelled: {
		TaskStatusPending: {},
	},
}

// Sentinel errors forming the store's failure taxonomy. Callers branch with
// errors.Is; none of these leave partial state behind.
var (
	ErrNotFound          = errors.New("not found")
	ErrLeaseConflict     = errors.New("lease conflict: task is not owned by this worker")
	ErrCapacityExceeded  = errors.New("worker at max concurrency")
	ErrTerminalState     = errors.New("task is in a terminal state")
	ErrQueueSaturated    = errors.New("queue depth limit reached")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrWorkerUnavailable = errors.New("worker is offline")
)

// Task is the durable record of one unit of work. The endpoint descriptor,
// result, error details, metrics and metadata are opaque JSON blobs: the
// store persists and returns them verbatim and never inspects them.
type Task struct {
	ID                string          `json:"task_id"`
	SessionID         string          `json:"session_id"`
	Priority          int             `json:"priority"`
	Status            TaskStatus      `json:"status"`
	Endpoint          json.RawMessage `json:"endpoint"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	WorkerID          string          `json:"worker_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorType         string          `json:"error_type,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ErrorDetails      json.RawMessage `json:"error_details,omitempty"`
	Metrics           json.RawMessage `json:"metrics,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Session groups tasks for one end-to-end generation job. Config is
// immutable after creation; metadata is freely mutable.
type Session struct {
	ID        string          `json:"session_id"`
	Status    SessionStatus   `json:"status"`
	Config    json.RawMessage `json:"config"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Worker is a registered executor. CurrentTaskCount mirrors the number of
// in_progress tasks holding its ID; the store maintains that equality inside
// every assignment and outcome transaction.
type Worker struct {
	ID                 string          `json:"worker_id"`
	Name               string          `json:"name"`
	Type               string          `json:"worker_type"`
	Status             WorkerStatus    `json:"status"`
	Capabilities       json.RawMessage `json:"capabilities,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	CurrentTaskCount   int             `json:"current_task_count"`
	TotalCompleted     int64           `json:"total_completed"`
	TotalFailed        int64           `json:"total_failed"`
	AvgDurationSeconds float64         `json:"avg_duration_seconds"`
	RegisteredAt       time.Time       `json:"registered_at"`
	LastHeartbeat      time.Time       `json:"last_heartbeat"`
	LastCompletedAt    *time.Time      `json:"last_completed_at,omitempty"`
}

// Progress is the per-session counter row. It is updated in the same
// transaction as every task transition, so a committed read always matches
// the committed task states.
type Progress struct {
	SessionID            string     `json:"session_id"`
	TotalTasks           int64      `json:"total_tasks"`
	CompletedTasks       int64      `json:"completed_tasks"`
	FailedTasks          int64      `json:"failed_tasks"`
	ProcessingTasks      int64      `json:"processing_tasks"`
	PendingTasks         int64      `json:"pending_tasks"`
	SuccessRate          float64    `json:"success_rate"`
	AvgDurationSeconds   float64    `json:"avg_duration_seconds"`
	TotalDurationSeconds float64    `json:"total_duration_seconds"`
	PercentComplete      float64    `json:"percent_complete"`
	LastUpdate           *time.Time `json:"last_update,omitempty"`
}

// ErrorRecord is one immutable row in the append-only failure log.
type ErrorRecord struct {
	ErrorID     int64           `json:"error_id"`
	TaskID      string          `json:"task_id"`
	SessionID   string          `json:"session_id"`
	ErrorType   string          `json:"error_type"`
	Message     string          `json:"error_message"`
	Details     json.RawMessage `json:"error_details,omitempty"`
	Recoverable bool            `json:"recoverable"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store owns the single SQLite handle. All compound operations run as one
// transaction guarded by status checks, so concurrent callers can never
// observe or produce a half-applied transition.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus      // may be nil in tests
	metrics *otel.Metrics // may be nil; instruments record at commit points

	// maxQueueDepth bounds pending+retrying tasks; 0 means unlimited.
	maxQueueDepth int
	// retryMaxDelaySeconds caps the exponential backoff.
	retryMaxDelaySeconds int
}

// Options tune store behavior; zero values fall back to defaults.
type Options struct {
	Bus                  *bus.Bus
	Metrics              *otel.Metrics
	MaxQueueDepth        int
	RetryMaxDelaySeconds int
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".apiforge", "queue.db")
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if opts.RetryMaxDelaySeconds <= 0 {
		opts.RetryMaxDelaySeconds = 300
	}

	store := &Store{
		db:                   db,
		bus:                  opts.Bus,
		metrics:              opts.Metrics,
		maxQueueDepth:        opts.MaxQueueDepth,
		retryMaxDelaySeconds: opts.RetryMaxDelaySeconds,
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'completed', 'failed', 'cancelled')),
			config JSON NOT NULL DEFAULT '{}',
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 3 CHECK(priority BETWEEN 1 AND 5),
			status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed', 'retrying', 'cancelled')),
			endpoint JSON NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_delay_seconds INTEGER NOT NULL DEFAULT 5,
			worker_id TEXT,
			result JSON,
			error_type TEXT,
			error_message TEXT,
			error_details JSON,
			metrics JSON,
			metadata JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			assigned_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			scheduled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			worker_type TEXT NOT NULL DEFAULT 'general',
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'busy', 'offline', 'error')),
			capabilities JSON NOT NULL DEFAULT '[]',
			max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
			current_task_count INTEGER NOT NULL DEFAULT 0,
			total_completed INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			avg_duration_seconds REAL NOT NULL DEFAULT 0,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS progress (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			total_tasks INTEGER NOT NULL DEFAULT 0,
			completed_tasks INTEGER NOT NULL DEFAULT 0,
			failed_tasks INTEGER NOT NULL DEFAULT 0,
			processing_tasks INTEGER NOT NULL DEFAULT 0,
			pending_tasks INTEGER NOT NULL DEFAULT 0,
			avg_duration_seconds REAL NOT NULL DEFAULT 0,
			total_duration_seconds REAL NOT NULL DEFAULT 0,
			last_update DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_errors (
			error_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			error_details JSON,
			recoverable INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON task_queue(priority, scheduled_at, task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_session ON task_queue(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(status, last_heartbeat);`,
		`CREATE INDEX IF NOT EXISTS idx_errors_session ON task_errors(session_id, error_id);`,
		`CREATE INDEX IF NOT EXISTS idx_errors_task ON task_errors(task_id, error_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func isTerminal(status TaskStatus) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

const taskColumns = `id, session_id, priority, status, endpoint,
	retry_count, max_retries, retry_delay_seconds,
	worker_id, result, error_type, error_message, error_details, metrics, metadata,
	created_at, updated_at, assigned_at, started_at, completed_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		workerID     sql.NullString
		result       sql.NullString
		errorType    sql.NullString
		errorMessage sql.NullString
		errorDetails sql.NullString
		metrics      sql.NullString
		metadata     sql.NullString
		endpoint     string
		assignedAt   sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.SessionID,
		&task.Priority,
		&task.Status,
		&endpoint,
		&task.RetryCount,
		&task.MaxRetries,
		&task.RetryDelaySeconds,
		&workerID,
		&result,
		&errorType,
		&errorMessage,
		&errorDetails,
		&metrics,
		&metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
		&assignedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return err
	}
	task.Endpoint = json.RawMessage(endpoint)
	task.WorkerID = workerID.String
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.ErrorType = errorType.String
	task.ErrorMessage = errorMessage.String
	if errorDetails.Valid {
		task.ErrorDetails = json.RawMessage(errorDetails.String)
	}
	if metrics.Valid {
		task.Metrics = json.RawMessage(metrics.String)
	}
	if metadata.Valid {
		task.Metadata = json.RawMessage(metadata.String)
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		task.AssignedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

// transitionTaskTx applies a status-guarded UPDATE. It returns false when
// the task is missing, not in one of allowedFrom, or lost a race to another
// transaction; in all three cases nothing was mutated.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
) (from TaskStatus, sessionID string, ok bool, err error) {
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&from, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, from) {
		return from, sessionID, false, nil
	}
	if !canTransition(from, to) {
		return from, sessionID, false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, from)
	if err != nil {
		return from, sessionID, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return from, sessionID, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return from, sessionID, false, nil
	}
	return from, sessionID, true, nil
}
