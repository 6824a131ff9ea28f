package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreOpts(t, Options{})
}

func openTestStoreOpts(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestSession(t *testing.T, store *Store) string {
	t.Helper()
	sess, err := store.CreateSession(context.Background(), json.RawMessage(`{"spec":"petstore"}`), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess.ID
}

func registerTestWorker(t *testing.T, store *Store, name string, maxTasks int) string {
	t.Helper()
	w, err := store.RegisterWorker(context.Background(), WorkerSpec{
		Name:               name,
		MaxConcurrentTasks: maxTasks,
	})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return w.ID
}

func enqueueTestTask(t *testing.T, store *Store, sessionID string, priority int) *Task {
	t.Helper()
	task, err := store.EnqueueTask(context.Background(), EnqueueSpec{
		SessionID: sessionID,
		Priority:  priority,
		Endpoint:  json.RawMessage(`{"path":"/pets","method":"GET"}`),
	}, EnqueueDefaults{})
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	return task
}

func TestOpen_CreatesSchema(t *testing.T) {
	store := openTestStore(t)

	var version int
	if err := store.db.QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != schemaVersionLatest {
		t.Fatalf("schema version = %d, want %d", version, schemaVersionLatest)
	}

	for _, table := range []string{"sessions", "tasks", "task_queue", "workers", "progress", "task_errors"} {
		var count int
		if err := store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&count); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	sessionID := createTestSession(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	if _, err := store.GetSession(context.Background(), sessionID); err != nil {
		t.Fatalf("session lost across reopen: %v", err)
	}
}

func TestOpen_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestOpen_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := store.db.Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("expected newer-schema rejection")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusFailed, true},
		{TaskStatusInProgress, TaskStatusRetrying, true},
		{TaskStatusRetrying, TaskStatusInProgress, true},
		{TaskStatusRetrying, TaskStatusPending, true},
		{TaskStatusCompleted, TaskStatusInProgress, false},
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusFailed, TaskStatusPending, true},
		{TaskStatusCancelled, TaskStatusPending, true},
		{TaskStatusCancelled, TaskStatusInProgress, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBackoffDelaySeconds(t *testing.T) {
	tests := []struct {
		base, retry, max int
		want             int
	}{
		{5, 1, 300, 5},
		{5, 2, 300, 10},
		{5, 3, 300, 20},
		{5, 7, 300, 300},
		{60, 4, 300, 300},
		{0, 1, 300, 0},
	}
	for _, tt := range tests {
		if got := backoffDelaySeconds(tt.base, tt.retry, tt.max); got != tt.want {
			t.Errorf("backoffDelaySeconds(%d, %d, %d) = %d, want %d", tt.base, tt.retry, tt.max, got, tt.want)
		}
	}
}
