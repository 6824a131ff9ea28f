package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestCreateSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	config := json.RawMessage(`{"spec_url":"https://example.com/openapi.json"}`)
	sess, err := store.CreateSession(ctx, config, json.RawMessage(`{"owner":"ci"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != SessionStatusActive {
		t.Fatalf("status = %s, want active", sess.Status)
	}
	if string(sess.Config) != string(config) {
		t.Fatalf("config = %s, want stored verbatim", sess.Config)
	}

	// The zeroed progress row exists immediately.
	p, err := store.GetProgress(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.TotalTasks != 0 {
		t.Fatalf("total_tasks = %d, want 0", p.TotalTasks)
	}
}

func TestCreateSession_InvalidConfig(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CreateSession(context.Background(), json.RawMessage(`{broken`), nil); err == nil {
		t.Fatal("expected invalid config rejection")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionMetadata(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	updated, err := store.UpdateSessionMetadata(ctx, sessionID, json.RawMessage(`{"label":"nightly"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if string(updated.Metadata) != `{"label":"nightly"}` {
		t.Fatalf("metadata = %s", updated.Metadata)
	}

	if _, err := store.UpdateSessionMetadata(ctx, "missing", json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestTransitionSession_TerminalIsFinal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	if _, err := store.TransitionSession(ctx, sessionID, SessionStatusCompleted); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	if _, err := store.TransitionSession(ctx, sessionID, SessionStatusFailed); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("error = %v, want ErrTerminalState", err)
	}
}

func TestCancelSession_CancelsLiveTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)
	workerID := registerTestWorker(t, store, "w1", 1)

	running := enqueueTestTask(t, store, sessionID, 1)
	queued := enqueueTestTask(t, store, sessionID, 3)
	done := enqueueTestTask(t, store, sessionID, 2)

	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, workerID, running.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("claim 2: %v", err)
	}

	cancelled, err := store.CancelSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", cancelled)
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != SessionStatusCancelled {
		t.Fatalf("session status = %s, want cancelled", sess.Status)
	}

	for _, tc := range []struct {
		id   string
		want TaskStatus
	}{
		{running.ID, TaskStatusCompleted},
		{queued.ID, TaskStatusCancelled},
		{done.ID, TaskStatusCancelled},
	} {
		task, err := store.GetTask(ctx, tc.id)
		if err != nil {
			t.Fatalf("get task %s: %v", tc.id, err)
		}
		if task.Status != tc.want {
			t.Fatalf("task %s status = %s, want %s", tc.id, task.Status, tc.want)
		}
	}

	// Enqueueing into a cancelled session is refused.
	if _, err := store.EnqueueTask(ctx, EnqueueSpec{
		SessionID: sessionID,
		Endpoint:  json.RawMessage(`{}`),
	}, EnqueueDefaults{}); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("enqueue error = %v, want ErrSessionNotActive", err)
	}

	// The in-flight task's worker slot is free again.
	w, err := store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.CurrentTaskCount != 0 {
		t.Fatalf("worker task count = %d, want 0", w.CurrentTaskCount)
	}
}

func TestDeleteSession_Cascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)
	workerID := registerTestWorker(t, store, "w1", 2)

	running := enqueueTestTask(t, store, sessionID, 1)
	enqueueTestTask(t, store, sessionID, 3)
	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.FailTask(ctx, workerID, running.ID, Failure{Message: "boom", Recoverable: false}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := store.DeleteSession(ctx, sessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetSession(ctx, sessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session still readable: %v", err)
	}
	tasks, err := store.ListTasks(ctx, TaskFilter{SessionID: sessionID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks survived cascade: %d", len(tasks))
	}
	if _, err := store.GetProgress(ctx, sessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("progress survived cascade: %v", err)
	}
	records, err := store.ListErrors(ctx, ErrorFilter{SessionID: sessionID})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("error records survived cascade: %d", len(records))
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue rows survived cascade: %d", depth)
	}
}

func TestListSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := createTestSession(t, store)
	createTestSession(t, store)

	if _, err := store.TransitionSession(ctx, first, SessionStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	all, err := store.ListSessions(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("sessions = %d, want 2", len(all))
	}
	active, err := store.ListSessions(ctx, SessionStatusActive, 10, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
}
