package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "queue.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 27, 10, 15, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNew_InvalidCronRejected(t *testing.T) {
	store := openTestStore(t)
	if _, err := New(Config{Store: store, Logger: quietLogger(), BackupCron: "bogus"}); err == nil {
		t.Fatal("expected invalid backup cron rejection")
	}
	if _, err := New(Config{Store: store, Logger: quietLogger(), OptimizeCron: "* * *"}); err == nil {
		t.Fatal("expected invalid optimize cron rejection")
	}
}

func TestBackupPath(t *testing.T) {
	now := time.Date(2026, 8, 27, 3, 0, 5, 0, time.UTC)
	got := backupPath("/var/backups", now)
	want := filepath.Join("/var/backups", "queue-20260827-030005.db")
	if got != want {
		t.Fatalf("backupPath = %q, want %q", got, want)
	}
}

func TestScheduler_ReapsStaleWorkers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	worker, err := store.RegisterWorker(ctx, persistence.WorkerSpec{Name: "w1"})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, persistence.EnqueueSpec{
		SessionID: sess.ID,
		Endpoint:  json.RawMessage(`{}`),
	}, persistence.EnqueueDefaults{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Backdate the heartbeat past the timeout; New clamps non-positive
	// timeouts to the default, so the staleness has to live in the row.
	if _, err := store.DB().Exec(`UPDATE workers SET last_heartbeat = datetime('now', '-120 seconds') WHERE id = ?;`, worker.ID); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	s, err := New(Config{
		Store:            store,
		Logger:           quietLogger(),
		HeartbeatTimeout: time.Second,
		ReapInterval:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := store.GetWorker(ctx, worker.ID)
		if err != nil {
			t.Fatalf("get worker: %v", err)
		}
		if w.Status == persistence.WorkerStatusOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker was never reaped")
}

func TestScheduler_PromotesDueRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	worker, err := store.RegisterWorker(ctx, persistence.WorkerSpec{Name: "w1"})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	task, err := store.EnqueueTask(ctx, persistence.EnqueueSpec{
		SessionID: sess.ID,
		Endpoint:  json.RawMessage(`{}`),
	}, persistence.EnqueueDefaults{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.FailTask(ctx, worker.ID, task.ID, persistence.Failure{
		Message:     "flaky",
		Recoverable: true,
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE task_queue SET scheduled_at = datetime('now', '-1 seconds') WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("make due: %v", err)
	}

	s, err := New(Config{
		Store:           store,
		Logger:          quietLogger(),
		PromoteInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == persistence.TaskStatusPending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retry was never promoted")
}

func TestScheduler_StartStop(t *testing.T) {
	store := openTestStore(t)
	s, err := New(Config{Store: store, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
}
