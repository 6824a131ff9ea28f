package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegisterWorker_Defaults(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	w, err := store.RegisterWorker(ctx, WorkerSpec{Name: "gen-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.ID == "" {
		t.Fatal("worker id not assigned")
	}
	if w.Type != "general" {
		t.Fatalf("type = %s, want general", w.Type)
	}
	if w.MaxConcurrentTasks != 1 {
		t.Fatalf("max_concurrent_tasks = %d, want 1", w.MaxConcurrentTasks)
	}
	if w.Status != WorkerStatusIdle {
		t.Fatalf("status = %s, want idle", w.Status)
	}
}

func TestRegisterWorker_NameRequired(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.RegisterWorker(context.Background(), WorkerSpec{}); err == nil {
		t.Fatal("expected name validation error")
	}
}

func TestRegisterWorker_ReviveKeepsCounters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	w, err := store.RegisterWorker(ctx, WorkerSpec{Name: "gen-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	enqueueTestTask(t, store, sessionID, 3)
	claimed, err := store.ClaimNextTask(ctx, w.ID)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, w.ID, claimed.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE workers SET status = 'offline' WHERE id = ?;`, w.ID); err != nil {
		t.Fatalf("force offline: %v", err)
	}

	revived, err := store.RegisterWorker(ctx, WorkerSpec{
		ID:                 w.ID,
		Name:               "gen-1",
		MaxConcurrentTasks: 4,
		Capabilities:       json.RawMessage(`["rest"]`),
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if revived.Status != WorkerStatusIdle {
		t.Fatalf("status = %s, want idle", revived.Status)
	}
	if revived.MaxConcurrentTasks != 4 {
		t.Fatalf("max_concurrent_tasks = %d, want 4", revived.MaxConcurrentTasks)
	}
	if revived.TotalCompleted != 1 {
		t.Fatalf("total_completed = %d, want 1 (counters must survive)", revived.TotalCompleted)
	}
}

func TestHeartbeat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	workerID := registerTestWorker(t, store, "w1", 1)

	if err := store.Heartbeat(ctx, workerID, ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := store.Heartbeat(ctx, workerID, WorkerStatusError); err != nil {
		t.Fatalf("heartbeat with status: %v", err)
	}
	w, err := store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != WorkerStatusError {
		t.Fatalf("status = %s, want error", w.Status)
	}

	if err := store.Heartbeat(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("heartbeat unknown worker error = %v, want ErrNotFound", err)
	}
	if err := store.Heartbeat(ctx, workerID, WorkerStatus("bogus")); err == nil {
		t.Fatal("expected invalid status rejection")
	}
}

func TestHeartbeat_RevivesOfflineWorker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	workerID := registerTestWorker(t, store, "w1", 1)

	if _, err := store.db.Exec(`UPDATE workers SET status = 'offline' WHERE id = ?;`, workerID); err != nil {
		t.Fatalf("force offline: %v", err)
	}
	if err := store.Heartbeat(ctx, workerID, ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w, err := store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != WorkerStatusIdle {
		t.Fatalf("status = %s, want idle after revival", w.Status)
	}
}

func TestReapStaleWorkers_RecoversTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)
	workerID := registerTestWorker(t, store, "w1", 1)
	task := enqueueTestTask(t, store, sessionID, 3)

	claimed, err := store.ClaimNextTask(ctx, workerID)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	// A negative timeout puts the cutoff in the future so the fresh
	// heartbeat still counts as stale.
	report, err := store.ReapStaleWorkers(ctx, -1)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.WorkersReaped != 1 {
		t.Fatalf("workers reaped = %d, want 1", report.WorkersReaped)
	}
	if report.TasksRecovered != 1 {
		t.Fatalf("tasks recovered = %d, want 1", report.TasksRecovered)
	}

	w, err := store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != WorkerStatusOffline {
		t.Fatalf("worker status = %s, want offline", w.Status)
	}
	if w.CurrentTaskCount != 0 {
		t.Fatalf("worker task count = %d, want 0", w.CurrentTaskCount)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskStatusRetrying {
		t.Fatalf("task status = %s, want retrying", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.WorkerID != "" {
		t.Fatalf("worker_id = %q, want cleared", got.WorkerID)
	}

	records, err := store.ListErrors(ctx, ErrorFilter{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	if records[0].ErrorType != "worker_offline" || !records[0].Recoverable {
		t.Fatalf("error record = %+v", records[0])
	}
}

func TestReapStaleWorkers_ExhaustedBudgetFailsTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)
	workerID := registerTestWorker(t, store, "w1", 1)

	task, err := store.EnqueueTask(ctx, EnqueueSpec{
		SessionID: sessionID,
		Endpoint:  json.RawMessage(`{}`),
	}, EnqueueDefaults{MaxRetries: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Burn the only retry.
	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.FailTask(ctx, workerID, task.ID, Failure{Message: "flaky", Recoverable: true}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE task_queue SET scheduled_at = datetime('now', '-1 seconds') WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("make due: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	report, err := store.ReapStaleWorkers(ctx, -1)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.TasksFailed != 1 {
		t.Fatalf("tasks failed = %d, want 1", report.TasksFailed)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskStatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestReapStaleWorkers_FreshWorkersUntouched(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	workerID := registerTestWorker(t, store, "w1", 1)

	report, err := store.ReapStaleWorkers(ctx, 30)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.WorkersReaped != 0 {
		t.Fatalf("workers reaped = %d, want 0", report.WorkersReaped)
	}

	w, err := store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != WorkerStatusIdle {
		t.Fatalf("status = %s, want idle", w.Status)
	}
}

func TestListWorkers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := registerTestWorker(t, store, "a", 1)
	registerTestWorker(t, store, "b", 1)

	if _, err := store.db.Exec(`UPDATE workers SET status = 'offline' WHERE id = ?;`, a); err != nil {
		t.Fatalf("force offline: %v", err)
	}

	all, err := store.ListWorkers(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all workers = %d, want 2", len(all))
	}
	online, err := store.ListWorkers(ctx, true)
	if err != nil {
		t.Fatalf("list online: %v", err)
	}
	if len(online) != 1 || online[0].Name != "b" {
		t.Fatalf("online workers = %d", len(online))
	}
}

func TestWorkerStatistics(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)
	workerID := registerTestWorker(t, store, "w1", 2)
	registerTestWorker(t, store, "w2", 1)

	task := enqueueTestTask(t, store, sessionID, 3)
	if _, err := store.ClaimNextTask(ctx, workerID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, workerID, task.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := store.WorkerStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 2 || stats.Online != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalCompleted != 1 {
		t.Fatalf("total completed = %d, want 1", stats.TotalCompleted)
	}
}
