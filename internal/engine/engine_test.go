package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/bus"
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

func enqueueOne(t *testing.T, store *persistence.Store) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := store.EnqueueTask(ctx, persistence.EnqueueSpec{
		SessionID: sess.ID,
		Endpoint:  json.RawMessage(`{"path":"/pets","method":"GET"}`),
	}, persistence.EnqueueDefaults{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

type funcProcessor func(ctx context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error)

func (f funcProcessor) Process(ctx context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error) {
	return f(ctx, task)
}

func TestEngine_ProcessesTask(t *testing.T) {
	store := openTestStore(t)
	task := enqueueOne(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	eng := New(store, funcProcessor(func(_ context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error) {
		processed.Add(1)
		return json.RawMessage(`{"tests_generated":3}`), json.RawMessage(`{"duration_ms":5}`), nil
	}), Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, nil)

	workerID, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if workerID == "" {
		t.Fatal("worker id empty")
	}

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)
	if string(done.Result) != `{"tests_generated":3}` {
		t.Fatalf("result = %s", done.Result)
	}
	if processed.Load() != 1 {
		t.Fatalf("processed = %d, want 1", processed.Load())
	}

	cancel()
	eng.Drain(time.Second)
}

func TestEngine_RecoverableFailureRetries(t *testing.T) {
	store := openTestStore(t)
	task := enqueueOne(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := New(store, funcProcessor(func(_ context.Context, _ persistence.Task) (json.RawMessage, json.RawMessage, error) {
		return nil, nil, errors.New("transient blip")
	}), Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	if _, err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitForStatus(t, store, task.ID, persistence.TaskStatusRetrying)
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}

	records, err := store.ListErrors(context.Background(), persistence.ErrorFilter{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(records) != 1 || records[0].ErrorType != "execution" || !records[0].Recoverable {
		t.Fatalf("error records = %+v", records)
	}

	cancel()
	eng.Drain(time.Second)
}

func TestEngine_ProcessorErrorClassification(t *testing.T) {
	store := openTestStore(t)
	task := enqueueOne(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := New(store, funcProcessor(func(_ context.Context, _ persistence.Task) (json.RawMessage, json.RawMessage, error) {
		return nil, nil, &ProcessorError{
			Type:        "validation",
			Message:     "descriptor rejected",
			Recoverable: false,
		}
	}), Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	if _, err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := waitForStatus(t, store, task.ID, persistence.TaskStatusFailed)
	if got.ErrorType != "validation" {
		t.Fatalf("error_type = %s, want validation", got.ErrorType)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", got.RetryCount)
	}

	cancel()
	eng.Drain(time.Second)
}

func TestEngine_CooperativeCancel(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "queue.db"), persistence.Options{Bus: b})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan string, 1)
	eng := New(store, funcProcessor(func(taskCtx context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error) {
		started <- task.ID
		<-taskCtx.Done()
		return nil, nil, taskCtx.Err()
	}), Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		Bus:          b,
	}, nil)
	if _, err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	task := enqueueOne(t, store)
	taskID := <-started
	if taskID != task.ID {
		t.Fatalf("started %s, want %s", taskID, task.ID)
	}

	// CancelTask publishes the abort notice on the shared bus; the engine's
	// listener cancels the in-flight attempt.
	if _, err := store.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := waitForStatus(t, store, task.ID, persistence.TaskStatusCancelled)
	if got.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Status().ActiveTasks == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if eng.Status().ActiveTasks != 0 {
		t.Fatal("attempt still running after cancel")
	}

	cancel()
	eng.Drain(time.Second)
}

func TestCallbackProcessor_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TaskID == "" || len(req.Endpoint) == 0 {
			t.Errorf("incomplete request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(callbackResponse{
			Result:  json.RawMessage(`{"ok":true}`),
			Metrics: json.RawMessage(`{"duration_ms":10}`),
		})
	}))
	defer srv.Close()

	proc := NewCallbackProcessor(srv.URL)
	result, metrics, err := proc.Process(context.Background(), persistence.Task{
		ID:       "t1",
		Endpoint: json.RawMessage(`{"path":"/pets"}`),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}
	if string(metrics) != `{"duration_ms":10}` {
		t.Fatalf("metrics = %s", metrics)
	}
}

func TestCallbackProcessor_StatusClassification(t *testing.T) {
	tests := []struct {
		status          int
		wantRecoverable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		proc := NewCallbackProcessor(srv.URL)
		_, _, err := proc.Process(context.Background(), persistence.Task{ID: "t1", Endpoint: json.RawMessage(`{}`)})
		srv.Close()

		var perr *ProcessorError
		if !errors.As(err, &perr) {
			t.Fatalf("status %d: error = %v, want ProcessorError", tt.status, err)
		}
		if perr.Recoverable != tt.wantRecoverable {
			t.Errorf("status %d: recoverable = %v, want %v", tt.status, perr.Recoverable, tt.wantRecoverable)
		}
	}
}

func TestCallbackProcessor_ConnectionFailure(t *testing.T) {
	proc := NewCallbackProcessor("http://127.0.0.1:1/callback")
	_, _, err := proc.Process(context.Background(), persistence.Task{ID: "t1", Endpoint: json.RawMessage(`{}`)})
	var perr *ProcessorError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProcessorError", err)
	}
	if !perr.Recoverable {
		t.Fatal("connection failure must be recoverable")
	}
}
