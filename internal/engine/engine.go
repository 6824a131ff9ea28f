// Package engine is the embedded worker runtime: it registers a worker
// identity with the store, polls for claims, heartbeats while running, and
// reports outcomes through the lease-checked store operations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/persistence"
)

type Config struct {
	// WorkerName labels the registered worker; defaults to "embedded".
	WorkerName string
	// WorkerType is an opaque capability tag; defaults to "general".
	WorkerType string
	// Concurrency is both the goroutine pool size and the registered
	// max_concurrent_tasks.
	Concurrency int
	// PollInterval is the idle claim cadence.
	PollInterval time.Duration
	// HeartbeatInterval keeps the worker out of the reaper's reach. It
	// must stay well under the server's heartbeat timeout.
	HeartbeatInterval time.Duration
	// TaskTimeout bounds a single attempt.
	TaskTimeout time.Duration
	Bus         *bus.Bus
}

// Processor executes one claimed task. A nil error means success; returning
// a *ProcessorError controls retry classification, any other error counts as
// recoverable.
type Processor interface {
	Process(ctx context.Context, task persistence.Task) (result, metrics json.RawMessage, err error)
}

// ProcessorError carries the failure taxonomy a worker reports back.
type ProcessorError struct {
	Type        string
	Message     string
	Details     json.RawMessage
	Recoverable bool
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NoopProcessor acknowledges tasks without doing work. Useful for smoke
// tests and for draining a poisoned queue.
type NoopProcessor struct{}

func (NoopProcessor) Process(_ context.Context, task persistence.Task) (json.RawMessage, json.RawMessage, error) {
	out, err := json.Marshal(map[string]string{"status": "acknowledged", "task_id": task.ID})
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

type Status struct {
	WorkerID    string `json:"worker_id"`
	WorkerName  string `json:"worker_name"`
	Concurrency int    `json:"concurrency"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	store  *persistence.Store
	proc   Processor
	config Config
	bus    *bus.Bus
	logger *slog.Logger

	workerID string

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, proc Processor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.WorkerName == "" {
		cfg.WorkerName = "embedded"
	}
	if cfg.WorkerType == "" {
		cfg.WorkerType = "general"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if proc == nil {
		proc = NoopProcessor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		proc:    proc,
		config:  cfg,
		bus:     cfg.Bus,
		logger:  logger.With("component", "engine"),
		cancels: map[string]context.CancelFunc{},
	}
}

// Start registers the worker and launches the claim pool, the heartbeat
// loop, and the cancel listener. It returns the registered worker ID.
func (e *Engine) Start(ctx context.Context) (string, error) {
	var startErr error
	e.once.Do(func() {
		worker, err := e.store.RegisterWorker(ctx, persistence.WorkerSpec{
			Name:               e.config.WorkerName,
			Type:               e.config.WorkerType,
			MaxConcurrentTasks: e.config.Concurrency,
		})
		if err != nil {
			startErr = fmt.Errorf("register worker: %w", err)
			return
		}
		e.workerID = worker.ID
		e.logger.Info("worker registered",
			"worker_id", e.workerID,
			"name", e.config.WorkerName,
			"concurrency", e.config.Concurrency,
		)

		for i := 0; i < e.config.Concurrency; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.claimLoop(ctx)
			}()
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.heartbeatLoop(ctx)
		}()
		if e.bus != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.cancelListener(ctx)
			}()
		}
	})
	return e.workerID, startErr
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits for in-flight tasks to finish within timeout. Tasks that are
// still running afterwards keep their leases and are reclaimed by the reaper
// once the heartbeat lapses.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; leases will be reaped", "timeout", timeout)
	}
}

func (e *Engine) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.store.ClaimNextTask(ctx, e.workerID)
		if err != nil && !errors.Is(err, persistence.ErrCapacityExceeded) {
			e.setLastError(err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.handleTask(ctx, *task)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(ctx, e.workerID, ""); err != nil {
				e.setLastError(fmt.Errorf("heartbeat: %w", err))
			}
		}
	}
}

// cancelListener aborts in-flight attempts when the store announces a cancel
// for a task this worker holds.
func (e *Engine) cancelListener(ctx context.Context) {
	sub := e.bus.Subscribe(bus.TopicTaskCancelRequested)
	defer e.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := msg.Payload.(bus.TaskCancelEvent)
			if !ok || ev.WorkerID != e.workerID {
				continue
			}
			e.cancelMu.RLock()
			cancel, held := e.cancels[ev.TaskID]
			e.cancelMu.RUnlock()
			if held {
				e.logger.Info("aborting cancelled task", "task_id", ev.TaskID)
				cancel()
			}
		}
	}
}

func (e *Engine) handleTask(ctx context.Context, task persistence.Task) {
	e.logger.Info("task processing",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"priority", task.Priority,
		"retry_count", task.RetryCount,
	)

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)

	e.cancelMu.Lock()
	e.cancels[task.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, task.ID)
		e.cancelMu.Unlock()
	}()

	result, metrics, err := e.proc.Process(taskCtx, task)
	if err != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			// The store already moved the task to cancelled; reporting
			// an outcome would just bounce off the lease check.
			e.logger.Info("task aborted", "task_id", task.ID)
			return
		}
		failure := classifyFailure(err, taskCtx.Err())
		decision, ferr := e.store.FailTask(context.Background(), e.workerID, task.ID, failure)
		if ferr != nil {
			e.setLastError(ferr)
			return
		}
		e.logger.Warn("task failed",
			"task_id", task.ID,
			"error_type", failure.Type,
			"will_retry", decision.WillRetry,
			"retry_count", decision.RetryCount,
		)
		return
	}

	// Never report success once the attempt context has ended.
	if taskCtx.Err() != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			return
		}
		failure := persistence.Failure{
			Type:        "timeout",
			Message:     "attempt finished after its deadline",
			Recoverable: true,
		}
		if _, ferr := e.store.FailTask(context.Background(), e.workerID, task.ID, failure); ferr != nil {
			e.setLastError(ferr)
		}
		return
	}

	if err := e.store.CompleteTask(context.Background(), e.workerID, task.ID, result, metrics); err != nil {
		e.setLastError(err)
		return
	}
	e.logger.Info("task completed", "task_id", task.ID, "session_id", task.SessionID)
}

func classifyFailure(err, ctxErr error) persistence.Failure {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		return persistence.Failure{
			Type:        perr.Type,
			Message:     perr.Message,
			Details:     perr.Details,
			Recoverable: perr.Recoverable,
		}
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return persistence.Failure{
			Type:        "timeout",
			Message:     err.Error(),
			Recoverable: true,
		}
	}
	return persistence.Failure{
		Type:        "execution",
		Message:     err.Error(),
		Recoverable: true,
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) WorkerID() string {
	return e.workerID
}

func (e *Engine) Status() Status {
	status := Status{
		WorkerID:    e.workerID,
		WorkerName:  e.config.WorkerName,
		Concurrency: e.config.Concurrency,
		ActiveTasks: e.activeTasks.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
