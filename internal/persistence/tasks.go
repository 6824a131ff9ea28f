package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/google/uuid"
)

// EnqueueSpec describes one task to admit. Zero Priority, MaxRetries and
// RetryDelaySeconds fall back to the caller-supplied defaults.
type EnqueueSpec struct {
	SessionID         string
	Priority          int
	Endpoint          json.RawMessage
	MaxRetries        int
	RetryDelaySeconds int
	Metadata          json.RawMessage
}

// EnqueueDefaults fills unset EnqueueSpec fields; the gateway derives these
// from config.
type EnqueueDefaults struct {
	Priority          int
	MaxRetries        int
	RetryDelaySeconds int
}

func (d EnqueueDefaults) normalized() EnqueueDefaults {
	if d.Priority == 0 {
		d.Priority = 3
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryDelaySeconds == 0 {
		d.RetryDelaySeconds = 5
	}
	return d
}

// Failure describes the outcome a worker reports when a task attempt fails.
// Recoverable asks for a retry; the store still refuses once the retry
// budget is exhausted.
type Failure struct {
	Type        string
	Message     string
	Details     json.RawMessage
	Recoverable bool
}

// FailureDecision reports what the store did with a failed attempt.
type FailureDecision struct {
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	WillRetry    bool       `json:"will_retry"`
	DelaySeconds int        `json:"delay_seconds,omitempty"`
}

// EnqueueTask admits one task into the queue. The session must exist and be
// active, and the queue must be below its depth limit. Task creation, the
// queue row and the progress counters commit atomically.
func (s *Store) EnqueueTask(ctx context.Context, spec EnqueueSpec, defaults EnqueueDefaults) (*Task, error) {
	tasks, err := s.EnqueueBatch(ctx, []EnqueueSpec{spec}, defaults)
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// EnqueueBatch admits several tasks in one transaction. Either every task is
// admitted or none are; a depth limit rejection covers the whole batch.
func (s *Store) EnqueueBatch(ctx context.Context, specs []EnqueueSpec, defaults EnqueueDefaults) ([]*Task, error) {
	if len(specs) == 0 {
		return nil, errors.New("enqueue: empty batch")
	}
	defaults = defaults.normalized()

	created := make([]*Task, 0, len(specs))
	err := retryOnBusy(ctx, 5, func() error {
		created = created[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if s.maxQueueDepth > 0 {
			var depth int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue;`).Scan(&depth); err != nil {
				return fmt.Errorf("count queue depth: %w", err)
			}
			if depth+len(specs) > s.maxQueueDepth {
				return fmt.Errorf("enqueue %d tasks at depth %d/%d: %w", len(specs), depth, s.maxQueueDepth, ErrQueueSaturated)
			}
		}

		for _, spec := range specs {
			task, err := s.enqueueOneTx(ctx, tx, spec, defaults)
			if err != nil {
				return err
			}
			created = append(created, task)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TasksEnqueued.Add(ctx, int64(len(created)))
	}
	for _, task := range created {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    task.ID,
			SessionID: task.SessionID,
			NewStatus: string(task.Status),
		})
	}
	return created, nil
}

func (s *Store) enqueueOneTx(ctx context.Context, tx *sql.Tx, spec EnqueueSpec, defaults EnqueueDefaults) (*Task, error) {
	if len(spec.Endpoint) == 0 || !json.Valid(spec.Endpoint) {
		return nil, errors.New("enqueue: endpoint must be valid JSON")
	}
	if spec.Priority == 0 {
		spec.Priority = defaults.Priority
	}
	if spec.Priority < 1 || spec.Priority > 5 {
		return nil, fmt.Errorf("enqueue: priority %d out of range 1..5", spec.Priority)
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = defaults.MaxRetries
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("enqueue: max_retries %d must be >= 0", spec.MaxRetries)
	}
	if spec.RetryDelaySeconds == 0 {
		spec.RetryDelaySeconds = defaults.RetryDelaySeconds
	}
	if spec.RetryDelaySeconds < 0 {
		return nil, fmt.Errorf("enqueue: retry_delay_seconds %d must be >= 0", spec.RetryDelaySeconds)
	}
	if len(spec.Metadata) > 0 && !json.Valid(spec.Metadata) {
		return nil, errors.New("enqueue: metadata must be valid JSON")
	}

	var sessionStatus SessionStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?;`, spec.SessionID).Scan(&sessionStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enqueue: session %s: %w", spec.SessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue: select session: %w", err)
	}
	if sessionStatus != SessionStatusActive {
		return nil, fmt.Errorf("enqueue: session %s is %s: %w", spec.SessionID, sessionStatus, ErrSessionNotActive)
	}

	taskID := uuid.NewString()
	metadata := sql.NullString{}
	if len(spec.Metadata) > 0 {
		metadata = sql.NullString{String: string(spec.Metadata), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, priority, status, endpoint, max_retries, retry_delay_seconds, metadata)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?);
	`, taskID, spec.SessionID, spec.Priority, string(spec.Endpoint), spec.MaxRetries, spec.RetryDelaySeconds, metadata); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_queue (task_id, session_id, priority)
		VALUES (?, ?, ?);
	`, taskID, spec.SessionID, spec.Priority); err != nil {
		return nil, fmt.Errorf("insert queue row: %w", err)
	}
	if err := applyProgressDeltaTx(ctx, tx, spec.SessionID, progressDelta{total: 1, pending: 1}); err != nil {
		return nil, err
	}
	return s.getTaskTx(ctx, tx, taskID)
}

// ClaimNextTask atomically dequeues the highest-priority due task and leases
// it to workerID. Returns (nil, nil) when nothing is eligible. The task row,
// the queue row, the worker slot and the progress counters change in one
// transaction, so two concurrent claims can never receive the same task.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string) (*Task, error) {
	start := time.Now()
	var (
		claimed *Task
		was     TaskStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			workerStatus WorkerStatus
			maxTasks     int
			currentTasks int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT status, max_concurrent_tasks, current_task_count
			FROM workers
			WHERE id = ?;
		`, workerID).Scan(&workerStatus, &maxTasks, &currentTasks)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("claim: worker %s: %w", workerID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("claim: select worker: %w", err)
		}
		if workerStatus == WorkerStatusOffline {
			return fmt.Errorf("claim: worker %s: %w", workerID, ErrWorkerUnavailable)
		}
		if currentTasks >= maxTasks {
			return fmt.Errorf("claim: worker %s at %d/%d: %w", workerID, currentTasks, maxTasks, ErrCapacityExceeded)
		}

		var taskID string
		err = tx.QueryRowContext(ctx, `
			SELECT q.task_id
			FROM task_queue q
			JOIN tasks t ON t.id = q.task_id
			WHERE t.status IN ('pending', 'retrying')
			  AND q.scheduled_at <= datetime('now')
			ORDER BY q.priority ASC, q.scheduled_at ASC, q.task_id ASC
			LIMIT 1;
		`).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("claim: select candidate: %w", err)
		}

		from, sessionID, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending, TaskStatusRetrying}, TaskStatusInProgress)
		if err != nil {
			return err
		}
		if !ok {
			// Candidate changed under us. Single-writer SQLite makes this
			// rare but a cancel in the same window is legal.
			return tx.Commit()
		}
		was = from

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = ?,
			    assigned_at = CURRENT_TIMESTAMP,
			    started_at = CURRENT_TIMESTAMP,
			    error_type = NULL,
			    error_message = NULL,
			    error_details = NULL
			WHERE id = ?;
		`, workerID, taskID); err != nil {
			return fmt.Errorf("claim: assign worker: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("claim: remove queue row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET current_task_count = current_task_count + 1,
			    status = 'busy',
			    last_heartbeat = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, workerID); err != nil {
			return fmt.Errorf("claim: bump worker slot: %w", err)
		}
		if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{pending: -1, processing: 1}); err != nil {
			return err
		}

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		if s.metrics != nil {
			s.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds())
		}
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    claimed.ID,
			SessionID: claimed.SessionID,
			WorkerID:  workerID,
			OldStatus: string(was),
			NewStatus: string(TaskStatusInProgress),
		})
	}
	return claimed, nil
}

// CompleteTask records a successful outcome. Only the leaseholder may
// complete a task; a stale or wrong worker gets ErrLeaseConflict and a
// repeated report on a terminal task gets ErrTerminalState.
func (s *Store) CompleteTask(ctx context.Context, workerID, taskID string, result, metrics json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return errors.New("complete: result must be valid JSON")
	}
	if len(metrics) > 0 && !json.Valid(metrics) {
		return errors.New("complete: metrics must be valid JSON")
	}

	var (
		sessionID string
		duration  float64
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.leasedTaskTx(ctx, tx, workerID, taskID)
		if err != nil {
			return err
		}
		sessionID = task.SessionID

		_, _, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("complete: task %s changed concurrently: %w", taskID, ErrLeaseConflict)
		}

		resultVal := sql.NullString{}
		if len(result) > 0 {
			resultVal = sql.NullString{String: string(result), Valid: true}
		}
		metricsVal := sql.NullString{}
		if len(metrics) > 0 {
			metricsVal = sql.NullString{String: string(metrics), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET result = ?, metrics = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, resultVal, metricsVal, taskID); err != nil {
			return fmt.Errorf("complete: store result: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE((julianday(completed_at) - julianday(started_at)) * 86400.0, 0)
			FROM tasks WHERE id = ?;
		`, taskID).Scan(&duration); err != nil {
			return fmt.Errorf("complete: compute duration: %w", err)
		}
		if duration < 0 {
			duration = 0
		}

		if err := releaseWorkerSlotTx(ctx, tx, workerID, true, duration); err != nil {
			return err
		}
		if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{
			processing:      -1,
			completed:       1,
			durationSeconds: duration,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TasksCompleted.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, duration)
	}
	s.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		WorkerID:  workerID,
		OldStatus: string(TaskStatusInProgress),
		NewStatus: string(TaskStatusCompleted),
	})
	s.publish(bus.TopicProgressUpdated, bus.ProgressEvent{SessionID: sessionID})
	return nil
}

// FailTask records a failed attempt. A recoverable failure with budget left
// moves the task to retrying with exponential backoff; otherwise the task is
// terminally failed. Every attempt appends one ErrorRecord either way.
func (s *Store) FailTask(ctx context.Context, workerID, taskID string, failure Failure) (*FailureDecision, error) {
	if failure.Type == "" {
		failure.Type = "unknown"
	}
	if len(failure.Details) > 0 && !json.Valid(failure.Details) {
		return nil, errors.New("fail: error details must be valid JSON")
	}

	var (
		decision  FailureDecision
		sessionID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.leasedTaskTx(ctx, tx, workerID, taskID)
		if err != nil {
			return err
		}
		sessionID = task.SessionID

		willRetry := failure.Recoverable && task.RetryCount < task.MaxRetries
		retryCount := task.RetryCount
		delaySeconds := 0
		target := TaskStatusFailed
		if willRetry {
			retryCount++
			delaySeconds = backoffDelaySeconds(task.RetryDelaySeconds, retryCount, s.retryMaxDelaySeconds)
			target = TaskStatusRetrying
		}

		_, _, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail: task %s changed concurrently: %w", taskID, ErrLeaseConflict)
		}

		detailsVal := sql.NullString{}
		if len(failure.Details) > 0 {
			detailsVal = sql.NullString{String: string(failure.Details), Valid: true}
		}
		if willRetry {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET retry_count = ?,
				    worker_id = NULL,
				    assigned_at = NULL,
				    started_at = NULL,
				    error_type = ?,
				    error_message = ?,
				    error_details = ?
				WHERE id = ?;
			`, retryCount, failure.Type, failure.Message, detailsVal, taskID); err != nil {
				return fmt.Errorf("fail: stage retry: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (task_id, session_id, priority, scheduled_at)
				VALUES (?, ?, ?, datetime('now', CAST(? AS TEXT) || ' seconds'));
			`, taskID, sessionID, task.Priority, delaySeconds); err != nil {
				return fmt.Errorf("fail: requeue for retry: %w", err)
			}
			if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{processing: -1, pending: 1}); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET error_type = ?,
				    error_message = ?,
				    error_details = ?,
				    completed_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, failure.Type, failure.Message, detailsVal, taskID); err != nil {
				return fmt.Errorf("fail: mark terminal: %w", err)
			}
			if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{processing: -1, failed: 1}); err != nil {
				return err
			}
		}

		if err := appendErrorTx(ctx, tx, ErrorRecord{
			TaskID:      taskID,
			SessionID:   sessionID,
			ErrorType:   failure.Type,
			Message:     failure.Message,
			Details:     failure.Details,
			Recoverable: willRetry,
			RetryCount:  retryCount,
		}); err != nil {
			return err
		}
		if err := releaseWorkerSlotTx(ctx, tx, workerID, false, 0); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fail tx: %w", err)
		}
		decision = FailureDecision{
			Status:       target,
			RetryCount:   retryCount,
			WillRetry:    willRetry,
			DelaySeconds: delaySeconds,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if decision.WillRetry {
			s.metrics.TasksRetried.Add(ctx, 1)
		} else {
			s.metrics.TasksFailed.Add(ctx, 1)
		}
	}
	topic := bus.TopicTaskFailed
	if decision.WillRetry {
		topic = bus.TopicTaskRetrying
	}
	s.publish(topic, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		WorkerID:  workerID,
		OldStatus: string(TaskStatusInProgress),
		NewStatus: string(decision.Status),
	})
	if !decision.WillRetry {
		s.publish(bus.TopicProgressUpdated, bus.ProgressEvent{SessionID: sessionID})
	}
	return &decision, nil
}

// CancelTask moves a non-terminal task to cancelled. A queued task loses its
// queue row; a leased task frees its worker slot and the previous holder is
// told to abort via the bus. Terminal tasks return ErrTerminalState.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var (
		cancelled *Task
		oldStatus TaskStatus
		oldWorker string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if isTerminal(task.Status) {
			return fmt.Errorf("cancel: task %s is %s: %w", taskID, task.Status, ErrTerminalState)
		}
		oldStatus = task.Status
		oldWorker = task.WorkerID

		_, _, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending, TaskStatusRetrying, TaskStatusInProgress}, TaskStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cancel: task %s changed concurrently: %w", taskID, ErrTerminalState)
		}

		switch oldStatus {
		case TaskStatusPending, TaskStatusRetrying:
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, taskID); err != nil {
				return fmt.Errorf("cancel: remove queue row: %w", err)
			}
			if err := applyProgressDeltaTx(ctx, tx, task.SessionID, progressDelta{pending: -1}); err != nil {
				return err
			}
		case TaskStatusInProgress:
			if oldWorker != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE workers
					SET current_task_count = MAX(current_task_count - 1, 0),
					    status = CASE WHEN status != 'offline' AND current_task_count - 1 <= 0 THEN 'idle' ELSE status END
					WHERE id = ?;
				`, oldWorker); err != nil {
					return fmt.Errorf("cancel: free worker slot: %w", err)
				}
			}
			if err := applyProgressDeltaTx(ctx, tx, task.SessionID, progressDelta{processing: -1}); err != nil {
				return err
			}
		}

		cancelled, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldStatus == TaskStatusInProgress && oldWorker != "" {
		s.publish(bus.TopicTaskCancelRequested, bus.TaskCancelEvent{
			TaskID:   taskID,
			WorkerID: oldWorker,
		})
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: cancelled.SessionID,
		WorkerID:  oldWorker,
		OldStatus: string(oldStatus),
		NewStatus: string(TaskStatusCancelled),
	})
	return cancelled, nil
}

// RequeueTask is the manual override for a failed or cancelled task: it goes
// back to pending immediately and keeps its retry_count, so the history of
// earlier attempts stays truthful.
func (s *Store) RequeueTask(ctx context.Context, taskID string) (*Task, error) {
	var (
		requeued  *Task
		oldStatus TaskStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusFailed && task.Status != TaskStatusCancelled {
			return fmt.Errorf("requeue: task %s is %s, want failed or cancelled", taskID, task.Status)
		}
		oldStatus = task.Status

		_, _, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusFailed, TaskStatusCancelled}, TaskStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue: task %s changed concurrently: %w", taskID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = NULL,
			    result = NULL,
			    assigned_at = NULL,
			    started_at = NULL,
			    completed_at = NULL
			WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("requeue: reset task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (task_id, session_id, priority)
			VALUES (?, ?, ?);
		`, taskID, task.SessionID, task.Priority); err != nil {
			return fmt.Errorf("requeue: insert queue row: %w", err)
		}

		delta := progressDelta{pending: 1}
		if oldStatus == TaskStatusFailed {
			delta.failed = -1
		}
		if err := applyProgressDeltaTx(ctx, tx, task.SessionID, delta); err != nil {
			return err
		}

		requeued, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: requeued.SessionID,
		OldStatus: string(oldStatus),
		NewStatus: string(TaskStatusPending),
	})
	return requeued, nil
}

// PromoteDueRetries flips retrying tasks whose backoff has elapsed to
// pending. Claims can take retrying tasks directly, so this only makes the
// queue state readable; it changes no counters (pending and retrying share a
// progress bucket).
func (s *Store) PromoteDueRetries(ctx context.Context) (int64, error) {
	var promoted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', updated_at = CURRENT_TIMESTAMP
			WHERE status = 'retrying'
			  AND id IN (SELECT task_id FROM task_queue WHERE scheduled_at <= datetime('now'));
		`)
		if err != nil {
			return fmt.Errorf("promote due retries: %w", err)
		}
		promoted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote rows affected: %w", err)
		}
		return nil
	})
	return promoted, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task := &Task{}
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
		return scanTask(row.Scan, task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	task := &Task{}
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task in tx: %w", err)
	}
	return task, nil
}

// leasedTaskTx loads a task and verifies workerID still holds its lease.
func (s *Store) leasedTaskTx(ctx context.Context, tx *sql.Tx, workerID, taskID string) (*Task, error) {
	task, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if isTerminal(task.Status) {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTerminalState)
	}
	if task.Status != TaskStatusInProgress || task.WorkerID != workerID {
		return nil, fmt.Errorf("task %s held by %q, reported by %q: %w", taskID, task.WorkerID, workerID, ErrLeaseConflict)
	}
	return task, nil
}

// releaseWorkerSlotTx frees one concurrency slot and updates the worker's
// lifetime counters. The rolling average folds the new duration in before
// total_completed is bumped.
func releaseWorkerSlotTx(ctx context.Context, tx *sql.Tx, workerID string, completed bool, durationSeconds float64) error {
	var err error
	if completed {
		_, err = tx.ExecContext(ctx, `
			UPDATE workers
			SET avg_duration_seconds = (avg_duration_seconds * total_completed + ?) / (total_completed + 1),
			    total_completed = total_completed + 1,
			    current_task_count = MAX(current_task_count - 1, 0),
			    status = CASE WHEN status != 'offline' AND current_task_count - 1 <= 0 THEN 'idle' ELSE status END,
			    last_completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, durationSeconds, workerID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE workers
			SET total_failed = total_failed + 1,
			    current_task_count = MAX(current_task_count - 1, 0),
			    status = CASE WHEN status != 'offline' AND current_task_count - 1 <= 0 THEN 'idle' ELSE status END
			WHERE id = ?;
		`, workerID)
	}
	if err != nil {
		return fmt.Errorf("release worker slot: %w", err)
	}
	return nil
}

// backoffDelaySeconds doubles the base delay per attempt and caps the curve.
func backoffDelaySeconds(baseSeconds, retryCount, maxSeconds int) int {
	if baseSeconds <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	delay := baseSeconds
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxSeconds {
			return maxSeconds
		}
	}
	if delay > maxSeconds {
		return maxSeconds
	}
	return delay
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	SessionID string
	Status    TaskStatus
	WorkerID  string
	Limit     int
	Offset    int
}

// ListTasks returns tasks newest first, paginated.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, filter.Limit, filter.Offset)

	var tasks []*Task
	err := retryOnBusy(ctx, 5, func() error {
		tasks = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			task := &Task{}
			if err := scanTask(rows.Scan, task); err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats aggregates task counts across the whole store or one session.
type TaskStats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	SuccessRate float64          `json:"success_rate"`
}

func (s *Store) TaskStatistics(ctx context.Context, sessionID string) (*TaskStats, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY status;`

	stats := &TaskStats{ByStatus: map[string]int64{}}
	err := retryOnBusy(ctx, 5, func() error {
		stats.Total = 0
		clear(stats.ByStatus)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("task statistics: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				count  int64
			)
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("scan statistics row: %w", err)
			}
			stats.ByStatus[status] = count
			stats.Total += count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	finished := stats.ByStatus[string(TaskStatusCompleted)] + stats.ByStatus[string(TaskStatusFailed)]
	if finished > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(TaskStatusCompleted)]) / float64(finished) * 100
	}
	return stats, nil
}

// QueueStats describes the live queue: depth, per-priority counts, and how
// much of it is due now versus waiting out a backoff.
type QueueStats struct {
	Depth       int64         `json:"depth"`
	DueNow      int64         `json:"due_now"`
	ByPriority  map[int]int64 `json:"by_priority"`
	OldestAge   float64       `json:"oldest_age_seconds"`
	NextDueTask string        `json:"next_due_task,omitempty"`
	MaxDepth    int           `json:"max_depth,omitempty"`
}

func (s *Store) QueueStatistics(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByPriority: map[int]int64{}, MaxDepth: s.maxQueueDepth}
	err := retryOnBusy(ctx, 5, func() error {
		stats.Depth, stats.DueNow, stats.OldestAge = 0, 0, 0
		stats.NextDueTask = ""
		clear(stats.ByPriority)

		rows, err := s.db.QueryContext(ctx, `
			SELECT priority, COUNT(*),
			       SUM(CASE WHEN scheduled_at <= datetime('now') THEN 1 ELSE 0 END)
			FROM task_queue
			GROUP BY priority;
		`)
		if err != nil {
			return fmt.Errorf("queue statistics: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				priority int
				count    int64
				due      int64
			)
			if err := rows.Scan(&priority, &count, &due); err != nil {
				return fmt.Errorf("scan queue row: %w", err)
			}
			stats.ByPriority[priority] = count
			stats.Depth += count
			stats.DueNow += due
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var (
			nextID    sql.NullString
			oldestAge sql.NullFloat64
		)
		err = s.db.QueryRowContext(ctx, `
			SELECT q.task_id, (julianday('now') - julianday(q.scheduled_at)) * 86400.0
			FROM task_queue q
			WHERE q.scheduled_at <= datetime('now')
			ORDER BY q.priority ASC, q.scheduled_at ASC, q.task_id ASC
			LIMIT 1;
		`).Scan(&nextID, &oldestAge)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue head: %w", err)
		}
		stats.NextDueTask = nextID.String
		if oldestAge.Valid && oldestAge.Float64 > 0 {
			stats.OldestAge = oldestAge.Float64
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// QueueDepth returns the number of queued (pending or retrying) tasks.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue;`).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// QueueGauges reports the queue depth and active lease count in one call.
// It backs the observable gauges, so it reads the tables directly instead of
// tracking deltas that could drift.
func (s *Store) QueueGauges(ctx context.Context) (int64, int64, error) {
	var depth, leases int64
	err := retryOnBusy(ctx, 5, func() error {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue;`).Scan(&depth); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'in_progress';`).Scan(&leases)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("queue gauges: %w", err)
	}
	return depth, leases, nil
}
