package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/apiforge/internal/bus"
	"github.com/google/uuid"
)

// WorkerSpec describes a worker registering with the queue. ID may be empty
// for a fresh identity; passing an existing ID re-registers that worker and
// keeps its lifetime counters.
type WorkerSpec struct {
	ID                 string
	Name               string
	Type               string
	Capabilities       json.RawMessage
	MaxConcurrentTasks int
}

// RegisterWorker adds or revives a worker. A revived worker comes back idle
// with a fresh heartbeat; its completed/failed totals survive.
func (s *Store) RegisterWorker(ctx context.Context, spec WorkerSpec) (*Worker, error) {
	if spec.Name == "" {
		return nil, errors.New("register worker: name is required")
	}
	if spec.Type == "" {
		spec.Type = "general"
	}
	if spec.MaxConcurrentTasks <= 0 {
		spec.MaxConcurrentTasks = 1
	}
	if len(spec.Capabilities) == 0 {
		spec.Capabilities = json.RawMessage(`[]`)
	}
	if !json.Valid(spec.Capabilities) {
		return nil, errors.New("register worker: capabilities must be valid JSON")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	var worker *Worker
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, name, worker_type, capabilities, max_concurrent_tasks)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				worker_type = excluded.worker_type,
				capabilities = excluded.capabilities,
				max_concurrent_tasks = excluded.max_concurrent_tasks,
				status = 'idle',
				current_task_count = 0,
				last_heartbeat = CURRENT_TIMESTAMP;
		`, spec.ID, spec.Name, spec.Type, string(spec.Capabilities), spec.MaxConcurrentTasks); err != nil {
			return fmt.Errorf("upsert worker: %w", err)
		}

		worker, err = s.getWorkerTx(ctx, tx, spec.ID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit register tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicWorkerRegistered, bus.WorkerEvent{
		WorkerID: worker.ID,
		Name:     worker.Name,
		Status:   string(worker.Status),
	})
	return worker, nil
}

// Heartbeat refreshes a worker's liveness. status may be empty to keep the
// current value; an offline worker reporting in is revived.
func (s *Store) Heartbeat(ctx context.Context, workerID string, status WorkerStatus) error {
	switch status {
	case "", WorkerStatusIdle, WorkerStatusBusy, WorkerStatusError:
	default:
		return fmt.Errorf("heartbeat: invalid status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		var (
			res sql.Result
			err error
		)
		if status == "" {
			res, err = s.db.ExecContext(ctx, `
				UPDATE workers
				SET last_heartbeat = CURRENT_TIMESTAMP,
				    status = CASE
					WHEN status = 'offline' AND current_task_count > 0 THEN 'busy'
					WHEN status = 'offline' THEN 'idle'
					ELSE status
				    END
				WHERE id = ?;
			`, workerID)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE workers
				SET last_heartbeat = CURRENT_TIMESTAMP, status = ?
				WHERE id = ?;
			`, status, workerID)
		}
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
		}
		return nil
	})
}

const workerColumns = `id, name, worker_type, status, capabilities,
	max_concurrent_tasks, current_task_count, total_completed, total_failed,
	avg_duration_seconds, registered_at, last_heartbeat, last_completed_at`

func scanWorker(scanFn func(dest ...any) error, w *Worker) error {
	var (
		capabilities    string
		lastCompletedAt sql.NullTime
	)
	if err := scanFn(
		&w.ID,
		&w.Name,
		&w.Type,
		&w.Status,
		&capabilities,
		&w.MaxConcurrentTasks,
		&w.CurrentTaskCount,
		&w.TotalCompleted,
		&w.TotalFailed,
		&w.AvgDurationSeconds,
		&w.RegisteredAt,
		&w.LastHeartbeat,
		&lastCompletedAt,
	); err != nil {
		return err
	}
	w.Capabilities = json.RawMessage(capabilities)
	if lastCompletedAt.Valid {
		t := lastCompletedAt.Time
		w.LastCompletedAt = &t
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	w := &Worker{}
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, workerID)
		return scanWorker(row.Scan, w)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (s *Store) getWorkerTx(ctx context.Context, tx *sql.Tx, workerID string) (*Worker, error) {
	w := &Worker{}
	row := tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, workerID)
	if err := scanWorker(row.Scan, w); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
		}
		return nil, fmt.Errorf("get worker in tx: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers; when onlineOnly is set, offline workers
// are skipped.
func (s *Store) ListWorkers(ctx context.Context, onlineOnly bool) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	if onlineOnly {
		query += ` WHERE status != 'offline'`
	}
	query += ` ORDER BY registered_at ASC, id ASC;`

	var workers []*Worker
	err := retryOnBusy(ctx, 5, func() error {
		workers = nil
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			w := &Worker{}
			if err := scanWorker(rows.Scan, w); err != nil {
				return fmt.Errorf("scan worker: %w", err)
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// ReapReport summarizes one reaper sweep.
type ReapReport struct {
	WorkersReaped  int      `json:"workers_reaped"`
	TasksRecovered int      `json:"tasks_recovered"`
	TasksFailed    int      `json:"tasks_failed"`
	WorkerIDs      []string `json:"worker_ids,omitempty"`
}

// ReapStaleWorkers marks workers silent for longer than timeoutSeconds as
// offline and routes each of their in_progress tasks through the recoverable
// failure path: back to the queue with backoff while budget remains,
// terminally failed otherwise. Every recovered task gets an ErrorRecord.
func (s *Store) ReapStaleWorkers(ctx context.Context, timeoutSeconds int) (*ReapReport, error) {
	report := &ReapReport{}
	type taskEvent struct {
		taskID    string
		sessionID string
		workerID  string
		status    TaskStatus
	}
	var taskEvents []taskEvent

	err := retryOnBusy(ctx, 5, func() error {
		*report = ReapReport{}
		taskEvents = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reap tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM workers
			WHERE status != 'offline'
			  AND last_heartbeat < datetime('now', CAST(-? AS TEXT) || ' seconds');
		`, timeoutSeconds)
		if err != nil {
			return fmt.Errorf("reap: list stale workers: %w", err)
		}
		var staleIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("reap: scan worker id: %w", err)
			}
			staleIDs = append(staleIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(staleIDs) == 0 {
			return tx.Commit()
		}

		for _, workerID := range staleIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers
				SET status = 'offline', current_task_count = 0
				WHERE id = ?;
			`, workerID); err != nil {
				return fmt.Errorf("reap: mark worker offline: %w", err)
			}

			taskRows, err := tx.QueryContext(ctx, `
				SELECT id, session_id, retry_count, max_retries, retry_delay_seconds, priority
				FROM tasks
				WHERE worker_id = ? AND status = 'in_progress';
			`, workerID)
			if err != nil {
				return fmt.Errorf("reap: list orphaned tasks: %w", err)
			}
			type orphan struct {
				id         string
				sessionID  string
				retryCount int
				maxRetries int
				retryDelay int
				priority   int
			}
			var orphans []orphan
			for taskRows.Next() {
				var o orphan
				if err := taskRows.Scan(&o.id, &o.sessionID, &o.retryCount, &o.maxRetries, &o.retryDelay, &o.priority); err != nil {
					taskRows.Close()
					return fmt.Errorf("reap: scan orphaned task: %w", err)
				}
				orphans = append(orphans, o)
			}
			taskRows.Close()
			if err := taskRows.Err(); err != nil {
				return err
			}

			for _, o := range orphans {
				willRetry := o.retryCount < o.maxRetries
				retryCount := o.retryCount
				target := TaskStatusFailed
				delaySeconds := 0
				if willRetry {
					retryCount++
					delaySeconds = backoffDelaySeconds(o.retryDelay, retryCount, s.retryMaxDelaySeconds)
					target = TaskStatusRetrying
				}

				_, _, ok, err := s.transitionTaskTx(ctx, tx, o.id,
					[]TaskStatus{TaskStatusInProgress}, target)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}

				message := fmt.Sprintf("worker %s went offline mid-task", workerID)
				if willRetry {
					if _, err := tx.ExecContext(ctx, `
						UPDATE tasks
						SET retry_count = ?,
						    worker_id = NULL,
						    assigned_at = NULL,
						    started_at = NULL,
						    error_type = 'worker_offline',
						    error_message = ?
						WHERE id = ?;
					`, retryCount, message, o.id); err != nil {
						return fmt.Errorf("reap: stage retry: %w", err)
					}
					if _, err := tx.ExecContext(ctx, `
						INSERT INTO task_queue (task_id, session_id, priority, scheduled_at)
						VALUES (?, ?, ?, datetime('now', CAST(? AS TEXT) || ' seconds'));
					`, o.id, o.sessionID, o.priority, delaySeconds); err != nil {
						return fmt.Errorf("reap: requeue task: %w", err)
					}
					if err := applyProgressDeltaTx(ctx, tx, o.sessionID, progressDelta{processing: -1, pending: 1}); err != nil {
						return err
					}
					report.TasksRecovered++
				} else {
					if _, err := tx.ExecContext(ctx, `
						UPDATE tasks
						SET error_type = 'worker_offline',
						    error_message = ?,
						    completed_at = CURRENT_TIMESTAMP
						WHERE id = ?;
					`, message, o.id); err != nil {
						return fmt.Errorf("reap: mark task failed: %w", err)
					}
					if err := applyProgressDeltaTx(ctx, tx, o.sessionID, progressDelta{processing: -1, failed: 1}); err != nil {
						return err
					}
					report.TasksFailed++
				}

				if err := appendErrorTx(ctx, tx, ErrorRecord{
					TaskID:      o.id,
					SessionID:   o.sessionID,
					ErrorType:   "worker_offline",
					Message:     message,
					Recoverable: willRetry,
					RetryCount:  retryCount,
				}); err != nil {
					return err
				}
				taskEvents = append(taskEvents, taskEvent{
					taskID:    o.id,
					sessionID: o.sessionID,
					workerID:  workerID,
					status:    target,
				})
			}
		}

		report.WorkersReaped = len(staleIDs)
		report.WorkerIDs = staleIDs
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reap tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range report.WorkerIDs {
		s.publish(bus.TopicWorkerOffline, bus.WorkerEvent{
			WorkerID:       id,
			Status:         string(WorkerStatusOffline),
			ReclaimedTasks: report.TasksRecovered + report.TasksFailed,
		})
	}
	for _, ev := range taskEvents {
		topic := bus.TopicTaskFailed
		if ev.status == TaskStatusRetrying {
			topic = bus.TopicTaskRetrying
		}
		s.publish(topic, bus.TaskStateChangedEvent{
			TaskID:    ev.taskID,
			SessionID: ev.sessionID,
			WorkerID:  ev.workerID,
			OldStatus: string(TaskStatusInProgress),
			NewStatus: string(ev.status),
		})
	}
	return report, nil
}

// WorkerStats aggregates fleet-wide counters.
type WorkerStats struct {
	Total              int64   `json:"total"`
	Online             int64   `json:"online"`
	Busy               int64   `json:"busy"`
	Offline            int64   `json:"offline"`
	ActiveTasks        int64   `json:"active_tasks"`
	TotalCompleted     int64   `json:"total_completed"`
	TotalFailed        int64   `json:"total_failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

func (s *Store) WorkerStatistics(ctx context.Context) (*WorkerStats, error) {
	stats := &WorkerStats{}
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*),
			       COALESCE(SUM(CASE WHEN status != 'offline' THEN 1 ELSE 0 END), 0),
			       COALESCE(SUM(CASE WHEN status = 'busy' THEN 1 ELSE 0 END), 0),
			       COALESCE(SUM(CASE WHEN status = 'offline' THEN 1 ELSE 0 END), 0),
			       COALESCE(SUM(current_task_count), 0),
			       COALESCE(SUM(total_completed), 0),
			       COALESCE(SUM(total_failed), 0),
			       COALESCE(AVG(CASE WHEN total_completed > 0 THEN avg_duration_seconds END), 0)
			FROM workers;
		`).Scan(
			&stats.Total,
			&stats.Online,
			&stats.Busy,
			&stats.Offline,
			&stats.ActiveTasks,
			&stats.TotalCompleted,
			&stats.TotalFailed,
			&stats.AvgDurationSeconds,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("worker statistics: %w", err)
	}
	return stats, nil
}
