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

var allowedSessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionStatusActive: {
		SessionStatusCompleted: {},
		SessionStatusFailed:    {},
		SessionStatusCancelled: {},
	},
}

func canTransitionSession(from, to SessionStatus) bool {
	next, ok := allowedSessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CreateSession opens a new session and its zeroed progress row in one
// transaction. Config is stored verbatim and never changes afterwards.
func (s *Store) CreateSession(ctx context.Context, config, metadata json.RawMessage) (*Session, error) {
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	if !json.Valid(config) {
		return nil, errors.New("create session: config must be valid JSON")
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	if !json.Valid(metadata) {
		return nil, errors.New("create session: metadata must be valid JSON")
	}

	sessionID := uuid.NewString()
	var created *Session
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, status, config, metadata)
			VALUES (?, 'active', ?, ?);
		`, sessionID, string(config), string(metadata)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO progress (session_id, last_update) VALUES (?, CURRENT_TIMESTAMP);
		`, sessionID); err != nil {
			return fmt.Errorf("insert progress row: %w", err)
		}

		created, err = s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create session tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicSessionStateChanged, bus.SessionEvent{
		SessionID: sessionID,
		NewStatus: string(SessionStatusActive),
	})
	return created, nil
}

const sessionColumns = `id, status, config, metadata, created_at, updated_at`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var config, metadata string
	if err := scanFn(
		&sess.ID,
		&sess.Status,
		&config,
		&metadata,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	); err != nil {
		return err
	}
	sess.Config = json.RawMessage(config)
	sess.Metadata = json.RawMessage(metadata)
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
		return scanSession(row.Scan, sess)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*Session, error) {
	sess := &Session{}
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
	if err := scanSession(row.Scan, sess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get session in tx: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. status narrows the list when
// non-empty.
func (s *Store) ListSessions(ctx context.Context, status SessionStatus, limit, offset int) ([]*Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	var sessions []*Session
	err := retryOnBusy(ctx, 5, func() error {
		sessions = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			sess := &Session{}
			if err := scanSession(rows.Scan, sess); err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateSessionMetadata replaces a session's metadata blob. Config stays
// immutable; metadata is the mutable side channel for callers.
func (s *Store) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata json.RawMessage) (*Session, error) {
	if len(metadata) == 0 || !json.Valid(metadata) {
		return nil, errors.New("update session: metadata must be valid JSON")
	}

	var updated *Session
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(metadata), sessionID)
		if err != nil {
			return fmt.Errorf("update session metadata: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		updated, err = s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update session tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionSession moves an active session to a terminal status. Terminal
// sessions are final.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, to SessionStatus) (*Session, error) {
	var (
		updated *Session
		from    SessionStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		sess, err := s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		from = sess.Status
		if !canTransitionSession(from, to) {
			return fmt.Errorf("session %s is %s: %w", sessionID, from, ErrTerminalState)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, to, sessionID, from); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}

		updated, err = s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session transition tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicSessionStateChanged, bus.SessionEvent{
		SessionID: sessionID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	return updated, nil
}

// CancelSession cancels every non-terminal task in the session, frees any
// worker slots they held, then marks the session cancelled. Returns how many
// tasks were cancelled.
func (s *Store) CancelSession(ctx context.Context, sessionID string) (int, error) {
	type abortNotice struct {
		taskID   string
		workerID string
	}
	var (
		cancelled int
		aborts    []abortNotice
	)
	err := retryOnBusy(ctx, 5, func() error {
		cancelled = 0
		aborts = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		sess, err := s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != SessionStatusActive {
			return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrTerminalState)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, status, COALESCE(worker_id, '')
			FROM tasks
			WHERE session_id = ? AND status IN ('pending', 'retrying', 'in_progress');
		`, sessionID)
		if err != nil {
			return fmt.Errorf("cancel session: list live tasks: %w", err)
		}
		type liveTask struct {
			id       string
			status   TaskStatus
			workerID string
		}
		var live []liveTask
		for rows.Next() {
			var t liveTask
			if err := rows.Scan(&t.id, &t.status, &t.workerID); err != nil {
				rows.Close()
				return fmt.Errorf("cancel session: scan task: %w", err)
			}
			live = append(live, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range live {
			_, _, ok, err := s.transitionTaskTx(ctx, tx, t.id,
				[]TaskStatus{TaskStatusPending, TaskStatusRetrying, TaskStatusInProgress}, TaskStatusCancelled)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			switch t.status {
			case TaskStatusPending, TaskStatusRetrying:
				if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, t.id); err != nil {
					return fmt.Errorf("cancel session: remove queue row: %w", err)
				}
				if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{pending: -1}); err != nil {
					return err
				}
			case TaskStatusInProgress:
				if t.workerID != "" {
					if _, err := tx.ExecContext(ctx, `
						UPDATE workers
						SET current_task_count = MAX(current_task_count - 1, 0),
						    status = CASE WHEN status != 'offline' AND current_task_count - 1 <= 0 THEN 'idle' ELSE status END
						WHERE id = ?;
					`, t.workerID); err != nil {
						return fmt.Errorf("cancel session: free worker slot: %w", err)
					}
					aborts = append(aborts, abortNotice{taskID: t.id, workerID: t.workerID})
				}
				if err := applyProgressDeltaTx(ctx, tx, sessionID, progressDelta{processing: -1}); err != nil {
					return err
				}
			}
			cancelled++
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("cancel session: update status: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel session tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, a := range aborts {
		s.publish(bus.TopicTaskCancelRequested, bus.TaskCancelEvent{TaskID: a.taskID, WorkerID: a.workerID})
	}
	s.publish(bus.TopicSessionStateChanged, bus.SessionEvent{
		SessionID: sessionID,
		OldStatus: string(SessionStatusActive),
		NewStatus: string(SessionStatusCancelled),
	})
	return cancelled, nil
}

// DeleteSession removes a session and everything hanging off it: tasks,
// queue rows, progress and error history all cascade. Worker slots held by
// the session's in_progress tasks are freed first.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := s.getSessionTx(ctx, tx, sessionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET current_task_count = MAX(current_task_count - (
				SELECT COUNT(*) FROM tasks
				WHERE tasks.worker_id = workers.id
				  AND tasks.session_id = ?
				  AND tasks.status = 'in_progress'
			), 0)
			WHERE id IN (
				SELECT DISTINCT worker_id FROM tasks
				WHERE session_id = ? AND status = 'in_progress' AND worker_id IS NOT NULL
			);
		`, sessionID, sessionID); err != nil {
			return fmt.Errorf("delete session: free worker slots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = 'idle'
			WHERE status = 'busy' AND current_task_count = 0;
		`); err != nil {
			return fmt.Errorf("delete session: settle worker status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete session tx: %w", err)
		}
		return nil
	})
}
