package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// progressDelta is applied inside the same transaction as the task
// transition that caused it. Counters clamp at zero so a reconciled row can
// never go negative even if a delta races a recompute.
type progressDelta struct {
	total           int
	pending         int
	processing      int
	completed       int
	failed          int
	durationSeconds float64
}

func applyProgressDeltaTx(ctx context.Context, tx *sql.Tx, sessionID string, d progressDelta) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET total_tasks = MAX(total_tasks + ?, 0),
		    pending_tasks = MAX(pending_tasks + ?, 0),
		    processing_tasks = MAX(processing_tasks + ?, 0),
		    completed_tasks = MAX(completed_tasks + ?, 0),
		    failed_tasks = MAX(failed_tasks + ?, 0),
		    total_duration_seconds = MAX(total_duration_seconds + ?, 0),
		    last_update = CURRENT_TIMESTAMP
		WHERE session_id = ?;
	`, d.total, d.pending, d.processing, d.completed, d.failed, d.durationSeconds, sessionID); err != nil {
		return fmt.Errorf("apply progress delta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET avg_duration_seconds = CASE
			WHEN completed_tasks > 0 THEN total_duration_seconds / completed_tasks
			ELSE 0
		END
		WHERE session_id = ?;
	`, sessionID); err != nil {
		return fmt.Errorf("recompute avg duration: %w", err)
	}
	return nil
}

const progressColumns = `session_id, total_tasks, completed_tasks, failed_tasks,
	processing_tasks, pending_tasks, avg_duration_seconds, total_duration_seconds, last_update`

func scanProgress(scanFn func(dest ...any) error, p *Progress) error {
	var lastUpdate sql.NullTime
	if err := scanFn(
		&p.SessionID,
		&p.TotalTasks,
		&p.CompletedTasks,
		&p.FailedTasks,
		&p.ProcessingTasks,
		&p.PendingTasks,
		&p.AvgDurationSeconds,
		&p.TotalDurationSeconds,
		&lastUpdate,
	); err != nil {
		return err
	}
	if lastUpdate.Valid {
		t := lastUpdate.Time
		p.LastUpdate = &t
	}
	finished := p.CompletedTasks + p.FailedTasks
	if finished > 0 {
		p.SuccessRate = float64(p.CompletedTasks) / float64(finished) * 100
	}
	if p.TotalTasks > 0 {
		p.PercentComplete = float64(finished) / float64(p.TotalTasks) * 100
	}
	return nil
}

// GetProgress returns the maintained counter row for a session.
func (s *Store) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	p := &Progress{}
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM progress WHERE session_id = ?;`, sessionID)
		return scanProgress(row.Scan, p)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// ReconcileProgress recomputes a session's counters from the task table and
// overwrites the maintained row. pending counts both pending and retrying;
// total counts every task including cancelled ones.
func (s *Store) ReconcileProgress(ctx context.Context, sessionID string) (*Progress, error) {
	var p *Progress
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reconcile tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("reconcile: check session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("reconcile: session %s: %w", sessionID, ErrNotFound)
		}

		if err := reconcileProgressTx(ctx, tx, sessionID); err != nil {
			return err
		}

		p = &Progress{}
		row := tx.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM progress WHERE session_id = ?;`, sessionID)
		if err := scanProgress(row.Scan, p); err != nil {
			return fmt.Errorf("reconcile: read back: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reconcile tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func reconcileProgressTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO progress (session_id, total_tasks, pending_tasks, processing_tasks,
			completed_tasks, failed_tasks, total_duration_seconds, avg_duration_seconds, last_update)
		SELECT
			?,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'retrying') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed'
				THEN (julianday(completed_at) - julianday(started_at)) * 86400.0
				ELSE 0 END), 0),
			0,
			CURRENT_TIMESTAMP
		FROM tasks WHERE session_id = ?
		ON CONFLICT(session_id) DO UPDATE SET
			total_tasks = excluded.total_tasks,
			pending_tasks = excluded.pending_tasks,
			processing_tasks = excluded.processing_tasks,
			completed_tasks = excluded.completed_tasks,
			failed_tasks = excluded.failed_tasks,
			total_duration_seconds = excluded.total_duration_seconds,
			last_update = CURRENT_TIMESTAMP;
	`, sessionID, sessionID); err != nil {
		return fmt.Errorf("reconcile progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET avg_duration_seconds = CASE
			WHEN completed_tasks > 0 THEN total_duration_seconds / completed_tasks
			ELSE 0
		END
		WHERE session_id = ?;
	`, sessionID); err != nil {
		return fmt.Errorf("reconcile avg duration: %w", err)
	}
	return nil
}

// ReconcileAllProgress runs the recompute for every session. The scheduler
// calls this periodically as a drift sweep.
func (s *Store) ReconcileAllProgress(ctx context.Context) (int, error) {
	var sessionIDs []string
	err := retryOnBusy(ctx, 5, func() error {
		sessionIDs = nil
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions;`)
		if err != nil {
			return fmt.Errorf("list sessions for reconcile: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan session id: %w", err)
			}
			sessionIDs = append(sessionIDs, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	for _, id := range sessionIDs {
		if _, err := s.ReconcileProgress(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(sessionIDs), nil
}
