package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// appendErrorTx writes one row to the append-only failure log. Rows are
// never updated or deleted except by session cascade.
func appendErrorTx(ctx context.Context, tx *sql.Tx, rec ErrorRecord) error {
	details := sql.NullString{}
	if len(rec.Details) > 0 {
		details = sql.NullString{String: string(rec.Details), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_errors (task_id, session_id, error_type, error_message, error_details, recoverable, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.TaskID, rec.SessionID, rec.ErrorType, rec.Message, details, rec.Recoverable, rec.RetryCount); err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

// ErrorFilter narrows ListErrors. Zero values mean "any".
type ErrorFilter struct {
	SessionID   string
	TaskID      string
	ErrorType   string
	Recoverable *bool
	Limit       int
	Offset      int
}

// ListErrors returns failure history newest first.
func (s *Store) ListErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error) {
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
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.ErrorType != "" {
		where = append(where, "error_type = ?")
		args = append(args, filter.ErrorType)
	}
	if filter.Recoverable != nil {
		where = append(where, "recoverable = ?")
		args = append(args, *filter.Recoverable)
	}
	query := `SELECT error_id, task_id, session_id, error_type, error_message, error_details, recoverable, retry_count, created_at
		FROM task_errors`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY error_id DESC LIMIT ? OFFSET ?;`
	args = append(args, filter.Limit, filter.Offset)

	var records []*ErrorRecord
	err := retryOnBusy(ctx, 5, func() error {
		records = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list errors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec := &ErrorRecord{}
			var details sql.NullString
			if err := rows.Scan(
				&rec.ErrorID,
				&rec.TaskID,
				&rec.SessionID,
				&rec.ErrorType,
				&rec.Message,
				&details,
				&rec.Recoverable,
				&rec.RetryCount,
				&rec.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan error record: %w", err)
			}
			if details.Valid {
				rec.Details = []byte(details.String)
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ErrorSummary groups the failure log by error type.
type ErrorSummary struct {
	ErrorType   string `json:"error_type"`
	Count       int64  `json:"count"`
	Recoverable int64  `json:"recoverable"`
	Terminal    int64  `json:"terminal"`
}

func (s *Store) SummarizeErrors(ctx context.Context, sessionID string) ([]*ErrorSummary, error) {
	query := `
		SELECT error_type, COUNT(*),
		       COALESCE(SUM(CASE WHEN recoverable THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN recoverable THEN 0 ELSE 1 END), 0)
		FROM task_errors`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY error_type ORDER BY COUNT(*) DESC;`

	var summaries []*ErrorSummary
	err := retryOnBusy(ctx, 5, func() error {
		summaries = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("summarize errors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			sum := &ErrorSummary{}
			if err := rows.Scan(&sum.ErrorType, &sum.Count, &sum.Recoverable, &sum.Terminal); err != nil {
				return fmt.Errorf("scan error summary: %w", err)
			}
			summaries = append(summaries, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}
