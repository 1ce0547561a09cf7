package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailtask/internal/model"
)

// InsertTaskLog appends a task journal entry.
func (s *SQLiteStore) InsertTaskLog(ctx context.Context, e *model.TaskLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_log (
			id, task_id, label, operation, outcome, error,
			created_at, started_at, finished_at, freed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Label, e.Operation, e.Outcome, e.Error,
		e.CreatedAt.UTC(), utcPtr(e.StartedAt), utcPtr(e.FinishedAt), e.FreedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting task log for task %d: %w", e.TaskID, err)
	}
	return nil
}

// GetTaskLogs returns journal entries, most recently freed first.
func (s *SQLiteStore) GetTaskLogs(ctx context.Context, filter TaskLogFilter) ([]model.TaskLog, error) {
	query := `SELECT id, task_id, label, operation, outcome, error,
		created_at, started_at, finished_at, freed_at FROM task_log`
	var args []interface{}
	if filter.Outcome != nil {
		query += " WHERE outcome = ?"
		args = append(args, *filter.Outcome)
	}
	query += " ORDER BY freed_at DESC, task_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task log: %w", err)
	}
	defer rows.Close()

	var out []model.TaskLog
	for rows.Next() {
		var (
			e        model.TaskLog
			started  sql.NullTime
			finished sql.NullTime
		)
		err := rows.Scan(
			&e.ID, &e.TaskID, &e.Label, &e.Operation, &e.Outcome, &e.Error,
			&e.CreatedAt, &started, &finished, &e.FreedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning task log row: %w", err)
		}
		if started.Valid {
			e.StartedAt = &started.Time
		}
		if finished.Valid {
			e.FinishedAt = &finished.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeTaskLogs keeps only the keep most recent journal entries.
func (s *SQLiteStore) PurgeTaskLogs(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_log WHERE id NOT IN (
			SELECT id FROM task_log ORDER BY freed_at DESC, task_id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("purging task log: %w", err)
	}
	return res.RowsAffected()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
