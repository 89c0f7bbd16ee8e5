package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"astro-solver/internal/models"
)

// UpsertScheduledTask registers a task, keeping its run history.
func (s *Store) UpsertScheduledTask(ctx context.Context, t models.ScheduledTask) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, name, schedule, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, schedule = EXCLUDED.schedule, enabled = EXCLUDED.enabled, updated_at = NOW()
	`, t.ID, t.Name, t.Schedule, t.Enabled)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// RecordTaskRun stores the outcome of a run. A nil runErr clears the last error.
func (s *Store) RecordTaskRun(ctx context.Context, id string, at time.Time, runErr error) error {
	var lastErr *string
	if runErr != nil {
		msg := runErr.Error()
		lastErr = &msg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET last_run = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, at, lastErr)
	if err != nil {
		return fmt.Errorf("record run of task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// GetScheduledTask fetches a task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (models.ScheduledTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT id, name, schedule, enabled, last_run, last_error FROM scheduled_tasks WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledTask{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

// ListScheduledTasks returns every registered task.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, schedule, enabled, last_run, last_error FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (models.ScheduledTask, error) {
	var t models.ScheduledTask
	var lastRun pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(&t.ID, &t.Name, &t.Schedule, &t.Enabled, &lastRun, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.LastRun = timePtr(lastRun)
	t.LastError = textPtr(lastErr)
	return t, nil
}
