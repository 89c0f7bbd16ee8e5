package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"astro-solver/internal/models"
)

const jobColumns = `id, image_id, submission_id, external_job_id, status, submitted_at, completed_at, result, created_at, updated_at`

// CreateJob inserts a job row and returns it with id and timestamps assigned.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	result, err := marshalResult(job.Result)
	if err != nil {
		return models.Job{}, err
	}
	now := time.Now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plate_solving_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, job.ID, job.ImageID, job.SubmissionID, job.ExternalJobID, job.Status, job.SubmittedAt, job.CompletedAt, result, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// UpdateJob persists a job's mutable fields. Rows already in a terminal status are never
// overwritten; such updates return models.ErrTerminalJob.
func (s *Store) UpdateJob(ctx context.Context, job models.Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE plate_solving_jobs
		SET status = $2, submission_id = $3, external_job_id = $4, completed_at = $5, result = $6, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, job.ID, job.Status, job.SubmissionID, job.ExternalJobID, job.CompletedAt, result)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return fmt.Errorf("update job %s: %w", job.ID, models.ErrTerminalJob)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM plate_solving_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ListActiveJobs returns pending and processing jobs, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM plate_solving_jobs
		WHERE status IN ('pending', 'processing')
		ORDER BY submitted_at, id
	`)
}

// ListJobsForImages returns every job of the given images.
func (s *Store) ListJobsForImages(ctx context.Context, imageIDs []string) ([]models.Job, error) {
	if len(imageIDs) == 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM plate_solving_jobs
		WHERE image_id = ANY($1)
		ORDER BY created_at, id
	`, imageIDs)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  string
	ImageID string
	Limit   int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM plate_solving_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR image_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, f.Status, f.ImageID, f.Limit)
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var ext pgtype.Text
	var completed pgtype.Timestamptz
	var result []byte
	if err := row.Scan(&job.ID, &job.ImageID, &job.SubmissionID, &ext, &job.Status, &job.SubmittedAt, &completed, &result, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ExternalJobID = textPtr(ext)
	job.CompletedAt = timePtr(completed)
	if len(result) > 0 {
		var res models.SolveResult
		if err := json.Unmarshal(result, &res); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result of job %s: %w", job.ID, err)
		}
		job.Result = &res
	}
	return job, nil
}

func marshalResult(res *models.SolveResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}
