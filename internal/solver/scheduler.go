package solver

import (
	"context"
	"log/slog"
	"sort"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/models"
	"astro-solver/internal/telemetry"
)

// Scheduler picks which unsolved images to submit next under the concurrency ceiling.
// SelectAndSubmit is not safe to call concurrently with itself.
type Scheduler struct {
	submitter Submitter
	limiter   Limiter
	logger    *slog.Logger
}

// NewScheduler creates a scheduler. limiter may be nil.
func NewScheduler(submitter Submitter, limiter Limiter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{submitter: submitter, limiter: limiter, logger: logger}
}

// SelectAndSubmit attempts at most max(0, maxConcurrent-active) images and returns the jobs it created.
// A rejected upload still uses its slot.
// Images with a pending, processing or successful job are skipped, as are images with a failed job
// unless autoResubmit is set.
func (s *Scheduler) SelectAndSubmit(ctx context.Context, images []models.Image, jobs []models.Job, maxConcurrent int, autoResubmit bool) ([]models.Job, error) {
	active := 0
	blocked := make(map[string]bool)
	failed := make(map[string]bool)
	for _, j := range jobs {
		switch j.Status {
		case models.StatusPending, models.StatusProcessing:
			active++
			blocked[j.ImageID] = true
		case models.StatusSuccess:
			blocked[j.ImageID] = true
		case models.StatusFailed:
			failed[j.ImageID] = true
		}
	}

	slots := maxConcurrent - active
	if slots <= 0 {
		return nil, nil
	}

	ordered := make([]models.Image, len(images))
	copy(ordered, images)
	sort.SliceStable(ordered, func(i, k int) bool {
		a, b := ordered[i], ordered[k]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var submitted []models.Job
	attempts := 0
	for _, img := range ordered {
		if attempts >= slots {
			break
		}
		if img.Solved || blocked[img.ID] || (failed[img.ID] && !autoResubmit) {
			continue
		}
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if !s.allow(ctx) {
			break
		}

		attempts++
		job, err := s.submitter.SubmitJob(ctx, img)
		switch {
		case err == nil:
			submitted = append(submitted, job)
			blocked[img.ID] = true
		case astrometry.IsConfiguration(err):
			return submitted, err
		case astrometry.IsTransient(err):
			s.logger.WarnContext(ctx, "solving service unavailable, deferring submissions", "image_id", img.ID, "error", err)
			return submitted, nil
		default:
			s.logger.WarnContext(ctx, "submit image", "image_id", img.ID, "error", err)
		}
	}
	return submitted, nil
}

func (s *Scheduler) allow(ctx context.Context) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limiter unavailable, allowing submission", "error", err)
		return true
	}
	if !ok {
		telemetry.RateLimitRejects.Inc()
		s.logger.InfoContext(ctx, "upload rate limit reached, deferring submissions")
	}
	return ok
}
