// Package worker runs the cooperative plate-solving loop inside the supervised worker process.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/config"
	"astro-solver/internal/models"
)

// Catalog is the read side the loop needs to pick work.
type Catalog interface {
	ListUnsolvedImages(ctx context.Context) ([]models.Image, error)
	ListJobsForImages(ctx context.Context, imageIDs []string) ([]models.Job, error)
	ListActiveJobs(ctx context.Context) ([]models.Job, error)
}

// Selector submits new images within the concurrency budget.
type Selector interface {
	SelectAndSubmit(ctx context.Context, images []models.Image, jobs []models.Job, maxConcurrent int, autoResubmit bool) ([]models.Job, error)
}

// Poller advances every active job by one poll.
type Poller interface {
	PollActive(ctx context.Context) error
}

// Processor drives the worker loop: submit, poll, sleep.
type Processor struct {
	catalog  Catalog
	selector Selector
	poller   Poller
	settings config.Source
	logger   *slog.Logger

	failures int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewProcessor(catalog Catalog, selector Selector, poller Poller, settings config.Source, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		catalog:  catalog,
		selector: selector,
		poller:   poller,
		settings: settings,
		logger:   logger.With("component", "worker"),
		sleep:    sleepCtx,
	}
}

// Run loops until ctx is cancelled. Settings are re-read at the top of every iteration.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker loop started")
	for {
		settings := p.settings.Current()
		wait := settings.CheckInterval

		if err := p.Tick(ctx, settings); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.failures++
			wait = backoffWithJitter(settings.CheckInterval, 10*settings.CheckInterval, p.failures)
			p.logger.ErrorContext(ctx, "worker iteration failed", "error", err, "failures", p.failures, "retry_in", wait)
		} else {
			p.failures = 0
		}

		if err := p.sleep(ctx, wait); err != nil {
			p.logger.InfoContext(ctx, "worker loop stopped")
			return err
		}
	}
}

// Tick runs one iteration: submit what the budget allows, then poll every active job.
// It does nothing while solving is disabled.
func (p *Processor) Tick(ctx context.Context, settings config.Settings) error {
	if !settings.Enabled {
		p.logger.DebugContext(ctx, "plate solving disabled, skipping iteration")
		return nil
	}

	images, err := p.catalog.ListUnsolvedImages(ctx)
	if err != nil {
		return fmt.Errorf("list unsolved images: %w", err)
	}
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	history, err := p.catalog.ListJobsForImages(ctx, ids)
	if err != nil {
		return fmt.Errorf("list jobs for images: %w", err)
	}
	active, err := p.catalog.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	submitted, err := p.selector.SelectAndSubmit(ctx, images, mergeJobs(history, active), settings.MaxConcurrent, settings.AutoResubmit)
	if err != nil {
		if astrometry.IsConfiguration(err) {
			p.logger.WarnContext(ctx, "plate solving not configured", "error", err)
			return nil
		}
		return err
	}
	if len(submitted) > 0 {
		p.logger.InfoContext(ctx, "images submitted", "count", len(submitted), "unsolved", len(images))
	}

	return p.poller.PollActive(ctx)
}

// mergeJobs combines per-image history with active jobs of images no longer listed as unsolved.
func mergeJobs(history, active []models.Job) []models.Job {
	seen := make(map[string]bool, len(history))
	out := make([]models.Job, 0, len(history)+len(active))
	for _, j := range history {
		seen[j.ID] = true
		out = append(out, j)
	}
	for _, j := range active {
		if !seen[j.ID] {
			out = append(out, j)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int64N(int64(wait/2) + 1))
	return wait/2 + jitter
}
