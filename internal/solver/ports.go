// Package solver drives plate-solving jobs from submission to a terminal state and
// decides which images to submit next.
package solver

import (
	"context"

	"astro-solver/internal/models"
)

// JobStore persists plate-solving jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	// UpdateJob persists status, ids, completion time and result.
	// It returns models.ErrTerminalJob when the stored row is already terminal.
	UpdateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListActiveJobs(ctx context.Context) ([]models.Job, error)
	ListJobsForImages(ctx context.Context, imageIDs []string) ([]models.Job, error)
}

// ImageStore is the catalog of images owned by photo sync.
type ImageStore interface {
	ListUnsolvedImages(ctx context.Context) ([]models.Image, error)
	GetImage(ctx context.Context, id string) (models.Image, error)
	UpdateImage(ctx context.Context, id string, patch models.ImagePatch) error
}

// ImageFetcher loads the bytes uploaded to the solving service.
type ImageFetcher interface {
	Fetch(ctx context.Context, image models.Image) (data []byte, filename string, err error)
}

// SidecarInput is handed to the sidecar writer after a successful solve.
type SidecarInput struct {
	Image         models.Image
	Result        models.SolveResult
	ExternalJobID string
	Equipment     []string
}

// SidecarWriter persists solve results next to the image. Its failures never fail a job.
type SidecarWriter interface {
	Write(ctx context.Context, in SidecarInput) error
}

// Notifier creates user-facing notifications. It never returns errors.
type Notifier interface {
	Notify(ctx context.Context, typ, title, message string, details any)
}

// Limiter throttles uploads to the solving service.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Submitter submits a single image.
type Submitter interface {
	SubmitJob(ctx context.Context, image models.Image) (models.Job, error)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, string, any) {}
