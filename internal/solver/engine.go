package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/models"
	"astro-solver/internal/telemetry"
)

// Engine drives jobs through pending -> processing -> {success | failed}.
type Engine struct {
	client   astrometry.Client
	jobs     JobStore
	images   ImageStore
	fetcher  ImageFetcher
	sidecar  SidecarWriter
	emitter  events.Emitter
	notifier Notifier
	settings config.Source
	logger   *slog.Logger

	jobTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	session string
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Client  astrometry.Client
	Jobs    JobStore
	Images  ImageStore
	Fetcher ImageFetcher
}

// Option configures an Engine.
type Option func(*Engine)

// WithSidecar sets the writer invoked after a successful solve.
func WithSidecar(w SidecarWriter) Option {
	return func(e *Engine) { e.sidecar = w }
}

// WithEmitter sets the event emitter.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithSettings sets the runtime settings source consulted by CompleteWorkflow.
func WithSettings(s config.Source) Option {
	return func(e *Engine) { e.settings = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithJobTimeout fails jobs still processing after d. Zero disables the window.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) { e.jobTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		client:   deps.Client,
		jobs:     deps.Jobs,
		images:   deps.Images,
		fetcher:  deps.Fetcher,
		emitter:  events.Discard{},
		notifier: noopNotifier{},
		settings: config.Static(config.DefaultSettings()),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitJob uploads image and records a processing job.
// A permanent rejection records a failed job so the auto-resubmit policy applies to it;
// transient failures and rejected credentials record nothing.
func (e *Engine) SubmitJob(ctx context.Context, image models.Image) (models.Job, error) {
	data, filename, err := e.fetcher.Fetch(ctx, image)
	if err != nil {
		return models.Job{}, fmt.Errorf("fetch image %s: %w", image.ID, err)
	}

	var subID string
	err = e.withSession(ctx, func(session string) error {
		var err error
		subID, err = e.client.Submit(ctx, session, data, filename)
		return err
	})
	switch {
	case err == nil:
	case astrometry.IsConfiguration(err):
		return models.Job{}, err
	case astrometry.IsTransient(err):
		telemetry.TransientErrors.Inc()
		return models.Job{}, err
	case astrometry.IsPermanent(err):
		now := e.now().UTC()
		job, cerr := e.jobs.CreateJob(ctx, models.Job{
			ImageID:     image.ID,
			Status:      models.StatusFailed,
			SubmittedAt: now,
			CompletedAt: &now,
			Result:      &models.SolveResult{Error: solveError(models.ErrorKindRejected, err)},
		})
		if cerr != nil {
			return models.Job{}, errors.Join(err, fmt.Errorf("record rejected job: %w", cerr))
		}
		telemetry.JobsFailed.Inc()
		e.emit(ctx, job)
		e.notifier.Notify(ctx, models.NotificationError, "Plate solving upload rejected",
			fmt.Sprintf("%s: %v", image.Filename, err), jobDetails(job))
		return job, err
	default:
		return models.Job{}, err
	}

	job, err := e.jobs.CreateJob(ctx, models.Job{
		ImageID:      image.ID,
		SubmissionID: subID,
		Status:       models.StatusProcessing,
		SubmittedAt:  e.now().UTC(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("record job for submission %s: %w", subID, err)
	}
	telemetry.JobsSubmitted.Inc()
	e.logger.InfoContext(ctx, "image submitted", "image_id", image.ID, "job_id", job.ID, "submission_id", subID)
	e.emit(ctx, job)
	return job, nil
}

// PollOnce advances job by one poll of the solving service and returns its new state.
// A TransientError is returned with the job unchanged; the next poll retries.
func (e *Engine) PollOnce(ctx context.Context, job models.Job) (models.Job, error) {
	if !job.Active() {
		return job, nil
	}
	if e.jobTimeout > 0 && e.now().Sub(job.SubmittedAt) > e.jobTimeout {
		return e.fail(ctx, job, &models.SolveError{
			Kind:    models.ErrorKindTimeout,
			Message: fmt.Sprintf("not resolved within %s", e.jobTimeout),
		})
	}

	st, err := e.client.PollSubmission(ctx, job.SubmissionID)
	if err != nil {
		return e.handlePollError(ctx, job, err)
	}

	if st.ExternalJobID != "" && (job.ExternalJobID == nil || *job.ExternalJobID != st.ExternalJobID) {
		ext := st.ExternalJobID
		job.ExternalJobID = &ext
		if !st.Terminal {
			job.Status = models.StatusProcessing
			if err := e.jobs.UpdateJob(ctx, job); err != nil {
				return job, fmt.Errorf("record external job id: %w", err)
			}
		}
	}

	switch {
	case !st.Terminal:
		return job, nil
	case st.Failed:
		return e.fail(ctx, job, &models.SolveError{Kind: models.ErrorKindRejected, Message: st.Reason})
	default:
		return e.succeed(ctx, job)
	}
}

func (e *Engine) handlePollError(ctx context.Context, job models.Job, err error) (models.Job, error) {
	switch {
	case astrometry.IsTransient(err):
		telemetry.TransientErrors.Inc()
		return job, err
	case astrometry.IsPermanent(err):
		return e.fail(ctx, job, solveError(models.ErrorKindPermanent, err))
	default:
		return job, err
	}
}

func (e *Engine) succeed(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ExternalJobID == nil || *job.ExternalJobID == "" {
		return e.fail(ctx, job, solveError(models.ErrorKindPermanent, &astrometry.PermanentError{
			Op:  "poll submission",
			Err: fmt.Errorf("%w: solved without a job id", astrometry.ErrInvalidResponse),
		}))
	}
	res, err := e.client.FetchResult(ctx, *job.ExternalJobID)
	if err != nil {
		return e.handlePollError(ctx, job, err)
	}

	now := e.now().UTC()
	if err := e.images.UpdateImage(ctx, job.ImageID, models.PatchFromResult(res, now)); err != nil {
		return job, fmt.Errorf("patch image %s: %w", job.ImageID, err)
	}

	next := job
	next.Status = models.StatusSuccess
	next.CompletedAt = &now
	next.Result = &res
	if err := e.transition(ctx, job, next); err != nil {
		return job, err
	}
	telemetry.JobsSucceeded.Inc()
	e.logger.InfoContext(ctx, "job solved", "job_id", job.ID, "image_id", job.ImageID, "external_job_id", *job.ExternalJobID)

	e.writeSidecar(ctx, next, res)
	e.emit(ctx, next)
	return next, nil
}

func (e *Engine) writeSidecar(ctx context.Context, job models.Job, res models.SolveResult) {
	if e.sidecar == nil {
		return
	}
	image, err := e.images.GetImage(ctx, job.ImageID)
	if err != nil {
		e.logger.WarnContext(ctx, "load image for sidecar", "image_id", job.ImageID, "error", err)
		return
	}
	in := SidecarInput{Image: image, Result: res, Equipment: image.Equipment}
	if job.ExternalJobID != nil {
		in.ExternalJobID = *job.ExternalJobID
	}
	if err := e.sidecar.Write(ctx, in); err != nil {
		e.logger.WarnContext(ctx, "sidecar write failed", "image_id", job.ImageID, "job_id", job.ID, "error", err)
	}
}

func (e *Engine) fail(ctx context.Context, job models.Job, cause *models.SolveError) (models.Job, error) {
	now := e.now().UTC()
	next := job
	next.Status = models.StatusFailed
	next.CompletedAt = &now
	next.Result = &models.SolveResult{Error: cause}
	if err := e.transition(ctx, job, next); err != nil {
		return job, err
	}
	telemetry.JobsFailed.Inc()
	e.logger.WarnContext(ctx, "job failed", "job_id", job.ID, "image_id", job.ImageID, "kind", cause.Kind, "reason", cause.Message)

	e.emit(ctx, next)
	e.notifier.Notify(ctx, models.NotificationError, "Plate solving failed", cause.Message, jobDetails(next))
	return next, nil
}

func (e *Engine) transition(ctx context.Context, from, to models.Job) error {
	if !models.CanTransition(from.Status, to.Status) {
		return fmt.Errorf("job %s: %s -> %s: %w", from.ID, from.Status, to.Status, models.ErrTerminalJob)
	}
	if err := e.jobs.UpdateJob(ctx, to); err != nil {
		return fmt.Errorf("persist job %s: %w", from.ID, err)
	}
	return nil
}

// PollActive polls every active job once. A failing job never stops the others.
func (e *Engine) PollActive(ctx context.Context) error {
	jobs, err := e.jobs.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	active := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next, err := e.PollOnce(ctx, job)
		if err != nil {
			level := slog.LevelWarn
			if astrometry.IsTransient(err) {
				level = slog.LevelDebug
			}
			e.logger.Log(ctx, level, "poll job", "job_id", job.ID, "submission_id", job.SubmissionID, "error", err)
		}
		if next.Active() {
			active++
		}
	}
	telemetry.ActiveJobsGauge.Set(float64(active))
	return nil
}

// CompleteWorkflow submits image and polls it until it resolves or maxWait elapses.
// On timeout it returns the still-processing job with a *WorkflowTimeoutError.
func (e *Engine) CompleteWorkflow(ctx context.Context, image models.Image, maxWait time.Duration) (models.Job, error) {
	settings := e.settings.Current()
	if !settings.Enabled {
		return models.Job{}, &astrometry.ConfigurationError{Reason: "plate solving is disabled"}
	}

	job, err := e.SubmitJob(ctx, image)
	if err != nil {
		return job, err
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	interval := settings.PollInterval
	if interval <= 0 {
		interval = config.DefaultSettings().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-deadline.C:
			return job, &WorkflowTimeoutError{JobID: job.ID, Waited: maxWait, Err: lastErr}
		case <-ticker.C:
		}

		next, err := e.PollOnce(ctx, job)
		job = next
		if err != nil {
			if astrometry.IsTransient(err) {
				lastErr = err
				continue
			}
			return job, err
		}
		if job.Terminal() {
			return job, nil
		}
	}
}

// withSession runs fn with a cached session, logging in again once when the session was rejected.
// Credentials the service keeps rejecting come back as a ConfigurationError.
func (e *Engine) withSession(ctx context.Context, fn func(session string) error) error {
	session, err := e.currentSession(ctx)
	if err != nil {
		return credentialError(err)
	}
	err = fn(session)
	if !errors.Is(err, astrometry.ErrAuthFailed) {
		return err
	}
	e.resetSession()
	if session, err = e.currentSession(ctx); err != nil {
		return credentialError(err)
	}
	return credentialError(fn(session))
}

func credentialError(err error) error {
	if errors.Is(err, astrometry.ErrAuthFailed) {
		return &astrometry.ConfigurationError{Reason: "solving service rejected the API key: " + err.Error()}
	}
	return err
}

func (e *Engine) currentSession(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != "" {
		return e.session, nil
	}
	session, err := e.client.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	e.session = session
	return session, nil
}

func (e *Engine) resetSession() {
	e.mu.Lock()
	e.session = ""
	e.mu.Unlock()
}

func (e *Engine) emit(ctx context.Context, job models.Job) {
	e.emitter.Emit(ctx, events.JobUpdateEvent, events.JobUpdate{
		JobID:   job.ID,
		ImageID: job.ImageID,
		Status:  job.Status,
		Result:  job.Result,
	})
}

func solveError(kind string, err error) *models.SolveError {
	se := &models.SolveError{Kind: kind, Message: err.Error()}
	var pe *astrometry.PermanentError
	if errors.As(err, &pe) {
		se.StatusCode = pe.StatusCode
	}
	return se
}

func jobDetails(job models.Job) map[string]string {
	return map[string]string{"job_id": job.ID, "image_id": job.ImageID, "submission_id": job.SubmissionID}
}
