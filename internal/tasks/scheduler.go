// Package tasks runs periodic maintenance tasks on cron schedules with per-run failure isolation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"astro-solver/internal/logging"
	"astro-solver/internal/models"
	"astro-solver/internal/telemetry"
)

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrTaskDisabled = errors.New("task disabled")
	ErrShutdown     = errors.New("scheduler shut down")
)

// Task is the body of a scheduled task.
type Task func(ctx context.Context) error

// Recorder persists task metadata and run outcomes.
type Recorder interface {
	UpsertScheduledTask(ctx context.Context, t models.ScheduledTask) error
	RecordTaskRun(ctx context.Context, id string, at time.Time, runErr error) error
}

// Notifier receives one notification per failed run.
type Notifier interface {
	Notify(ctx context.Context, typ, title, message string, details any)
}

// Spec is the current schedule of a task.
type Spec struct {
	Schedule string
	Enabled  bool
}

// SpecResolver returns the current schedule for a task id, or false when it has none.
type SpecResolver func(id string) (Spec, bool)

type entry struct {
	name    string
	spec    Spec
	task    Task
	job     gocron.Job
	running sync.Mutex
}

// Scheduler owns the gocron scheduler and the registered tasks, keyed by id.
type Scheduler struct {
	sched    gocron.Scheduler
	recorder Recorder
	notifier Notifier
	resolver SpecResolver
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	started  bool
	shutdown bool
}

type Option func(*Scheduler)

func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

func WithResolver(r SpecResolver) Option { return func(s *Scheduler) { s.resolver = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New builds a scheduler. Call Start to begin firing jobs.
func New(recorder Recorder, opts ...Option) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithStopTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("new gocron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sched:    sched,
		recorder: recorder,
		notifier: noopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tasks")
	return s, nil
}

// Register adds a task whose schedule comes from the resolver. Tasks the resolver reports as disabled
// are registered without a live job.
func (s *Scheduler) Register(ctx context.Context, id, name string, task Task) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if e, ok := s.entries[id]; ok {
		e.name, e.task = name, task
	} else {
		s.entries[id] = &entry{name: name, task: task}
	}
	s.mu.Unlock()
	return s.RescheduleJob(ctx, id)
}

// ScheduleJob installs task under id on cronExpr, replacing any job already registered under id.
func (s *Scheduler) ScheduleJob(ctx context.Context, id, name, cronExpr string, task Task) error {
	if _, err := ParseCron(cronExpr); err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", id, cronExpr, err)
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	if err := s.removeLocked(e); err != nil {
		s.mu.Unlock()
		return err
	}
	e.name, e.task = name, task
	e.spec = Spec{Schedule: cronExpr, Enabled: true}

	job, err := s.sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.wrap(id, e)),
		gocron.WithName(id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("schedule task %s: %w", id, err)
	}
	e.job = job
	spec := e.spec
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "task scheduled", "task", id, "schedule", cronExpr)
	s.persist(ctx, id, name, spec)
	return nil
}

// RescheduleJob re-reads the spec for id and reinstalls, removes or keeps its job accordingly.
func (s *Scheduler) RescheduleJob(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	name, task, current, live := e.name, e.task, e.spec, e.job != nil
	s.mu.Unlock()

	spec, ok := Spec{}, false
	if s.resolver != nil {
		spec, ok = s.resolver(id)
	}
	if !ok {
		return nil
	}
	if !spec.Enabled {
		return s.unschedule(ctx, id, spec)
	}
	if live && current == spec {
		return nil
	}
	return s.ScheduleJob(ctx, id, name, spec.Schedule, task)
}

// RescheduleAll reschedules every registered task, continuing past failures.
func (s *Scheduler) RescheduleAll(ctx context.Context) error {
	var errs []error
	for _, id := range s.ids() {
		if err := s.RescheduleJob(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) unschedule(ctx context.Context, id string, spec Spec) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	wasLive := e.job != nil
	if err := s.removeLocked(e); err != nil {
		s.mu.Unlock()
		return err
	}
	e.spec = spec
	name := e.name
	s.mu.Unlock()

	if wasLive {
		s.logger.InfoContext(ctx, "task disabled", "task", id)
	}
	s.persist(ctx, id, name, spec)
	return nil
}

func (s *Scheduler) removeLocked(e *entry) error {
	if e.job == nil {
		return nil
	}
	if err := s.sched.RemoveJob(e.job.ID()); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("remove job %s: %w", e.job.Name(), err)
	}
	e.job = nil
	return nil
}

// RunNow triggers an immediate run of id outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	job := e.job
	s.mu.Unlock()

	if job == nil {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, id)
	}
	return job.RunNow()
}

// Tasks returns the registered tasks sorted by id.
func (s *Scheduler) Tasks() []models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledTask, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, models.ScheduledTask{ID: id, Name: e.name, Schedule: e.spec.Schedule, Enabled: e.job != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.shutdown {
		return
	}
	s.started = true
	s.sched.Start()
}

// Shutdown cancels running tasks and stops the scheduler. Calling it again is a no-op.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// wrap isolates a run: panics become errors, and every outcome is recorded and counted.
func (s *Scheduler) wrap(id string, e *entry) func() {
	return func() {
		e.running.Lock()
		defer e.running.Unlock()

		s.mu.Lock()
		name, task := e.name, e.task
		s.mu.Unlock()

		ctx := logging.ContextAttrs(s.ctx, slog.String("task", id))
		started := s.now()
		err := s.safeRun(ctx, task)
		elapsed := time.Since(started)

		if recErr := s.recorder.RecordTaskRun(ctx, id, started, err); recErr != nil {
			s.logger.WarnContext(ctx, "record task run failed", "error", recErr)
		}
		if err != nil {
			telemetry.TaskRuns.WithLabelValues(id, "error").Inc()
			s.logger.ErrorContext(ctx, "task failed", "error", err, "duration", elapsed)
			s.notifier.Notify(ctx, models.NotificationError,
				fmt.Sprintf("Scheduled task %q failed", name), err.Error(),
				map[string]any{"task_id": id, "started_at": started})
			return
		}
		telemetry.TaskRuns.WithLabelValues(id, "ok").Inc()
		s.logger.InfoContext(ctx, "task completed", "duration", elapsed)
	}
}

func (s *Scheduler) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (s *Scheduler) persist(ctx context.Context, id, name string, spec Spec) {
	t := models.ScheduledTask{ID: id, Name: name, Schedule: spec.Schedule, Enabled: spec.Enabled}
	if err := s.recorder.UpsertScheduledTask(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "persist task failed", "task", id, "error", err)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, string, any) {}
