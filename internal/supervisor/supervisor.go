// Package supervisor keeps the worker subprocess alive: it spawns it, captures its output,
// restarts it with exponential backoff after crashes and stops it gracefully.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"astro-solver/internal/logging"
	"astro-solver/internal/models"
	"astro-solver/internal/telemetry"
)

// Process states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateCrashed  = "crashed"
)

// Command describes the worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Config tunes restarts and shutdown.
type Config struct {
	Command        Command
	RestartFloor   time.Duration
	RestartCeiling time.Duration
	MaxRestarts    int
	// StableAfter is how long a process must stay up before restart counters reset.
	StableAfter time.Duration
	StopGrace   time.Duration
}

// Status is a snapshot of the worker process state.
type Status struct {
	State           string        `json:"state"`
	Enabled         bool          `json:"enabled"`
	Running         bool          `json:"running"`
	PID             int           `json:"pid,omitempty"`
	RestartAttempts int           `json:"restart_attempts"`
	RestartDelay    time.Duration `json:"restart_delay"`
	LastError       string        `json:"last_error,omitempty"`
}

// SupervisionError reports a failed spawn or an abnormal exit. It drives restarts, never job state.
type SupervisionError struct {
	Op       string
	ExitCode int
	Err      error
}

func (e *SupervisionError) Error() string {
	if e.Op == "exit" {
		return fmt.Sprintf("worker exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
}

func (e *SupervisionError) Unwrap() error { return e.Err }

// Notifier receives a notification when restarts are exhausted.
type Notifier interface {
	Notify(ctx context.Context, typ, title, message string, details any)
}

// AfterFunc runs f after d and returns a func that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Supervisor owns the lifecycle of one worker subprocess.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	notifier  Notifier
	afterFunc AfterFunc

	mu           sync.Mutex
	enabled      bool
	shuttingDown bool
	stopping     bool
	state        string
	cmd          *exec.Cmd
	done         chan struct{}
	gen          int
	attempts     int
	backoff      *backoff.ExponentialBackOff
	delay        time.Duration
	cancelTimer  func() bool
	cancelStable func() bool
	lastErr      error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithNotifier sets the notifier used when restarts are exhausted.
func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// WithAfterFunc replaces time.AfterFunc for restart and stability timers.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Supervisor) { s.afterFunc = f }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	if cfg.RestartFloor <= 0 {
		cfg.RestartFloor = time.Second
	}
	if cfg.RestartCeiling < cfg.RestartFloor {
		cfg.RestartCeiling = cfg.RestartFloor
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RestartFloor
	b.MaxInterval = cfg.RestartCeiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		afterFunc: realAfterFunc,
		state:     StateStopped,
		backoff:   b,
	}
	s.delay = b.NextBackOff()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the worker unless it is already running, disabled or shutting down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown || !s.enabled || s.cmd != nil {
		s.mu.Unlock()
		return nil
	}
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	after, err := s.spawnLocked(ctx)
	s.mu.Unlock()
	if after != nil {
		after()
	}
	return err
}

// spawnLocked starts the process. On failure it schedules a restart like a crash; the returned
// func must run after the lock is released.
func (s *Supervisor) spawnLocked(ctx context.Context) (func(), error) {
	s.state = StateStarting
	s.gen++
	gen := s.gen

	cmd := exec.Command(s.cfg.Command.Path, s.cfg.Command.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Command.Env...)
	stdout := newLineLogger(s.logger, slog.LevelInfo, "stdout")
	stderr := newLineLogger(s.logger, slog.LevelWarn, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.StopGrace

	if err := cmd.Start(); err != nil {
		serr := &SupervisionError{Op: "spawn", Err: err}
		s.logger.ErrorContext(ctx, "spawn worker", "path", s.cfg.Command.Path, "error", err)
		return s.handleCrashLocked(serr), serr
	}

	pid := cmd.Process.Pid
	stdout.setPID(pid)
	stderr.setPID(pid)
	s.cmd = cmd
	s.done = make(chan struct{})
	s.state = StateRunning
	s.lastErr = nil
	telemetry.WorkerRunningGauge.Set(1)
	s.logger.InfoContext(ctx, "worker started", "pid", pid, "attempt", s.attempts)

	if s.cfg.StableAfter > 0 {
		s.cancelStable = s.afterFunc(s.cfg.StableAfter, func() { s.markStable(gen) })
	} else {
		s.resetCountersLocked()
	}

	go s.wait(cmd, s.done, gen, stdout, stderr)
	return nil, nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}, gen int, outs ...*lineLogger) {
	err := cmd.Wait()
	for _, o := range outs {
		o.Flush()
	}

	var after func()
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		if after != nil {
			after()
		}
	}()
	defer close(done)

	if gen != s.gen {
		return
	}
	s.cmd = nil
	if s.cancelStable != nil {
		s.cancelStable()
		s.cancelStable = nil
	}
	telemetry.WorkerRunningGauge.Set(0)

	stopping := s.stopping
	s.stopping = false

	code := cmd.ProcessState.ExitCode()
	ctx := logging.ContextAttrs(context.Background(), slog.Int("pid", cmd.ProcessState.Pid()))
	switch {
	case stopping || s.shuttingDown || !s.enabled:
		s.state = StateStopped
		s.logger.InfoContext(ctx, "worker stopped", "exit_code", code)
	case err == nil:
		s.state = StateStopped
		s.logger.InfoContext(ctx, "worker exited cleanly")
	default:
		s.logger.ErrorContext(ctx, "worker crashed", "exit_code", code, "error", err)
		after = s.handleCrashLocked(&SupervisionError{Op: "exit", ExitCode: code, Err: err})
	}
}

// handleCrashLocked schedules exactly one restart, or gives up once MaxRestarts is reached.
// The returned func must run after the lock is released.
func (s *Supervisor) handleCrashLocked(cause *SupervisionError) func() {
	s.state = StateCrashed
	s.lastErr = cause
	if s.shuttingDown || !s.enabled {
		return nil
	}
	if s.attempts >= s.cfg.MaxRestarts {
		attempts := s.attempts
		s.logger.Error("worker restart attempts exhausted", "attempts", attempts, "error", cause)
		return func() {
			if s.notifier != nil {
				s.notifier.Notify(context.Background(), models.NotificationError, "Worker stopped",
					fmt.Sprintf("worker crashed %d times in a row and will not be restarted: %v", attempts+1, cause),
					map[string]any{"restart_attempts": attempts})
			}
		}
	}

	s.attempts++
	d := s.delay
	s.delay = s.backoff.NextBackOff()
	telemetry.WorkerRestarts.Inc()
	s.logger.Warn("scheduling worker restart", "attempt", s.attempts, "delay", d)

	gen := s.gen
	s.cancelTimer = s.afterFunc(d, func() { s.restart(gen) })
	return nil
}

func (s *Supervisor) restart(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.shuttingDown || !s.enabled || s.cmd != nil {
		s.mu.Unlock()
		return
	}
	s.cancelTimer = nil
	after, _ := s.spawnLocked(context.Background())
	s.mu.Unlock()
	if after != nil {
		after()
	}
}

func (s *Supervisor) markStable(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cmd == nil {
		return
	}
	s.cancelStable = nil
	s.resetCountersLocked()
}

func (s *Supervisor) resetCountersLocked() {
	if s.attempts > 0 {
		s.logger.Info("worker stable, resetting restart counters", "attempts", s.attempts)
	}
	s.attempts = 0
	s.backoff.Reset()
	s.delay = s.backoff.NextBackOff()
}

// Stop sends SIGTERM, waits up to the grace period, then kills the worker. It returns once the
// process has exited or ctx is done. An exit after ctx ends is still not treated as a crash.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	cmd, done := s.cmd, s.done
	if cmd == nil {
		if s.state == StateCrashed || s.state == StateStarting {
			s.state = StateStopped
		}
		s.mu.Unlock()
		return nil
	}
	// Cleared by wait once this process exits, even if ctx ends first.
	s.stopping = true
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stopping worker", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.WarnContext(ctx, "signal worker", "error", err)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		s.logger.WarnContext(ctx, "worker ignored SIGTERM, killing", "pid", cmd.Process.Pid, "grace", s.cfg.StopGrace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return &SupervisionError{Op: "kill", Err: err}
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GracefulShutdown marks the supervisor as shutting down before stopping, so the exit is
// never treated as a crash. The supervisor cannot be started again afterwards.
func (s *Supervisor) GracefulShutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	return s.Stop(ctx)
}

// SetEnabled starts or stops the worker. Enabling resets the restart counters.
func (s *Supervisor) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	changed := s.enabled != enabled
	s.enabled = enabled
	if enabled && changed {
		s.resetCountersLocked()
	}
	s.mu.Unlock()

	if enabled {
		return s.Start(ctx)
	}
	return s.Stop(ctx)
}

// Restart stops the worker, clears the restart counters and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.resetCountersLocked()
	s.mu.Unlock()
	return s.Start(ctx)
}

// Status returns a snapshot of the process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:           s.state,
		Enabled:         s.enabled,
		Running:         s.cmd != nil,
		RestartAttempts: s.attempts,
		RestartDelay:    s.delay,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
