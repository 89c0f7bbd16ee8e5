package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"astro-solver/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const stable = time.Hour

type timer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*timer
}

func (ft *fakeTimers) after(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &timer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		t.stopped = true
		return true
	}
}

func (ft *fakeTimers) restarts() []*timer {
	return ft.filter(func(t *timer) bool { return t.d != stable })
}

func (ft *fakeTimers) stables() []*timer {
	return ft.filter(func(t *timer) bool { return t.d == stable && !t.stopped })
}

func (ft *fakeTimers) filter(keep func(*timer) bool) []*timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*timer
	for _, t := range ft.timers {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify(context.Context, string, string, string, any) {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
}

func (n *countingNotifier) n() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func config(sh, script string) Config {
	return Config{
		Command:        Command{Path: sh, Args: []string{"-c", script}},
		RestartFloor:   100 * time.Millisecond,
		RestartCeiling: 500 * time.Millisecond,
		MaxRestarts:    10,
		StableAfter:    stable,
		StopGrace:      200 * time.Millisecond,
	}
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.GracefulShutdown(ctx))
}

func TestCrashSchedulesOneRestartAndDoublesDelay(t *testing.T) {
	ft := &fakeTimers{}
	s := New(config(shell(t), "exit 3"), nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	assert.Equal(t, 100*time.Millisecond, s.Status().RestartDelay)
	require.NoError(t, s.SetEnabled(context.Background(), true))

	want := []time.Duration{100, 200, 400, 500, 500}
	for i, ms := range want {
		require.Eventually(t, func() bool { return len(ft.restarts()) == i+1 }, 5*time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		restarts := ft.restarts()
		require.Len(t, restarts, i+1, "exactly one restart per crash")

		r := restarts[i]
		assert.Equal(t, ms*time.Millisecond, r.d)

		st := s.Status()
		assert.Equal(t, i+1, st.RestartAttempts)
		assert.Equal(t, StateCrashed, st.State)
		assert.False(t, st.Running)
		assert.Equal(t, min(2*r.d, 500*time.Millisecond), st.RestartDelay)
		assert.Contains(t, st.LastError, "code 3")

		r.f()
	}
}

func TestRestartsStopAtCeiling(t *testing.T) {
	ft := &fakeTimers{}
	notes := &countingNotifier{}
	cfg := config(shell(t), "exit 1")
	cfg.MaxRestarts = 2
	s := New(cfg, nil, WithAfterFunc(ft.after), WithNotifier(notes))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return len(ft.restarts()) == i+1 }, 5*time.Second, 5*time.Millisecond)
		ft.restarts()[i].f()
	}

	require.Eventually(t, func() bool { return notes.n() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ft.restarts(), 2)

	st := s.Status()
	assert.False(t, st.Running)
	assert.True(t, st.Enabled)
	assert.Equal(t, 2, st.RestartAttempts)
	assert.Equal(t, StateCrashed, st.State)
}

func TestStableRunResetsCounters(t *testing.T) {
	sh := shell(t)
	ft := &fakeTimers{}
	s := New(config(sh, "exit 2"), nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return len(ft.restarts()) == i+1 }, 5*time.Second, 5*time.Millisecond)
		if i == 1 {
			s.mu.Lock()
			s.cfg.Command = Command{Path: sh, Args: []string{"-c", "exec sleep 10"}}
			s.mu.Unlock()
		}
		ft.restarts()[i].f()
	}

	require.Eventually(t, func() bool { return s.Status().Running }, 5*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, 2, st.RestartAttempts)
	assert.Equal(t, 400*time.Millisecond, st.RestartDelay)
	assert.NotZero(t, st.PID)

	stables := ft.stables()
	require.NotEmpty(t, stables)
	stables[len(stables)-1].f()

	st = s.Status()
	assert.Equal(t, 0, st.RestartAttempts)
	assert.Equal(t, 100*time.Millisecond, st.RestartDelay)
	assert.Equal(t, StateRunning, st.State)
}

func TestGracefulShutdownIsNotACrash(t *testing.T) {
	ft := &fakeTimers{}
	s := New(config(shell(t), "exec sleep 10"), nil, WithAfterFunc(ft.after))

	require.NoError(t, s.SetEnabled(context.Background(), true))
	require.True(t, s.Status().Running)

	shutdown(t, s)
	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, ft.restarts())

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Status().Running, "start is a no-op after shutdown")
}

func TestStopKillsAfterGrace(t *testing.T) {
	ft := &fakeTimers{}
	s := New(config(shell(t), `trap "" TERM; while :; do sleep 0.05; done`), nil, WithAfterFunc(ft.after))
	require.NoError(t, s.SetEnabled(context.Background(), true))

	start := time.Now()
	shutdown(t, s)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, s.Status().Running)
	assert.Empty(t, ft.restarts())
}

func TestAbandonedStopIsNotACrash(t *testing.T) {
	ft := &fakeTimers{}
	cfg := config(shell(t), `trap "sleep 0.3; exit 1" TERM; while :; do sleep 0.05; done`)
	cfg.StopGrace = 5 * time.Second
	s := New(cfg, nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	require.True(t, s.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	require.Eventually(t, func() bool { return !s.Status().Running }, 5*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.RestartAttempts)
	assert.Empty(t, ft.restarts())
}

func TestDisableStopsAndCleanExitIsNotRestarted(t *testing.T) {
	ft := &fakeTimers{}
	s := New(config(shell(t), "exec sleep 10"), nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	require.NoError(t, s.SetEnabled(context.Background(), false))
	st := s.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Empty(t, ft.restarts())

	s.mu.Lock()
	s.cfg.Command.Args = []string{"-c", "exit 0"}
	s.mu.Unlock()
	require.NoError(t, s.SetEnabled(context.Background(), true))
	require.Eventually(t, func() bool { return s.Status().State == StateStopped }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, ft.restarts())
}

func TestSpawnFailureSchedulesRestart(t *testing.T) {
	ft := &fakeTimers{}
	cfg := config("/nonexistent/astro-worker", "")
	cfg.Command.Args = nil
	s := New(cfg, nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	err := s.SetEnabled(context.Background(), true)
	var serr *SupervisionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "spawn", serr.Op)
	require.Len(t, ft.restarts(), 1)
	assert.Equal(t, 100*time.Millisecond, ft.restarts()[0].d)
	assert.Equal(t, 1, s.Status().RestartAttempts)
}

func TestOutputIsRelogged(t *testing.T) {
	buf := &syncBuffer{}
	logger := logging.New(buf, "debug")
	s := New(config(shell(t), "echo hello; echo oops >&2; exit 0"), logger, WithAfterFunc((&fakeTimers{}).after))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	require.Eventually(t, func() bool { return s.Status().State == StateStopped }, 5*time.Second, 5*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"msg":"oops"`)
	assert.Contains(t, out, `"stream":"stderr"`)
	assert.Contains(t, out, `"component":"supervisor"`)
}

func TestRestartClearsCounters(t *testing.T) {
	ft := &fakeTimers{}
	s := New(config(shell(t), "exec sleep 10"), nil, WithAfterFunc(ft.after))
	defer shutdown(t, s)

	require.NoError(t, s.SetEnabled(context.Background(), true))
	first := s.Status().PID

	s.mu.Lock()
	s.attempts = 4
	s.mu.Unlock()

	require.NoError(t, s.Restart(context.Background()))
	st := s.Status()
	assert.True(t, st.Running)
	assert.NotEqual(t, first, st.PID)
	assert.Equal(t, 0, st.RestartAttempts)
	assert.Empty(t, ft.restarts())
}
