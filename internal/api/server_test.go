package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/config"
	"astro-solver/internal/events"
	"astro-solver/internal/models"
	"astro-solver/internal/solver"
	"astro-solver/internal/store"
	"astro-solver/internal/supervisor"
	"astro-solver/internal/tasks"
)

type fakeStore struct {
	jobs   map[string]models.Job
	images map[string]models.Image
	notes  []models.Notification
	tasks  []models.ScheduledTask
	filter store.JobFilter
	acked  []string
}

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]models.Job, error) {
	f.filter = filter
	var out []models.Job
	for _, j := range f.jobs {
		if filter.Status == "" || j.Status == filter.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) GetImage(_ context.Context, id string) (models.Image, error) {
	img, ok := f.images[id]
	if !ok {
		return models.Image{}, models.ErrNotFound
	}
	return img, nil
}

func (f *fakeStore) ListNotifications(context.Context, bool, int) ([]models.Notification, error) {
	return f.notes, nil
}

func (f *fakeStore) AcknowledgeNotification(_ context.Context, id string) error {
	for _, n := range f.notes {
		if n.ID == id {
			f.acked = append(f.acked, id)
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeStore) ListScheduledTasks(context.Context) ([]models.ScheduledTask, error) {
	return f.tasks, nil
}

type fakeSolver struct {
	job models.Job
	err error
	got time.Duration
}

func (f *fakeSolver) CompleteWorkflow(_ context.Context, _ models.Image, maxWait time.Duration) (models.Job, error) {
	f.got = maxWait
	return f.job, f.err
}

type fakeWorker struct {
	mu       sync.Mutex
	enabled  []bool
	restarts int
}

func (f *fakeWorker) Status() supervisor.Status {
	return supervisor.Status{State: supervisor.StateRunning, Enabled: true, Running: true, PID: 42}
}

func (f *fakeWorker) Restart(context.Context) error {
	f.restarts++
	return nil
}

func (f *fakeWorker) SetEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, enabled)
	return nil
}

type fakeTasks struct {
	rescheduled int
	ran         []string
}

func (f *fakeTasks) RescheduleAll(context.Context) error {
	f.rescheduled++
	return nil
}

func (f *fakeTasks) RunNow(id string) error {
	switch id {
	case tasks.PhotoSync:
		f.ran = append(f.ran, id)
		return nil
	case tasks.NotificationCleanup:
		return tasks.ErrTaskDisabled
	}
	return tasks.ErrUnknownTask
}

type memSettings struct {
	current config.Settings
}

func (m *memSettings) Current() config.Settings { return m.current }

func (m *memSettings) Update(next config.Settings) error {
	m.current = next
	return nil
}

type harness struct {
	store    *fakeStore
	solver   *fakeSolver
	worker   *fakeWorker
	tasks    *fakeTasks
	settings *memSettings
	hub      *events.Hub
	server   *Server
}

func newHarness() *harness {
	ext := "555"
	h := &harness{
		store: &fakeStore{
			jobs: map[string]models.Job{
				"j1": {ID: "j1", ImageID: "i1", Status: models.StatusSuccess, ExternalJobID: &ext},
				"j2": {ID: "j2", ImageID: "i2", Status: models.StatusProcessing},
			},
			images: map[string]models.Image{"i1": {ID: "i1", AssetID: "a1", Filename: "m31.jpg"}},
			notes:  []models.Notification{{ID: "n1", Type: models.NotificationError, Title: "t", Message: "m"}},
			tasks:  []models.ScheduledTask{{ID: tasks.PhotoSync, Name: "Photo sync", Schedule: "0 * * * *", Enabled: true}},
		},
		solver:   &fakeSolver{},
		worker:   &fakeWorker{},
		tasks:    &fakeTasks{},
		settings: &memSettings{current: config.DefaultSettings()},
		hub:      events.NewHub(nil, 4),
	}
	h.server = New(Deps{
		Store:    h.store,
		Solver:   h.solver,
		Worker:   h.worker,
		Tasks:    h.tasks,
		Settings: h.settings,
		Events:   h.hub,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := newHarness().do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestJobs(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/v1/jobs?status=processing&image_id=i2&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Jobs []models.Job }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "j2", list.Jobs[0].ID)
	assert.Equal(t, store.JobFilter{Status: "processing", ImageID: "i2", Limit: 5}, h.store.filter)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/jobs?status=queued", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/jobs?limit=x", "").Code)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"external_job_id":"555"`)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/jobs/nope", "").Code)
}

func TestSolveErrorMapping(t *testing.T) {
	processing := models.Job{ID: "j9", ImageID: "i1", Status: models.StatusProcessing}
	failed := models.Job{ID: "j8", ImageID: "i1", Status: models.StatusFailed}
	resolvedFailed := models.Job{ID: "j6", ImageID: "i1", Status: models.StatusFailed,
		Result: &models.SolveResult{Error: &models.SolveError{Kind: models.ErrorKindRejected, Message: "no stars found"}}}
	cases := []struct {
		name string
		path string
		job  models.Job
		err  error
		code int
	}{
		{"solved", "/api/v1/images/i1/solve", models.Job{ID: "j7", Status: models.StatusSuccess}, nil, http.StatusOK},
		{"timeout", "/api/v1/images/i1/solve?wait=1s", processing, &solver.WorkflowTimeoutError{JobID: "j9", Waited: time.Second}, http.StatusAccepted},
		{"resolved as failed", "/api/v1/images/i1/solve", resolvedFailed, nil, http.StatusUnprocessableEntity},
		{"rejected", "/api/v1/images/i1/solve", failed, &astrometry.PermanentError{Op: "upload", StatusCode: 400}, http.StatusUnprocessableEntity},
		{"not configured", "/api/v1/images/i1/solve", models.Job{}, &astrometry.ConfigurationError{Reason: "no key"}, http.StatusServiceUnavailable},
		{"service down", "/api/v1/images/i1/solve", models.Job{}, &astrometry.TransientError{Op: "login"}, http.StatusBadGateway},
		{"unknown image", "/api/v1/images/zz/solve", models.Job{}, nil, http.StatusNotFound},
		{"bad wait", "/api/v1/images/i1/solve?wait=soon", models.Job{}, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.solver.job, h.solver.err = tc.job, tc.err
			rec := h.do(t, http.MethodPost, tc.path, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			if tc.job.ID != "" && tc.code != http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"id":"`+tc.job.ID+`"`)
			}
		})
	}

	h := newHarness()
	h.solver.job = resolvedFailed
	rec := h.do(t, http.MethodPost, "/api/v1/images/i1/solve", "")
	assert.Contains(t, rec.Body.String(), `"error":"no stars found"`)
}

func TestSolveWaitIsCapped(t *testing.T) {
	h := newHarness()
	h.solver.job = models.Job{ID: "j1", Status: models.StatusSuccess}

	h.do(t, http.MethodPost, "/api/v1/images/i1/solve", "")
	assert.Equal(t, defaultSolveWait, h.solver.got)

	h.do(t, http.MethodPost, "/api/v1/images/i1/solve?wait=3h", "")
	assert.Equal(t, 10*time.Minute, h.solver.got)
}

func TestWorkerRoutes(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodGet, "/api/v1/worker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pid":42`)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/worker/restart", "").Code)
	assert.Equal(t, 1, h.worker.restarts)

	bare := New(Deps{Store: h.store, Settings: h.settings}, nil)
	rec = httptest.NewRecorder()
	bare.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/worker", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotifications(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodGet, "/api/v1/notifications?unacknowledged=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"n1"`)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/api/v1/notifications/n1/ack", "").Code)
	assert.Equal(t, []string{"n1"}, h.store.acked)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v1/notifications/n2/ack", "").Code)
}

func TestSettingsUpdateReschedulesAndTogglesWorker(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"check_interval":"30s"`)

	rec = h.do(t, http.MethodPut, "/api/v1/settings", `{"enabled":false,"max_concurrent":5,"sync_schedule":"*/10 * * * *"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := h.settings.Current()
	assert.False(t, got.Enabled)
	assert.Equal(t, 5, got.MaxConcurrent)
	assert.Equal(t, "*/10 * * * *", got.SyncSchedule)
	assert.Equal(t, 30*time.Second, got.CheckInterval, "omitted fields keep their values")
	assert.Equal(t, 1, h.tasks.rescheduled)
	assert.Equal(t, []bool{false}, h.worker.enabled)
}

func TestSettingsRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"json":     `{`,
		"interval": `{"check_interval":"soon"}`,
		"negative": `{"max_concurrent":-1}`,
		"cron":     `{"sync_schedule":"every hour"}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			rec := h.do(t, http.MethodPut, "/api/v1/settings", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, h.tasks.rescheduled)
			assert.Empty(t, h.worker.enabled)
		})
	}
}

func TestTasks(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"photo-sync"`)

	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v1/tasks/photo-sync/run", "").Code)
	assert.Equal(t, []string{tasks.PhotoSync}, h.tasks.ran)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/tasks/notification-cleanup/run", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v1/tasks/nope/run", "").Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness()
	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.hub.Emit(ctx, events.JobUpdateEvent, events.JobUpdate{JobID: "j1", ImageID: "i1", Status: models.StatusSuccess})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: job-update", lines[0])
	assert.JSONEq(t, `{"jobId":"j1","imageId":"i1","status":"success"}`, strings.TrimPrefix(lines[1], "data: "))

	cancel()
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}
