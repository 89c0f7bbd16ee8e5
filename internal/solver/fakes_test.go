package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"astro-solver/internal/astrometry"
	"astro-solver/internal/models"
)

type fakeClient struct {
	mu        sync.Mutex
	logins    int
	loginErr  error
	submits   int
	submitErr error
	polls     map[string][]pollReply
	results   map[string]models.SolveResult
	fetchErr  error
	nextSubID int
}

type pollReply struct {
	st  astrometry.SubmissionStatus
	err error
}

func newFakeClient() *fakeClient {
	return &fakeClient{polls: map[string][]pollReply{}, results: map[string]models.SolveResult{}}
}

func (c *fakeClient) Authenticate(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins++
	if c.loginErr != nil {
		return "", c.loginErr
	}
	return fmt.Sprintf("session-%d", c.logins), nil
}

func (c *fakeClient) Submit(context.Context, string, []byte, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.nextSubID++
	return fmt.Sprintf("sub-%d", c.nextSubID), nil
}

// PollSubmission replays queued replies; the last reply repeats.
func (c *fakeClient) PollSubmission(_ context.Context, subID string) (astrometry.SubmissionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.polls[subID]
	if len(q) == 0 {
		return astrometry.SubmissionStatus{}, nil
	}
	r := q[0]
	if len(q) > 1 {
		c.polls[subID] = q[1:]
	}
	return r.st, r.err
}

func (c *fakeClient) FetchResult(_ context.Context, ext string) (models.SolveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return models.SolveResult{}, c.fetchErr
	}
	return c.results[ext], nil
}

func (c *fakeClient) queue(subID string, replies ...pollReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[subID] = append(c.polls[subID], replies...)
}

// memStore implements JobStore and ImageStore with the same forward-only guard as Postgres.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	images   map[string]models.Image
	patches  map[string]models.ImagePatch
	patchErr error
	history  map[string][]string
}

func newMemStore(images ...models.Image) *memStore {
	s := &memStore{
		jobs:    map[string]models.Job{},
		images:  map[string]models.Image{},
		patches: map[string]models.ImagePatch{},
		history: map[string][]string{},
	}
	for _, img := range images {
		s.images[img.ID] = img
	}
	return s
}

func (s *memStore) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	return job, nil
}

func (s *memStore) UpdateJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Terminal() {
		return models.ErrTerminalJob
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return j, nil
}

func (s *memStore) ListActiveJobs(context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Active() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *memStore) ListJobsForImages(_ context.Context, ids []string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Job
	for _, j := range s.jobs {
		if want[j.ImageID] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) ListUnsolvedImages(context.Context) ([]models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Image
	for _, img := range s.images {
		if !img.Solved {
			out = append(out, img)
		}
	}
	return out, nil
}

func (s *memStore) GetImage(_ context.Context, id string) (models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return models.Image{}, models.ErrNotFound
	}
	return img, nil
}

func (s *memStore) UpdateImage(_ context.Context, id string, patch models.ImagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	img, ok := s.images[id]
	if !ok {
		return models.ErrNotFound
	}
	s.patches[id] = patch
	img.Solved = patch.Solved
	ra, dec := patch.RA, patch.Dec
	img.RA, img.Dec = &ra, &dec
	img.Tags = patch.Tags
	s.images[id] = img
	return nil
}

func (s *memStore) job(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type stubFetcher struct{ err error }

func (f stubFetcher) Fetch(_ context.Context, img models.Image) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("jpeg:" + img.ID), img.Filename, nil
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) Emit(_ context.Context, name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name, payload})
}

func (r *recordingEmitter) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

type recordingSidecar struct {
	calls []SidecarInput
	err   error
}

func (s *recordingSidecar) Write(_ context.Context, in SidecarInput) error {
	s.calls = append(s.calls, in)
	return s.err
}

type note struct{ typ, title, message string }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(_ context.Context, typ, title, message string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{typ, title, message})
}

type countingSubmitter struct {
	calls []string
	errs  map[string]error
}

func (s *countingSubmitter) SubmitJob(_ context.Context, img models.Image) (models.Job, error) {
	s.calls = append(s.calls, img.ID)
	if err := s.errs[img.ID]; err != nil {
		return models.Job{}, err
	}
	return models.Job{ID: "job-" + img.ID, ImageID: img.ID, Status: models.StatusProcessing}, nil
}

type stubLimiter struct {
	tokens int
	err    error
}

func (l *stubLimiter) Allow(context.Context) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.tokens <= 0 {
		return false, nil
	}
	l.tokens--
	return true, nil
}

var errBoom = errors.New("boom")
