package memory

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/jobstore"
)

// Compile-time check for ensuring InMemoryJobStore implements Store.
var _ jobstore.Store = (*InMemoryJobStore)(nil)

// InMemoryJobStore implements an in-memory job store that can be concurrently
// accessed by multiple clients.
type InMemoryJobStore struct {
	mu sync.RWMutex

	// [<job id>] --> Job
	jobs map[string]*jobstore.Job
}

// NewInMemoryJobStore returns an in-memory implementation of the job store.
func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]*jobstore.Job),
	}
}

// Create a new job.
func (s *InMemoryJobStore) Create(_ context.Context, job *jobstore.Job) error {
	if err := jobstore.ValidateNew(job); err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return xerrors.Errorf("create %s: %w", job.ID, jobstore.ErrJobExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get the job with the given id.
func (s *InMemoryJobStore) Get(_ context.Context, id string) (*jobstore.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, xerrors.Errorf("get %s: %w", id, jobstore.ErrNotFound)
	}
	return job.Clone(), nil
}

// Transition moves the job from the `from` state as described by upd.
func (s *InMemoryJobStore) Transition(_ context.Context, id string, from jobstore.State, upd jobstore.Update) (*jobstore.Job, error) {
	if err := jobstore.ValidateTransition(from, upd); err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, xerrors.Errorf("transition %s: %w", id, jobstore.ErrNotFound)
	}
	if job.State != from {
		return nil, xerrors.Errorf("transition: %w", jobstore.ConflictError(id, from, job.State))
	}

	upd.Apply(job)
	return job.Clone(), nil
}

// List returns up to limit jobs, most recently created first.
func (s *InMemoryJobStore) List(_ context.Context, limit int) ([]*jobstore.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	jobs := make([]*jobstore.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	for i, job := range jobs {
		jobs[i] = job.Clone()
	}
	s.mu.RUnlock()

	return jobs, nil
}
