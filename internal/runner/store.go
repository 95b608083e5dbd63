package runner

import (
	"context"
	"encoding/json"
	"sync"
)

// Store persists jobs. Update applies fn atomically to the stored job.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (Job, error)
}

// MemoryStore keeps jobs in process.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

// Create stores a new job.
func (s *MemoryStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get returns a snapshot.
func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, notFound(id)
	}
	return cloneJob(job), nil
}

// Update runs fn under the store lock; an error leaves the job untouched.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, notFound(id)
	}
	job = cloneJob(job)
	if err := fn(&job); err != nil {
		return Job{}, err
	}
	s.jobs[id] = job
	return cloneJob(job), nil
}

func cloneJob(job Job) Job {
	if job.Params != nil {
		job.Params = append(json.RawMessage(nil), job.Params...)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		job.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		job.FinishedAt = &t
	}
	return job
}
