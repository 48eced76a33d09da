package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) ListByOwner(_ context.Context, ownerID string) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (s *MemoryJobStore) Complete(_ context.Context, id, resultKey string) (domain.Job, error) {
	return s.transition(id, domain.JobStatusDone, func(job *domain.Job) {
		job.ResultKey = resultKey
	})
}

func (s *MemoryJobStore) Fail(_ context.Context, id, reason string) (domain.Job, error) {
	return s.transition(id, domain.JobStatusFailed, func(job *domain.Job) {
		job.FailureReason = reason
	})
}

func (s *MemoryJobStore) FailStale(_ context.Context, createdBefore time.Time, reason string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var failed []domain.Job
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || !job.CreatedAt.Before(createdBefore) {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.FailureReason = reason
		job.UpdatedAt = now
		s.jobs[id] = job
		failed = append(failed, job)
	}
	sortJobs(failed)
	return failed, nil
}

func (s *MemoryJobStore) transition(id, status string, apply func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !domain.CanTransition(job.Status, status) {
		return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}

	job.Status = status
	job.UpdatedAt = s.now().UTC()
	apply(&job)
	s.jobs[id] = job
	return job, nil
}

func sortJobs(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
