package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// JobStore provides an in-memory work job table for development/testing.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]crawler.WorkJob
	bySubject map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]crawler.WorkJob),
		bySubject: make(map[string]string),
	}
}

func subjectKey(kind crawler.JobKind, subjectID string) string {
	return string(kind) + "|" + subjectID
}

// EnqueueJob inserts job unless one exists for its kind and subject.
func (s *JobStore) EnqueueJob(_ context.Context, job crawler.WorkJob) (crawler.WorkJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subjectKey(job.Kind, job.SubjectID)
	if id, ok := s.bySubject[key]; ok {
		return s.jobs[id], false, nil
	}
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.WorkJob{}, false, errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	s.bySubject[key] = job.ID
	return job, true, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.WorkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.WorkJob{}, crawler.ErrNotFound
	}
	return job, nil
}

// ListJobs returns matching jobs ordered by availability.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.WorkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.WorkJob, 0)
	for _, job := range s.jobs {
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if !filter.AvailableBefore.IsZero() && job.AvailableAt.After(filter.AvailableBefore) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailableAt.Equal(out[j].AvailableAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AvailableAt.Before(out[j].AvailableAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionJob applies mutate when guard still allows the job.
func (s *JobStore) TransitionJob(
	_ context.Context,
	id string,
	guard crawler.JobGuard,
	mutate func(crawler.WorkJob) crawler.WorkJob,
) (crawler.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.WorkJob{}, crawler.ErrNotFound
	}
	if !guard.Allows(job) {
		return crawler.WorkJob{}, crawler.ErrConflict
	}
	next := mutate(job)
	next.ID = job.ID
	next.Kind = job.Kind
	next.SubjectID = job.SubjectID
	s.jobs[id] = next
	return next, nil
}
