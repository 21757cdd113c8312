package memory

import (
	"context"
	"slices"
	"sort"

	"github.com/cwygoda/squeeze/internal/domain"
)

// Enqueue adds a new pending job for a request.
func (s *Storage) Enqueue(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(requestID, items), nil
}

func (s *Storage) enqueue(requestID string, items []domain.LineItem) *domain.Job {
	s.nextID++
	now := s.now()
	job := &domain.Job{
		ID:        s.nextID,
		RequestID: requestID,
		Items:     slices.Clone(items),
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job

	out := *job
	return &out
}

// GetJob returns a copy of a job by ID.
func (s *Storage) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := *job
	return &out, nil
}

// FindPending returns pending jobs up to limit, oldest first.
func (s *Storage) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.JobPending {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Claim moves a pending job to processing and counts the attempt.
func (s *Storage) Claim(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobPending {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobProcessing
	job.Attempts++
	job.UpdatedAt = s.now()
	return nil
}

// Complete marks a job as completed.
func (s *Storage) Complete(ctx context.Context, id int64) error {
	return s.setJobStatus(id, domain.JobCompleted, "")
}

// Fail marks a job as permanently failed.
func (s *Storage) Fail(ctx context.Context, id int64, reason string) error {
	return s.setJobStatus(id, domain.JobFailed, reason)
}

// Retry puts a job back to pending with error info.
func (s *Storage) Retry(ctx context.Context, id int64, reason string) error {
	return s.setJobStatus(id, domain.JobPending, reason)
}

func (s *Storage) setJobStatus(id int64, status domain.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = status
	job.Error = reason
	job.UpdatedAt = s.now()
	return nil
}

// RecoverStale resets processing jobs back to pending.
func (s *Storage) RecoverStale(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, job := range s.jobs {
		if job.Status == domain.JobProcessing {
			job.Status = domain.JobPending
			job.Error = "recovered after crash"
			job.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}
