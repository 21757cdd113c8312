package sqlite

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/cwygoda/squeeze/internal/domain"
)

func enqueueTestJob(t *testing.T, repo *Repository, requestID string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateBatch(ctx, requestID, testItems()); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	job, err := repo.Enqueue(ctx, requestID, testItems())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return job
}

func TestRepository_Enqueue(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	job := enqueueTestJob(t, repo, "req-1")

	if job.ID == 0 {
		t.Error("Enqueue() job.ID = 0, want non-zero")
	}
	if job.Status != domain.JobPending {
		t.Errorf("Enqueue() job.Status = %q, want %q", job.Status, domain.JobPending)
	}

	got, err := repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.RequestID != "req-1" {
		t.Errorf("GetJob() RequestID = %q, want %q", got.RequestID, "req-1")
	}
	if !reflect.DeepEqual(got.Items, testItems()) {
		t.Errorf("GetJob() Items = %+v, want %+v", got.Items, testItems())
	}

	_, err = repo.GetJob(context.Background(), 9999)
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_FindPending(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	enqueueTestJob(t, repo, "req-1")
	enqueueTestJob(t, repo, "req-2")
	enqueueTestJob(t, repo, "req-3")

	// Find with limit
	jobs, err := repo.FindPending(ctx, 2)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("FindPending() returned %d jobs, want 2", len(jobs))
	}
	if jobs[0].RequestID != "req-1" {
		t.Errorf("FindPending() first = %q, want oldest %q", jobs[0].RequestID, "req-1")
	}
}

func TestRepository_Claim(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job := enqueueTestJob(t, repo, "req-1")

	if err := repo.Claim(ctx, job.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	claimed, _ := repo.GetJob(ctx, job.ID)
	if claimed.Status != domain.JobProcessing {
		t.Errorf("Claim() status = %q, want %q", claimed.Status, domain.JobProcessing)
	}
	if claimed.Attempts != 1 {
		t.Errorf("Claim() attempts = %d, want 1", claimed.Attempts)
	}

	// Try to claim again (should fail - not pending)
	err := repo.Claim(ctx, job.ID)
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Claim() second attempt error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_CompleteAndFail(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	done := enqueueTestJob(t, repo, "req-1")
	dead := enqueueTestJob(t, repo, "req-2")

	repo.Claim(ctx, done.ID)
	if err := repo.Complete(ctx, done.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	completed, _ := repo.GetJob(ctx, done.ID)
	if completed.Status != domain.JobCompleted {
		t.Errorf("Complete() status = %q, want %q", completed.Status, domain.JobCompleted)
	}

	repo.Claim(ctx, dead.ID)
	if err := repo.Fail(ctx, dead.ID, "download error"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	failed, _ := repo.GetJob(ctx, dead.ID)
	if failed.Status != domain.JobFailed {
		t.Errorf("Fail() status = %q, want %q", failed.Status, domain.JobFailed)
	}
	if failed.Error != "download error" {
		t.Errorf("Fail() error = %q, want %q", failed.Error, "download error")
	}

	if err := repo.Complete(ctx, 9999); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Complete() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_Retry(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job := enqueueTestJob(t, repo, "req-1")
	repo.Claim(ctx, job.ID)

	if err := repo.Retry(ctx, job.ID, "temporary error"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	retried, _ := repo.GetJob(ctx, job.ID)
	if retried.Status != domain.JobPending {
		t.Errorf("Retry() status = %q, want %q", retried.Status, domain.JobPending)
	}
	if retried.Error != "temporary error" {
		t.Errorf("Retry() error = %q, want %q", retried.Error, "temporary error")
	}

	// Can be claimed again after retry
	if err := repo.Claim(ctx, job.ID); err != nil {
		t.Errorf("Claim() after retry error = %v", err)
	}

	reclaimed, _ := repo.GetJob(ctx, job.ID)
	if reclaimed.Attempts != 2 {
		t.Errorf("Claim() after retry attempts = %d, want 2", reclaimed.Attempts)
	}
}

func TestRepository_RecoverStale(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	job1 := enqueueTestJob(t, repo, "req-1")
	job2 := enqueueTestJob(t, repo, "req-2")
	job3 := enqueueTestJob(t, repo, "req-3")

	// job1, job2: processing (stale); job3: pending
	repo.Claim(ctx, job1.ID)
	repo.Claim(ctx, job2.ID)

	count, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RecoverStale() count = %d, want 2", count)
	}

	for _, id := range []int64{job1.ID, job2.ID, job3.ID} {
		j, _ := repo.GetJob(ctx, id)
		if j.Status != domain.JobPending {
			t.Errorf("job %d status = %q, want %q", id, j.Status, domain.JobPending)
		}
	}

	j1, _ := repo.GetJob(ctx, job1.ID)
	if j1.Error != "recovered after crash" {
		t.Errorf("job1 error = %q, want %q", j1.Error, "recovered after crash")
	}
}
