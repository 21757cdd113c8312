package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BatchService orchestrates batch submission, status queries and the
// queue transitions driven by the worker.
type BatchService struct {
	store BatchStore
	queue JobQueue
	newID func() string
}

// NewBatchService creates a new BatchService.
func NewBatchService(store BatchStore, queue JobQueue) *BatchService {
	return &BatchService{store: store, queue: queue, newID: uuid.NewString}
}

// Submit validates a table, persists it as a pending request and
// enqueues the job that will process it. Validation failures are
// returned as *ValidationError and leave no trace in the store. When
// the store implements BatchIntake the request and its job are written
// in one step.
func (s *BatchService) Submit(ctx context.Context, t *Table) (string, error) {
	batch, err := ValidateBatch(t)
	if err != nil {
		return "", err
	}

	id := s.newID()
	if intake, ok := s.store.(BatchIntake); ok {
		if _, err := intake.SubmitBatch(ctx, id, batch.Items); err != nil {
			return "", fmt.Errorf("submit batch: %w", err)
		}
		return id, nil
	}

	// Stores without a combined write get the job in a second step; a
	// failed enqueue marks the request FAILED so it is not left pending.
	if err := s.store.CreateBatch(ctx, id, batch.Items); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, id, batch.Items); err != nil {
		err = fmt.Errorf("enqueue batch %s: %w", id, err)
		if ferr := s.store.FailBatch(ctx, id, err.Error()); ferr != nil {
			return "", errors.Join(err, ferr)
		}
		return "", err
	}
	return id, nil
}

// Status returns the status of a request.
func (s *BatchService) Status(ctx context.Context, requestID string) (Status, error) {
	return s.store.GetStatus(ctx, requestID)
}

// Request returns a request together with its products.
func (s *BatchService) Request(ctx context.Context, requestID string) (*Request, error) {
	return s.store.GetRequest(ctx, requestID)
}

// Ping checks that the store is reachable.
func (s *BatchService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetJob retrieves a job by ID.
func (s *BatchService) GetJob(ctx context.Context, id int64) (*Job, error) {
	return s.queue.GetJob(ctx, id)
}

// GetPending retrieves pending jobs up to the limit.
func (s *BatchService) GetPending(ctx context.Context, limit int) ([]Job, error) {
	return s.queue.FindPending(ctx, limit)
}

// MarkProcessing claims a job for processing.
func (s *BatchService) MarkProcessing(ctx context.Context, id int64) error {
	return s.queue.Claim(ctx, id)
}

// MarkComplete marks a job as completed.
func (s *BatchService) MarkComplete(ctx context.Context, id int64) error {
	return s.queue.Complete(ctx, id)
}

// MarkRetry returns a job to the queue with error info.
func (s *BatchService) MarkRetry(ctx context.Context, id int64, reason string) error {
	return s.queue.Retry(ctx, id, reason)
}

// MarkFailed permanently fails a job. The product that caused the
// failure, if known, and the request are marked FAILED as well so that
// status polling can tell a dead batch from a slow one.
func (s *BatchService) MarkFailed(ctx context.Context, job *Job, cause error) error {
	reason := cause.Error()
	var errs []error

	if err := s.queue.Fail(ctx, job.ID, reason); err != nil {
		errs = append(errs, fmt.Errorf("fail job %d: %w", job.ID, err))
	}

	var perr *ProductError
	if errors.As(cause, &perr) {
		if err := s.store.FailProduct(ctx, job.RequestID, perr.ProductName, perr.Err.Error()); err != nil {
			errs = append(errs, fmt.Errorf("fail product %q: %w", perr.ProductName, err))
		}
	}

	if err := s.store.FailBatch(ctx, job.RequestID, reason); err != nil {
		errs = append(errs, fmt.Errorf("fail request %s: %w", job.RequestID, err))
	}
	return errors.Join(errs...)
}

// RecoverStale resets stale processing jobs (crash recovery).
func (s *BatchService) RecoverStale(ctx context.Context) (int64, error) {
	return s.queue.RecoverStale(ctx)
}
