package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/squeeze/internal/domain"
)

// ErrAttemptsExhausted fails a job claimed more often than the attempt limit allows.
var ErrAttemptsExhausted = errors.New("attempt limit exhausted")

// Processor runs a claimed job.
type Processor interface {
	Process(ctx context.Context, job *domain.Job) error
}

// Worker polls for pending jobs and processes them.
type Worker struct {
	svc          *domain.BatchService
	proc         Processor
	logger       *zap.Logger
	pollInterval time.Duration
	maxAttempts  int
}

// New creates a new worker.
func New(svc *domain.BatchService, proc Processor, logger *zap.Logger, pollInterval time.Duration, maxAttempts int) *Worker {
	return &Worker{
		svc:          svc,
		proc:         proc,
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run starts the worker loop until context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Duration("poll_interval", w.pollInterval))
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	jobs, err := w.svc.GetPending(ctx, 10)
	if err != nil {
		w.logger.Error("poll error", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		w.processJob(ctx, job.ID)
	}
}

func (w *Worker) processJob(ctx context.Context, id int64) {
	log := w.logger.With(zap.Int64("job_id", id))

	if err := w.svc.MarkProcessing(ctx, id); err != nil {
		// Another worker got there first.
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Debug("job already claimed")
			return
		}
		log.Error("claim failed", zap.Error(err))
		return
	}

	// Refresh job to get updated attempts count
	job, err := w.svc.GetJob(ctx, id)
	if err != nil {
		log.Error("refresh failed", zap.Error(err))
		return
	}
	log = log.With(zap.String("request_id", job.RequestID), zap.Int("attempt", job.Attempts))

	// Redelivered after crashes that never reached the retry bookkeeping.
	if job.Attempts > w.maxAttempts {
		cause := fmt.Errorf("%w: %d attempts, limit %d", ErrAttemptsExhausted, job.Attempts, w.maxAttempts)
		log.Error("job exceeded attempt limit", zap.Error(cause))
		if ferr := w.svc.MarkFailed(ctx, job, cause); ferr != nil {
			log.Error("mark failed failed", zap.Error(ferr))
		}
		return
	}
	log.Info("processing job", zap.Int("products", len(job.Items)))

	if err := w.proc.Process(ctx, job); err != nil {
		if ctx.Err() != nil {
			// Left processing; RecoverStale hands it out again on restart.
			log.Warn("job interrupted by shutdown", zap.Error(err))
			return
		}
		if job.CanRetry(w.maxAttempts) {
			log.Warn("job failed, will retry", zap.Error(err))
			if rerr := w.svc.MarkRetry(ctx, job.ID, err.Error()); rerr != nil {
				log.Error("mark retry failed", zap.Error(rerr))
			}
			return
		}
		log.Error("job failed permanently", zap.Error(err))
		if ferr := w.svc.MarkFailed(ctx, job, err); ferr != nil {
			log.Error("mark failed failed", zap.Error(ferr))
		}
		return
	}

	log.Info("job completed")
	if err := w.svc.MarkComplete(ctx, job.ID); err != nil {
		log.Error("mark complete failed", zap.Error(err))
	}
}
