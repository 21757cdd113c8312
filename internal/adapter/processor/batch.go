// Package processor turns a claimed job into compressed artifacts.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cwygoda/squeeze/internal/domain"
)

// Options tunes per-locator fetch retries.
type Options struct {
	// FetchRetries is the number of extra attempts for a retryable fetch error.
	FetchRetries int
	// FetchBackoff is the initial delay between fetch attempts.
	FetchBackoff time.Duration
}

// BatchProcessor fetches and compresses every image of a job, product by
// product, recording results in the store as it goes.
type BatchProcessor struct {
	store      domain.BatchStore
	fetcher    domain.ImageFetcher
	compressor domain.ImageCompressor
	logger     *zap.Logger
	opts       Options
}

// NewBatchProcessor creates a BatchProcessor.
func NewBatchProcessor(store domain.BatchStore, fetcher domain.ImageFetcher, compressor domain.ImageCompressor, logger *zap.Logger, opts Options) *BatchProcessor {
	if opts.FetchBackoff <= 0 {
		opts.FetchBackoff = 500 * time.Millisecond
	}
	if opts.FetchRetries < 0 {
		opts.FetchRetries = 0
	}
	return &BatchProcessor{
		store:      store,
		fetcher:    fetcher,
		compressor: compressor,
		logger:     logger,
		opts:       opts,
	}
}

// Process runs a job to completion or to the first product that fails.
// Products already COMPLETED are skipped, so a redelivered job resumes
// where the previous attempt stopped. A failure leaves the failing
// product untouched and is returned as *domain.ProductError.
func (p *BatchProcessor) Process(ctx context.Context, job *domain.Job) error {
	log := p.logger.With(zap.Int64("job_id", job.ID), zap.String("request_id", job.RequestID))

	products, err := p.store.Products(ctx, job.RequestID)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	done := make(map[string]bool, len(products))
	for _, prod := range products {
		if prod.Status == domain.StatusCompleted {
			done[prod.ProductName] = true
		}
	}

	for _, item := range job.Items {
		if done[item.ProductName] {
			log.Debug("product already completed", zap.String("product", item.ProductName))
			continue
		}

		start := time.Now()
		outputs, err := p.processItem(ctx, job.RequestID, item)
		if err != nil {
			return &domain.ProductError{ProductName: item.ProductName, Err: err}
		}

		if err := p.store.UpdateProduct(ctx, job.RequestID, item.ProductName, outputs, domain.StatusCompleted); err != nil {
			return &domain.ProductError{ProductName: item.ProductName, Err: fmt.Errorf("update product: %w", err)}
		}
		log.Info("product completed",
			zap.String("product", item.ProductName),
			zap.Int("images", len(outputs)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	if err := p.store.CompleteBatch(ctx, job.RequestID); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	log.Info("request completed", zap.Int("products", len(job.Items)))
	return nil
}

func (p *BatchProcessor) processItem(ctx context.Context, requestID string, item domain.LineItem) ([]string, error) {
	outputs := make([]string, 0, len(item.InputImageURLs))
	for i, locator := range item.InputImageURLs {
		data, err := p.fetch(ctx, locator)
		if err != nil {
			return nil, err
		}

		key := domain.ArtifactKey{RequestID: requestID, ProductName: item.ProductName, Index: i}
		ref, err := p.compressor.Compress(ctx, key, data)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, ref)
	}
	return outputs, nil
}

// fetch retries retryable fetch errors with exponential backoff.
func (p *BatchProcessor) fetch(ctx context.Context, locator string) ([]byte, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = p.fetcher.Fetch(ctx, locator)
		if err == nil {
			return nil
		}
		var ferr *domain.FetchError
		if errors.As(err, &ferr) && ferr.Retryable {
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.FetchBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.FetchRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("fetch failed, retrying",
			zap.String("locator", locator),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return data, nil
}
