// Package memory keeps batches and jobs in process memory. It backs
// tests and single-process runs where nothing needs to survive a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cwygoda/squeeze/internal/domain"
)

type requestEntry struct {
	req      domain.Request
	products []domain.Product
}

// Storage implements domain.BatchStore and domain.JobQueue in memory.
type Storage struct {
	mu       sync.RWMutex
	requests map[string]*requestEntry
	jobs     map[int64]*domain.Job
	nextID   int64
	now      func() time.Time
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{
		requests: make(map[string]*requestEntry),
		jobs:     make(map[int64]*domain.Job),
		now:      time.Now,
	}
}

// Ping always succeeds.
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// CreateBatch stores a pending request and its products.
func (s *Storage) CreateBatch(ctx context.Context, requestID string, items []domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBatch(requestID, items)
}

// SubmitBatch stores the request and enqueues its job under one lock.
func (s *Storage) SubmitBatch(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.createBatch(requestID, items); err != nil {
		return nil, err
	}
	return s.enqueue(requestID, items), nil
}

func (s *Storage) createBatch(requestID string, items []domain.LineItem) error {
	if _, exists := s.requests[requestID]; exists {
		return domain.ErrConflict
	}

	products := make([]domain.Product, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.ProductName] {
			return domain.ErrConflict
		}
		seen[item.ProductName] = true
		products = append(products, domain.Product{
			RequestID:      requestID,
			ProductName:    item.ProductName,
			SerialNumber:   item.SerialNumber,
			InputImageURLs: slices.Clone(item.InputImageURLs),
			Status:         domain.StatusPending,
		})
	}

	now := s.now()
	s.requests[requestID] = &requestEntry{
		req:      domain.Request{ID: requestID, Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now},
		products: products,
	}
	return nil
}

func (s *Storage) product(requestID, productName string) (*domain.Product, error) {
	entry, ok := s.requests[requestID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	for i := range entry.products {
		if entry.products[i].ProductName == productName {
			return &entry.products[i], nil
		}
	}
	return nil, domain.ErrProductNotFound
}

// UpdateProduct overwrites a product's outputs and status.
func (s *Storage) UpdateProduct(ctx context.Context, requestID, productName string, outputs []string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.product(requestID, productName)
	if err != nil {
		return err
	}
	if status == domain.StatusCompleted && len(p.InputImageURLs) != len(outputs) {
		return domain.ErrOutputMismatch
	}
	p.OutputImageURLs = slices.Clone(outputs)
	p.Status = status
	p.Error = ""
	return nil
}

// FailProduct marks a product as failed with a reason.
func (s *Storage) FailProduct(ctx context.Context, requestID, productName, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.product(requestID, productName)
	if err != nil {
		return err
	}
	p.Status = domain.StatusFailed
	p.Error = reason
	return nil
}

// CompleteBatch marks a request as completed once every product is.
func (s *Storage) CompleteBatch(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.requests[requestID]
	if !ok {
		return domain.ErrRequestNotFound
	}
	for _, p := range entry.products {
		if p.Status != domain.StatusCompleted {
			return domain.ErrBatchIncomplete
		}
	}
	entry.req.Status = domain.StatusCompleted
	entry.req.Error = ""
	entry.req.UpdatedAt = s.now()
	return nil
}

// FailBatch marks a request as failed with a reason.
func (s *Storage) FailBatch(ctx context.Context, requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.requests[requestID]
	if !ok {
		return domain.ErrRequestNotFound
	}
	entry.req.Status = domain.StatusFailed
	entry.req.Error = reason
	entry.req.UpdatedAt = s.now()
	return nil
}

// GetStatus returns the status of a request.
func (s *Storage) GetStatus(ctx context.Context, requestID string) (domain.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.requests[requestID]
	if !ok {
		return "", domain.ErrRequestNotFound
	}
	return entry.req.Status, nil
}

// GetRequest returns a copy of a request with its products.
func (s *Storage) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.requests[requestID]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	req := entry.req
	req.Products = cloneProducts(entry.products)
	return &req, nil
}

// Products returns copies of the products of a request in input order.
func (s *Storage) Products(ctx context.Context, requestID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.requests[requestID]
	if !ok {
		return nil, nil
	}
	return cloneProducts(entry.products), nil
}

func cloneProducts(in []domain.Product) []domain.Product {
	out := make([]domain.Product, len(in))
	for i, p := range in {
		p.InputImageURLs = slices.Clone(p.InputImageURLs)
		p.OutputImageURLs = slices.Clone(p.OutputImageURLs)
		out[i] = p
	}
	return out
}
