package domain

import "context"

// BatchStore is the driven port for request and product persistence.
type BatchStore interface {
	CreateBatch(ctx context.Context, requestID string, items []LineItem) error
	UpdateProduct(ctx context.Context, requestID, productName string, outputs []string, status Status) error
	FailProduct(ctx context.Context, requestID, productName, reason string) error
	CompleteBatch(ctx context.Context, requestID string) error
	FailBatch(ctx context.Context, requestID, reason string) error
	GetStatus(ctx context.Context, requestID string) (Status, error)
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	Products(ctx context.Context, requestID string) ([]Product, error)
	Ping(ctx context.Context) error
}

// JobQueue is the driven port for durable job delivery.
// Delivery is at-least-once: a job left processing by a crash is
// handed out again after RecoverStale.
type JobQueue interface {
	Enqueue(ctx context.Context, requestID string, items []LineItem) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	FindPending(ctx context.Context, limit int) ([]Job, error)
	Claim(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string) error
	Retry(ctx context.Context, id int64, reason string) error
	RecoverStale(ctx context.Context) (int64, error)
}

// BatchIntake is implemented by adapters that serve as both BatchStore
// and JobQueue. SubmitBatch records the request, its products and its
// job atomically: either all three exist afterwards or none do.
type BatchIntake interface {
	SubmitBatch(ctx context.Context, requestID string, items []LineItem) (*Job, error)
}

// ImageFetcher retrieves the raw bytes behind a locator.
type ImageFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// ImageCompressor turns raw image bytes into a stored artifact and
// returns a reference to it.
type ImageCompressor interface {
	Compress(ctx context.Context, key ArtifactKey, data []byte) (string, error)
}
