// Package postgres implements the batch store and job queue on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cwygoda/squeeze/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'PENDING',
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS products (
    request_id        TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    product_name      TEXT NOT NULL,
    serial_number     TEXT NOT NULL,
    position          INTEGER NOT NULL,
    input_image_urls  TEXT[] NOT NULL,
    output_image_urls TEXT[] NOT NULL DEFAULT '{}',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    error             TEXT,
    PRIMARY KEY (request_id, product_name)
);
CREATE TABLE IF NOT EXISTS jobs (
    id         BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    payload    JSONB NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    attempts   INTEGER NOT NULL DEFAULT 0,
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Storage implements domain.BatchStore and domain.JobQueue using PostgreSQL.
type Storage struct {
	db     *sql.DB
	logger *zap.Logger
}

// New connects to dsn, verifies the connection and creates the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("failed to close database after ping error", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("database connection check error: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("failed to close database after schema error", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("schema creation error: %w", err)
	}

	return &Storage{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateBatch inserts a pending request and its products in one transaction.
func (s *Storage) CreateBatch(ctx context.Context, requestID string, items []domain.LineItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transaction start error: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertBatch(ctx, tx, requestID, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transaction commit error: %w", err)
	}
	return nil
}

// SubmitBatch inserts the request, its products and its pending job in
// one transaction.
func (s *Storage) SubmitBatch(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transaction start error: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertBatch(ctx, tx, requestID, items); err != nil {
		return nil, err
	}
	job, err := insertJob(ctx, tx, requestID, items)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transaction commit error: %w", err)
	}
	s.logger.Debug("batch submitted", zap.String("request_id", requestID), zap.Int64("job_id", job.ID))
	return job, nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, requestID string, items []domain.LineItem) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO requests (id, status) VALUES ($1, $2)`,
		requestID, domain.StatusPending,
	); err != nil {
		return mapUnique(err, "insert request")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (request_id, product_name, serial_number, position, input_image_urls, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("query preparation error: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx,
			requestID, item.ProductName, item.SerialNumber, i, pq.Array(item.InputImageURLs), domain.StatusPending,
		); err != nil {
			return mapUnique(err, fmt.Sprintf("insert product %q", item.ProductName))
		}
	}
	return nil
}

// UpdateProduct overwrites a product's outputs and status.
func (s *Storage) UpdateProduct(ctx context.Context, requestID, productName string, outputs []string, status domain.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transaction start error: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var inputs []string
	err = tx.QueryRowContext(ctx,
		`SELECT input_image_urls FROM products WHERE request_id = $1 AND product_name = $2 FOR UPDATE`,
		requestID, productName,
	).Scan(pq.Array(&inputs))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("select product: %w", err)
	}
	if status == domain.StatusCompleted && len(inputs) != len(outputs) {
		return domain.ErrOutputMismatch
	}

	if outputs == nil {
		outputs = []string{}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET output_image_urls = $1, status = $2, error = NULL
		 WHERE request_id = $3 AND product_name = $4`,
		pq.Array(outputs), status, requestID, productName,
	); err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return tx.Commit()
}

// FailProduct marks a product as failed with a reason.
func (s *Storage) FailProduct(ctx context.Context, requestID, productName, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE products SET status = $1, error = $2 WHERE request_id = $3 AND product_name = $4`,
		domain.StatusFailed, reason, requestID, productName,
	)
	return affectedOr(result, err, domain.ErrProductNotFound)
}

// CompleteBatch marks a request as completed once every product is.
func (s *Storage) CompleteBatch(ctx context.Context, requestID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = $1, error = NULL, updated_at = now()
		 WHERE id = $2 AND NOT EXISTS (
		     SELECT 1 FROM products WHERE request_id = requests.id AND status <> $1
		 )`,
		domain.StatusCompleted, requestID,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetStatus(ctx, requestID); err != nil {
		return err
	}
	return domain.ErrBatchIncomplete
}

// FailBatch marks a request as failed with a reason.
func (s *Storage) FailBatch(ctx context.Context, requestID, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = $1, error = $2, updated_at = now() WHERE id = $3`,
		domain.StatusFailed, reason, requestID,
	)
	return affectedOr(result, err, domain.ErrRequestNotFound)
}

// GetStatus returns the status of a request.
func (s *Storage) GetStatus(ctx context.Context, requestID string) (domain.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = $1`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrRequestNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status error: %w", err)
	}
	return domain.Status(status), nil
}

// GetRequest retrieves a request with its products in input order.
func (s *Storage) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	var req domain.Request
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, COALESCE(error, ''), created_at, updated_at FROM requests WHERE id = $1`,
		requestID,
	).Scan(&req.ID, &status, &req.Error, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request error: %w", err)
	}
	req.Status = domain.Status(status)

	req.Products, err = s.Products(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Products returns the products of a request in input order.
func (s *Storage) Products(ctx context.Context, requestID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, product_name, serial_number, input_image_urls, output_image_urls, status, COALESCE(error, '')
		 FROM products WHERE request_id = $1 ORDER BY position ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list products error: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		var status string
		if err := rows.Scan(&p.RequestID, &p.ProductName, &p.SerialNumber,
			pq.Array(&p.InputImageURLs), pq.Array(&p.OutputImageURLs), &status, &p.Error); err != nil {
			return nil, err
		}
		if len(p.OutputImageURLs) == 0 {
			p.OutputImageURLs = nil
		}
		p.Status = domain.Status(status)
		products = append(products, p)
	}
	return products, rows.Err()
}

func mapUnique(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func affectedOr(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
