package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/squeeze/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'PENDING',
    error      TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS products (
    request_id        TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    product_name      TEXT NOT NULL,
    serial_number     TEXT NOT NULL,
    position          INTEGER NOT NULL,
    input_image_urls  TEXT NOT NULL,
    output_image_urls TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    error             TEXT,
    PRIMARY KEY (request_id, product_name)
);
CREATE TABLE IF NOT EXISTS jobs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    payload    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    attempts   INTEGER NOT NULL DEFAULT 0,
    error      TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// Repository implements domain.BatchStore and domain.JobQueue using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers from the HTTP handlers and
	// every worker goroutine.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateBatch inserts a pending request and its products in one transaction.
func (r *Repository) CreateBatch(ctx context.Context, requestID string, items []domain.LineItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertBatch(ctx, tx, requestID, items, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// SubmitBatch inserts the request, its products and its pending job in
// one transaction.
func (r *Repository) SubmitBatch(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	if err := insertBatch(ctx, tx, requestID, items, now); err != nil {
		return nil, err
	}
	job, err := insertJob(ctx, tx, requestID, items, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, requestID string, items []domain.LineItem, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO requests (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		requestID, domain.StatusPending, now, now,
	); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (request_id, product_name, serial_number, position, input_image_urls, status)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx,
			requestID, item.ProductName, item.SerialNumber, i, joinList(item.InputImageURLs), domain.StatusPending,
		); err != nil {
			return fmt.Errorf("insert product %q: %w", item.ProductName, err)
		}
	}
	return nil
}

// UpdateProduct overwrites a product's outputs and status.
func (r *Repository) UpdateProduct(ctx context.Context, requestID, productName string, outputs []string, status domain.Status) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var inputs string
	err = tx.QueryRowContext(ctx,
		`SELECT input_image_urls FROM products WHERE request_id = ? AND product_name = ?`,
		requestID, productName,
	).Scan(&inputs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrProductNotFound
	}
	if err != nil {
		return err
	}
	if status == domain.StatusCompleted && len(splitList(inputs)) != len(outputs) {
		return domain.ErrOutputMismatch
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET output_image_urls = ?, status = ?, error = NULL
		 WHERE request_id = ? AND product_name = ?`,
		joinList(outputs), status, requestID, productName,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// FailProduct marks a product as failed with a reason.
func (r *Repository) FailProduct(ctx context.Context, requestID, productName, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE products SET status = ?, error = ? WHERE request_id = ? AND product_name = ?`,
		domain.StatusFailed, reason, requestID, productName,
	)
	return affectedOr(result, err, domain.ErrProductNotFound)
}

// CompleteBatch marks a request as completed once every product is.
func (r *Repository) CompleteBatch(ctx context.Context, requestID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error = NULL, updated_at = ?
		 WHERE id = ? AND NOT EXISTS (
		     SELECT 1 FROM products WHERE request_id = requests.id AND status <> ?
		 )`,
		domain.StatusCompleted, time.Now(), requestID, domain.StatusCompleted,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetStatus(ctx, requestID); err != nil {
		return err
	}
	return domain.ErrBatchIncomplete
}

// FailBatch marks a request as failed with a reason.
func (r *Repository) FailBatch(ctx context.Context, requestID, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		domain.StatusFailed, reason, time.Now(), requestID,
	)
	return affectedOr(result, err, domain.ErrRequestNotFound)
}

// GetStatus returns the status of a request.
func (r *Repository) GetStatus(ctx context.Context, requestID string) (domain.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrRequestNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.Status(status), nil
}

// GetRequest retrieves a request with its products in input order.
func (r *Repository) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	var req domain.Request
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, status, COALESCE(error, ''), created_at, updated_at FROM requests WHERE id = ?`,
		requestID,
	).Scan(&req.ID, &status, &req.Error, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	req.Status = domain.Status(status)

	req.Products, err = r.Products(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Products returns the products of a request in input order.
func (r *Repository) Products(ctx context.Context, requestID string) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, product_name, serial_number, input_image_urls, output_image_urls, status, COALESCE(error, '')
		 FROM products WHERE request_id = ? ORDER BY position ASC`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		var inputs, outputs, status string
		if err := rows.Scan(&p.RequestID, &p.ProductName, &p.SerialNumber, &inputs, &outputs, &status, &p.Error); err != nil {
			return nil, err
		}
		p.InputImageURLs = splitList(inputs)
		p.OutputImageURLs = splitList(outputs)
		p.Status = domain.Status(status)
		products = append(products, p)
	}
	return products, rows.Err()
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

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
