package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cwygoda/squeeze/internal/domain"
)

const jobColumns = `id, request_id, payload, status, attempts, COALESCE(error, ''), created_at, updated_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue inserts a new pending job for a request.
func (r *Repository) Enqueue(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	return insertJob(ctx, r.db, requestID, items, time.Now())
}

func insertJob(ctx context.Context, db execer, requestID string, items []domain.LineItem, now time.Time) (*domain.Job, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO jobs (request_id, payload, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		requestID, string(payload), domain.JobPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:        id,
		RequestID: requestID,
		Items:     items,
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return job, err
}

// FindPending returns pending jobs up to limit, oldest first.
func (r *Repository) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC LIMIT ?`,
		domain.JobPending, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Claim atomically claims a pending job for processing.
func (r *Repository) Claim(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.JobProcessing, time.Now(), id, domain.JobPending,
	)
	return affectedOr(result, err, domain.ErrJobNotFound)
}

// Complete marks a job as completed.
func (r *Repository) Complete(ctx context.Context, id int64) error {
	return r.setJobStatus(ctx, id, domain.JobCompleted, "")
}

// Fail marks a job as permanently failed.
func (r *Repository) Fail(ctx context.Context, id int64, reason string) error {
	return r.setJobStatus(ctx, id, domain.JobFailed, reason)
}

// Retry marks a job for retry (back to pending with error info).
func (r *Repository) Retry(ctx context.Context, id int64, reason string) error {
	return r.setJobStatus(ctx, id, domain.JobPending, reason)
}

func (r *Repository) setJobStatus(ctx context.Context, id int64, status domain.JobStatus, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		status, reason, time.Now(), id,
	)
	return affectedOr(result, err, domain.ErrJobNotFound)
}

// RecoverStale resets all processing jobs back to pending (for crash recovery).
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = 'recovered after crash', updated_at = ?
		 WHERE status = ?`,
		domain.JobPending, time.Now(), domain.JobProcessing,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status, payload string
	err := row.Scan(&job.ID, &job.RequestID, &payload, &status, &job.Attempts, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Items); err != nil {
		return nil, fmt.Errorf("decode payload of job %d: %w", job.ID, err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}
