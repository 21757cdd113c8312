package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwygoda/squeeze/internal/domain"
)

const jobColumns = `id, request_id, payload, status, attempts, COALESCE(error, ''), created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Enqueue inserts a new pending job for a request.
func (s *Storage) Enqueue(ctx context.Context, requestID string, items []domain.LineItem) (*domain.Job, error) {
	return insertJob(ctx, s.db, requestID, items)
}

func insertJob(ctx context.Context, db queryer, requestID string, items []domain.LineItem) (*domain.Job, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job := domain.Job{RequestID: requestID, Items: items, Status: domain.JobPending}
	err = db.QueryRowContext(ctx,
		`INSERT INTO jobs (request_id, payload, status) VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		requestID, string(payload), domain.JobPending,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID.
func (s *Storage) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return job, err
}

// FindPending returns pending jobs up to limit, oldest first.
func (s *Storage) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY id ASC LIMIT $2`,
		domain.JobPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find pending error: %w", err)
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

// Claim atomically claims a pending job for processing. Concurrent
// claimers serialize on the row lock and only one sees it pending.
func (s *Storage) Claim(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, attempts = attempts + 1, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		domain.JobProcessing, id, domain.JobPending,
	)
	return affectedOr(result, err, domain.ErrJobNotFound)
}

// Complete marks a job as completed.
func (s *Storage) Complete(ctx context.Context, id int64) error {
	return s.setJobStatus(ctx, id, domain.JobCompleted, "")
}

// Fail marks a job as permanently failed.
func (s *Storage) Fail(ctx context.Context, id int64, reason string) error {
	return s.setJobStatus(ctx, id, domain.JobFailed, reason)
}

// Retry puts a job back to pending with error info.
func (s *Storage) Retry(ctx context.Context, id int64, reason string) error {
	return s.setJobStatus(ctx, id, domain.JobPending, reason)
}

func (s *Storage) setJobStatus(ctx context.Context, id int64, status domain.JobStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = NULLIF($2, ''), updated_at = now() WHERE id = $3`,
		status, reason, id,
	)
	return affectedOr(result, err, domain.ErrJobNotFound)
}

// RecoverStale resets all processing jobs back to pending.
func (s *Storage) RecoverStale(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = 'recovered after crash', updated_at = now()
		 WHERE status = $2`,
		domain.JobPending, domain.JobProcessing,
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
	var status string
	var payload []byte
	err := row.Scan(&job.ID, &job.RequestID, &payload, &status, &job.Attempts, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Items); err != nil {
		return nil, fmt.Errorf("decode payload of job %d: %w", job.ID, err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}
