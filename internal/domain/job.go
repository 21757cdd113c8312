package domain

import "time"

// JobStatus represents the queue state of a batch-processing job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one unit of asynchronous work: process every product of a request.
type Job struct {
	ID        int64
	RequestID string
	Items     []LineItem
	Status    JobStatus
	Attempts  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanRetry returns true if the job can be retried.
func (j *Job) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts && j.Status != JobCompleted
}
