package ports

import (
	"context"
	"time"

	"facefinder/internal/domain"
)

// JobQueue accepts scan jobs. Enqueueing a scan that already has a job
// returns domain.ErrDuplicateJob.
type JobQueue interface {
	Enqueue(ctx context.Context, payload domain.JobPayload) (jobID string, err error)
}

// JobRepository supports claiming and updating scan jobs.
type JobRepository interface {
	JobQueue
	ClaimNext(ctx context.Context, lease time.Duration) (job domain.Job, found bool, err error)
	ExtendLease(ctx context.Context, jobID string, lease time.Duration) error
	MarkCompleted(ctx context.Context, jobID string) error
	// MarkFailed requeues the job after retryAfter, or fails it for good when
	// retryAfter is nil. It returns the state the job ended up in.
	MarkFailed(ctx context.Context, jobID string, reason string, retryAfter *time.Duration) (domain.JobState, error)
	ReapStalled(ctx context.Context) (requeued int, err error)
	StartJobForScan(ctx context.Context, scanID string, lease time.Duration) (domain.Job, error)
}
