package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"facefinder/internal/domain"
)

// Enqueue creates the job for a scan. scan_id is unique, so a second enqueue
// for the same scan is rejected instead of creating a duplicate.
func (db *DB) Enqueue(ctx context.Context, payload domain.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var jobID string
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO scan_jobs (scan_id, payload, max_attempts)
		VALUES ($1, $2, $3)
		ON CONFLICT (scan_id) DO NOTHING
		RETURNING id
	`, payload.ScanID, raw, db.maxAttempts()).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrDuplicateJob
	}
	return jobID, err
}

// ClaimNext selects the next runnable job using SKIP LOCKED and marks it active.
func (db *DB) ClaimNext(ctx context.Context, lease time.Duration) (job domain.Job, found bool, err error) {
	// Use explicit transaction to safely lock and transition state
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT id, scan_id, payload, attempts, max_attempts FROM scan_jobs
		WHERE status = 'waiting' AND run_after <= now()
		ORDER BY run_after, queued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&job.ID, &job.ScanID, &raw, &job.Attempts, &job.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	if err = json.Unmarshal(raw, &job.Payload); err != nil {
		return job, false, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}

	// Mark job active, bump attempts and take the lease
	if _, err = tx.Exec(ctx, `
		UPDATE scan_jobs
		SET status = 'active', started_at = COALESCE(started_at, now()), attempts = attempts + 1,
		    locked_until = now() + $2 * interval '1 millisecond'
		WHERE id = $1
	`, job.ID, millis(lease)); err != nil {
		return job, false, err
	}
	job.Attempts++
	job.State = domain.JobActive
	return job, true, nil
}

func (db *DB) ExtendLease(ctx context.Context, jobID string, lease time.Duration) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE scan_jobs SET locked_until = now() + $2 * interval '1 millisecond'
		WHERE id = $1 AND status = 'active'
	`, jobID, millis(lease))
	return err
}

func (db *DB) MarkCompleted(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.Pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'completed', finished_at = now(), locked_until = NULL WHERE id = $1
	`, jobID)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, jobID string, reason string, retryAfter *time.Duration) (domain.JobState, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if retryAfter != nil {
		tag, err := db.Pool.Exec(ctx, `
			UPDATE scan_jobs
			SET status = 'waiting', last_error = $2, locked_until = NULL,
			    run_after = now() + $3 * interval '1 millisecond'
			WHERE id = $1 AND attempts < max_attempts
		`, jobID, reason, millis(*retryAfter))
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() > 0 {
			return domain.JobWaiting, nil
		}
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE scan_jobs SET status = 'failed', last_error = $2, finished_at = now(), locked_until = NULL
		WHERE id = $1
	`, jobID, reason)
	if err != nil {
		return "", err
	}
	return domain.JobFailed, nil
}

// ReapStalled handles jobs whose worker stopped renewing its lease. Expired
// leases are first marked stalled; on the next pass stalled jobs go back to
// waiting, or to failed (with their scan) when no attempts remain.
func (db *DB) ReapStalled(ctx context.Context) (requeued int, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE scan_jobs SET status = 'waiting', locked_until = NULL, run_after = now(),
		       last_error = 'worker lease expired'
		WHERE status = 'stalled' AND attempts < max_attempts
	`)
	if err != nil {
		return 0, err
	}
	requeued = int(tag.RowsAffected())

	if _, err = tx.Exec(ctx, `
		WITH exhausted AS (
			UPDATE scan_jobs SET status = 'failed', locked_until = NULL, finished_at = now(),
			       last_error = 'worker lease expired'
			WHERE status = 'stalled' AND attempts >= max_attempts
			RETURNING scan_id
		)
		UPDATE scans SET status = 'failed', error = 'scan worker stopped responding', completed_at = now()
		WHERE id IN (SELECT scan_id FROM exhausted) AND status = 'processing'
	`); err != nil {
		return 0, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE scan_jobs SET status = 'stalled'
		WHERE status = 'active' AND locked_until < now()
	`); err != nil {
		return 0, err
	}
	return requeued, nil
}

// StartJobForScan marks the job for a specific scan as active and returns it.
func (db *DB) StartJobForScan(ctx context.Context, scanID string, lease time.Duration) (job domain.Job, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var raw []byte
	// lock specific job row if waiting
	err = tx.QueryRow(ctx, `
		SELECT id, scan_id, payload, attempts, max_attempts FROM scan_jobs
		WHERE scan_id = $1 AND status = 'waiting'
		FOR UPDATE SKIP LOCKED
	`, scanID).Scan(&job.ID, &job.ScanID, &raw, &job.Attempts, &job.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, domain.ErrNotFound
	}
	if err != nil {
		return job, err
	}
	if err = json.Unmarshal(raw, &job.Payload); err != nil {
		return job, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE scan_jobs
		SET status = 'active', started_at = COALESCE(started_at, now()), attempts = attempts + 1,
		    locked_until = now() + $2 * interval '1 millisecond'
		WHERE id = $1
	`, job.ID, millis(lease)); err != nil {
		return job, err
	}
	job.Attempts++
	job.State = domain.JobActive
	return job, nil
}
