package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"facefinder/internal/domain"
)

// ScanRepository

func (db *DB) CreateScan(ctx context.Context, sessionID string) (string, error) {
	var scanID string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO scans (session_id, status)
		VALUES ($1, 'pending')
		RETURNING id
	`, sessionID).Scan(&scanID)
	return scanID, err
}

func (db *DB) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	var s domain.Scan
	var status string
	err := db.Pool.QueryRow(ctx, `
		SELECT s.id, j.id, s.session_id, s.status,
		       s.total_items, s.scanned_items, s.matched_items, s.uploaded_items,
		       s.error, s.cancel_requested_at IS NOT NULL,
		       s.created_at, s.started_at, s.completed_at
		FROM scans s
		LEFT JOIN scan_jobs j ON j.scan_id = s.id
		WHERE s.id = $1
	`, scanID).Scan(
		&s.ID, &s.JobID, &s.SessionID, &status,
		&s.Counters.Total, &s.Counters.Scanned, &s.Counters.Matched, &s.Counters.Uploaded,
		&s.Error, &s.CancelRequested,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, domain.ErrNotFound
	}
	s.Status = domain.ScanStatus(status)
	return s, err
}

func (db *DB) MarkScanProcessing(ctx context.Context, scanID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scans
		SET status = 'processing',
		    started_at = COALESCE(started_at, now()),
		    total_items = 0, scanned_items = 0, matched_items = 0, uploaded_items = 0,
		    error = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, scanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, scanID, domain.ScanProcessing)
	}
	return nil
}

// UpdateScanProgress merges the present counters; absent ones keep their value.
func (db *DB) UpdateScanProgress(ctx context.Context, scanID string, u domain.ProgressUpdate) error {
	if u.Empty() {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE scans
		SET total_items    = COALESCE($2::int, total_items),
		    scanned_items  = COALESCE($3::int, scanned_items),
		    matched_items  = COALESCE($4::int, matched_items),
		    uploaded_items = COALESCE($5::int, uploaded_items)
		WHERE id = $1 AND status = 'processing'
	`, scanID, u.Total, u.Scanned, u.Matched, u.Uploaded)
	return err
}

func (db *DB) FinishScan(ctx context.Context, scanID string, status domain.ScanStatus, reason *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: finish with %s", domain.ErrInvalidTransition, status)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scans
		SET status = $2, error = $3, completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, scanID, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, scanID, status)
	}
	return nil
}

// RequestScanCancel flags a live scan for cancellation. The orchestrator
// honours the flag at the next batch boundary.
func (db *DB) RequestScanCancel(ctx context.Context, scanID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scans
		SET cancel_requested_at = COALESCE(cancel_requested_at, now())
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, scanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, scanID, domain.ScanCancelled)
	}
	return nil
}

func (db *DB) ScanCancelRequested(ctx context.Context, scanID string) (bool, error) {
	var requested bool
	err := db.Pool.QueryRow(ctx, `SELECT cancel_requested_at IS NOT NULL FROM scans WHERE id = $1`, scanID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	return requested, err
}

// transitionError explains why a guarded UPDATE touched no row.
func (db *DB) transitionError(ctx context.Context, scanID string, to domain.ScanStatus) error {
	var status string
	err := db.Pool.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, scanID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(domain.ScanStatus(status), to); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, status, to)
}
