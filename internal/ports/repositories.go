package ports

import (
	"context"

	"facefinder/internal/domain"
)

// ScanRepository owns the durable scan record and its lifecycle.
type ScanRepository interface {
	CreateScan(ctx context.Context, sessionID string) (scanID string, err error)
	GetScan(ctx context.Context, scanID string) (domain.Scan, error)
	// MarkScanProcessing moves a pending scan (or a scan being re-run) to
	// processing, resets its counters and records the start time once.
	MarkScanProcessing(ctx context.Context, scanID string) error
	// UpdateScanProgress only overwrites the counters present in the update.
	UpdateScanProgress(ctx context.Context, scanID string, u domain.ProgressUpdate) error
	FinishScan(ctx context.Context, scanID string, status domain.ScanStatus, reason *string) error
	RequestScanCancel(ctx context.Context, scanID string) error
	ScanCancelRequested(ctx context.Context, scanID string) (bool, error)
}

// MatchRepository appends matched items. Rows are never updated.
type MatchRepository interface {
	InsertMatches(ctx context.Context, items []domain.MatchedItem) (inserted int, err error)
	ListMatches(ctx context.Context, scanID string) ([]domain.MatchedItem, error)
	CountMatches(ctx context.Context, scanID string) (int, error)
}

// SessionRepository reads the owner's session.
type SessionRepository interface {
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// CredentialStore resolves a credential reference to a usable token pair.
type CredentialStore interface {
	LoadCredential(ctx context.Context, ref string) (domain.Credential, error)
}
