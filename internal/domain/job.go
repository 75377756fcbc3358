package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobStalled   JobState = "stalled"
)

// JobPayload is the queued input for one scan. ScanID doubles as the queue's
// idempotency key.
type JobPayload struct {
	ScanID                string      `json:"scan_id"`
	SessionID             string      `json:"session_id"`
	CredentialRef         string      `json:"credential_ref"`
	ReferenceFingerprints [][]float64 `json:"reference_fingerprints"`
}

// Validate runs at enqueue time so workers never see a malformed payload.
func (p JobPayload) Validate() error {
	if _, err := uuid.Parse(p.ScanID); err != nil {
		return fmt.Errorf("%w: scan_id: %v", ErrInvalidPayload, err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidPayload)
	}
	if p.CredentialRef == "" {
		return fmt.Errorf("%w: credential_ref is required", ErrInvalidPayload)
	}
	if len(p.ReferenceFingerprints) == 0 {
		return fmt.Errorf("%w: at least one reference fingerprint is required", ErrInvalidPayload)
	}
	dim := len(p.ReferenceFingerprints[0])
	for i, fp := range p.ReferenceFingerprints {
		if len(fp) == 0 || len(fp) != dim {
			return fmt.Errorf("%w: fingerprint %d has dimension %d, want %d", ErrInvalidPayload, i, len(fp), dim)
		}
	}
	return nil
}

// Job is the queue envelope around a payload.
type Job struct {
	ID          string
	ScanID      string
	Payload     JobPayload
	State       JobState
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   *string
}

// Final reports whether a failure of the current attempt exhausts the job.
func (j Job) Final() bool { return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts }

// RetryDelay is base*2^(attempt-1), capped at limit.
func RetryDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
