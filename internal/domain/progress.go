package domain

import "time"

// ProgressSnapshot is the ephemeral, TTL'd mirror of a scan's counters plus
// batch position. It is advisory only; the durable Scan record wins.
type ProgressSnapshot struct {
	ScanID       string
	Status       ScanStatus
	Counters     Counters
	CurrentBatch int
	TotalBatches int
	Error        string
	UpdatedAt    time.Time
}

// ProgressUpdate carries only the fields that changed. Nil fields keep their
// previous durable value.
type ProgressUpdate struct {
	Total        *int
	Scanned      *int
	Matched      *int
	Uploaded     *int
	CurrentBatch *int
	TotalBatches *int
}

func Int(v int) *int { return &v }

// Empty reports whether the update carries no durable counter.
func (u ProgressUpdate) Empty() bool {
	return u.Total == nil && u.Scanned == nil && u.Matched == nil && u.Uploaded == nil
}

// Merge overlays the set fields of next onto u.
func (u ProgressUpdate) Merge(next ProgressUpdate) ProgressUpdate {
	if next.Total != nil {
		u.Total = next.Total
	}
	if next.Scanned != nil {
		u.Scanned = next.Scanned
	}
	if next.Matched != nil {
		u.Matched = next.Matched
	}
	if next.Uploaded != nil {
		u.Uploaded = next.Uploaded
	}
	if next.CurrentBatch != nil {
		u.CurrentBatch = next.CurrentBatch
	}
	if next.TotalBatches != nil {
		u.TotalBatches = next.TotalBatches
	}
	return u
}

// Apply folds the update into a snapshot.
func (s ProgressSnapshot) Apply(u ProgressUpdate) ProgressSnapshot {
	if u.Total != nil {
		s.Counters.Total = *u.Total
	}
	if u.Scanned != nil {
		s.Counters.Scanned = *u.Scanned
	}
	if u.Matched != nil {
		s.Counters.Matched = *u.Matched
	}
	if u.Uploaded != nil {
		s.Counters.Uploaded = *u.Uploaded
	}
	if u.CurrentBatch != nil {
		s.CurrentBatch = *u.CurrentBatch
	}
	if u.TotalBatches != nil {
		s.TotalBatches = *u.TotalBatches
	}
	return s
}

// SnapshotFromScan builds a snapshot out of the durable record, used when the
// ephemeral sink has nothing for the scan.
func SnapshotFromScan(s Scan) ProgressSnapshot {
	snap := ProgressSnapshot{ScanID: s.ID, Status: s.Status, Counters: s.Counters, UpdatedAt: s.CreatedAt}
	if s.Error != nil {
		snap.Error = *s.Error
	}
	if s.CompletedAt != nil {
		snap.UpdatedAt = *s.CompletedAt
	} else if s.StartedAt != nil {
		snap.UpdatedAt = *s.StartedAt
	}
	return snap
}
