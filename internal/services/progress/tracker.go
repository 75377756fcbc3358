// Package progress keeps scan progress visible while a scan runs: the
// Tracker writes it, the Reporter feeds the Tracker without blocking the
// pipeline, and the Publisher streams it to subscribers.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

// ProgressWriter is the durable side of a progress update.
type ProgressWriter interface {
	UpdateScanProgress(ctx context.Context, scanID string, u domain.ProgressUpdate) error
}

// Tracker writes every update to the ephemeral cache first, then merges the
// present counters into the durable scan record. The two writes are not
// atomic; the durable record stays authoritative.
type Tracker struct {
	cache ports.ProgressCache
	scans ProgressWriter
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time

	mu   sync.Mutex
	last map[string]domain.ProgressSnapshot
}

func NewTracker(cache ports.ProgressCache, scans ProgressWriter, ttl time.Duration, log logrus.FieldLogger) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		cache: cache,
		scans: scans,
		ttl:   ttl,
		log:   log.WithField("component", "progress"),
		now:   time.Now,
		last:  make(map[string]domain.ProgressSnapshot),
	}
}

// Begin starts a fresh snapshot for a run. Counters start over at zero.
func (t *Tracker) Begin(ctx context.Context, scanID string) {
	snap := domain.ProgressSnapshot{ScanID: scanID, Status: domain.ScanProcessing, UpdatedAt: t.now()}
	t.mu.Lock()
	t.last[scanID] = snap
	t.mu.Unlock()
	t.save(ctx, snap)
}

func (t *Tracker) Update(ctx context.Context, scanID string, u domain.ProgressUpdate) error {
	t.mu.Lock()
	snap, ok := t.last[scanID]
	if !ok {
		snap = domain.ProgressSnapshot{ScanID: scanID, Status: domain.ScanProcessing}
	}
	snap = snap.Apply(u)
	snap.UpdatedAt = t.now()
	t.last[scanID] = snap
	t.mu.Unlock()

	t.save(ctx, snap)
	if u.Empty() {
		return nil
	}
	if err := t.scans.UpdateScanProgress(ctx, scanID, u); err != nil {
		return fmt.Errorf("update durable progress: %w", err)
	}
	return nil
}

// Finish writes the terminal snapshot and forgets the scan.
func (t *Tracker) Finish(ctx context.Context, scanID string, status domain.ScanStatus, errText string) {
	t.mu.Lock()
	snap, ok := t.last[scanID]
	if !ok {
		snap = domain.ProgressSnapshot{ScanID: scanID}
	}
	delete(t.last, scanID)
	t.mu.Unlock()

	snap.Status = status
	snap.Error = errText
	snap.UpdatedAt = t.now()
	t.save(ctx, snap)
}

// Forget drops the in-memory snapshot without writing anything.
func (t *Tracker) Forget(scanID string) {
	t.mu.Lock()
	delete(t.last, scanID)
	t.mu.Unlock()
}

// Snapshot returns the last snapshot written for a scan in this process.
func (t *Tracker) Snapshot(scanID string) (domain.ProgressSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.last[scanID]
	return snap, ok
}

// save never fails the caller; the cache is advisory.
func (t *Tracker) save(ctx context.Context, snap domain.ProgressSnapshot) {
	if err := t.cache.SaveSnapshot(ctx, snap, t.ttl); err != nil {
		t.log.WithError(err).WithField("scan_id", snap.ScanID).Warn("progress cache write failed")
	}
}
