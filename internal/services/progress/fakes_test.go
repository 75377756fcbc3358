package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"facefinder/internal/domain"
)

type memCache struct {
	mu    sync.Mutex
	snaps map[string]domain.ProgressSnapshot
	ttls  map[string]time.Duration
	fail  bool
}

func newMemCache() *memCache {
	return &memCache{snaps: map[string]domain.ProgressSnapshot{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) SaveSnapshot(_ context.Context, snap domain.ProgressSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.snaps[snap.ScanID] = snap
	c.ttls[snap.ScanID] = ttl
	return nil
}

func (c *memCache) LoadSnapshot(_ context.Context, scanID string) (domain.ProgressSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[scanID]
	return snap, ok, nil
}

func (c *memCache) get(scanID string) domain.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[scanID]
}

// memScans merges updates the way the durable store does.
type memScans struct {
	mu      sync.Mutex
	scans   map[string]domain.Scan
	updates []domain.ProgressUpdate
	delay   time.Duration
}

func newMemScans(scans ...domain.Scan) *memScans {
	m := &memScans{scans: map[string]domain.Scan{}}
	for _, s := range scans {
		m.scans[s.ID] = s
	}
	return m
}

func (m *memScans) UpdateScanProgress(_ context.Context, scanID string, u domain.ProgressUpdate) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	s := m.scans[scanID]
	s.ID = scanID
	snap := domain.ProgressSnapshot{Counters: s.Counters}.Apply(u)
	s.Counters = snap.Counters
	m.scans[scanID] = s
	return nil
}

func (m *memScans) GetScan(_ context.Context, scanID string) (domain.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scans[scanID]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memScans) set(s domain.Scan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[s.ID] = s
}

func (m *memScans) counters(scanID string) domain.Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans[scanID].Counters
}
