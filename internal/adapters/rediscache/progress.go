// Package rediscache implements the ephemeral progress sink on Redis hashes.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"facefinder/internal/domain"
)

const keyPrefix = "facefinder:scan-progress:"

// ProgressCache stores one hash per scan. Every save replaces the hash and
// resets its TTL.
type ProgressCache struct {
	rc *redis.Client
}

func NewProgressCache(rc *redis.Client) *ProgressCache { return &ProgressCache{rc: rc} }

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, nil
}

func Key(scanID string) string { return keyPrefix + scanID }

func (c *ProgressCache) SaveSnapshot(ctx context.Context, snap domain.ProgressSnapshot, ttl time.Duration) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	key := Key(snap.ScanID)
	_, err := c.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, map[string]any{
			"scan_id":        snap.ScanID,
			"status":         string(snap.Status),
			"total_items":    snap.Counters.Total,
			"scanned_items":  snap.Counters.Scanned,
			"matched_items":  snap.Counters.Matched,
			"uploaded_items": snap.Counters.Uploaded,
			"current_batch":  snap.CurrentBatch,
			"total_batches":  snap.TotalBatches,
			"error":          snap.Error,
			"updated_at":     snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save progress snapshot: %w", err)
	}
	return nil
}

func (c *ProgressCache) LoadSnapshot(ctx context.Context, scanID string) (domain.ProgressSnapshot, bool, error) {
	fields, err := c.rc.HGetAll(ctx, Key(scanID)).Result()
	if err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("load progress snapshot: %w", err)
	}
	if len(fields) == 0 {
		return domain.ProgressSnapshot{}, false, nil
	}
	snap := domain.ProgressSnapshot{
		ScanID: scanID,
		Status: domain.ScanStatus(fields["status"]),
		Error:  fields["error"],
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"total_items", &snap.Counters.Total},
		{"scanned_items", &snap.Counters.Scanned},
		{"matched_items", &snap.Counters.Matched},
		{"uploaded_items", &snap.Counters.Uploaded},
		{"current_batch", &snap.CurrentBatch},
		{"total_batches", &snap.TotalBatches},
	}
	for _, f := range ints {
		if v, ok := fields[f.name]; ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return snap, false, fmt.Errorf("progress field %s: %w", f.name, err)
			}
			*f.dst = n
		}
	}
	if ts, ok := fields["updated_at"]; ok {
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return snap, true, nil
}
