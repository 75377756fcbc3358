package progress

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

const (
	MessageProgress = "progress"
	MessageTerminal = "terminal"
)

// Message is one push on a progress stream.
type Message struct {
	Type         string            `json:"type"`
	ScanID       string            `json:"scan_id"`
	Status       domain.ScanStatus `json:"status"`
	Total        int               `json:"total_items"`
	Scanned      int               `json:"scanned_items"`
	Matched      int               `json:"matched_items"`
	Uploaded     int               `json:"uploaded_items"`
	CurrentBatch int               `json:"current_batch"`
	TotalBatches int               `json:"total_batches"`
	Error        string            `json:"error,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func messageFrom(typ string, snap domain.ProgressSnapshot) Message {
	return Message{
		Type:         typ,
		ScanID:       snap.ScanID,
		Status:       snap.Status,
		Total:        snap.Counters.Total,
		Scanned:      snap.Counters.Scanned,
		Matched:      snap.Counters.Matched,
		Uploaded:     snap.Counters.Uploaded,
		CurrentBatch: snap.CurrentBatch,
		TotalBatches: snap.TotalBatches,
		Error:        snap.Error,
		Timestamp:    snap.UpdatedAt,
	}
}

type ScanReader interface {
	GetScan(ctx context.Context, scanID string) (domain.Scan, error)
}

// Publisher polls progress for subscribers. Every subscription polls on its
// own; subscriptions never touch the scan.
type Publisher struct {
	cache    ports.ProgressCache
	scans    ScanReader
	interval time.Duration
	log      logrus.FieldLogger
}

func NewPublisher(cache ports.ProgressCache, scans ScanReader, interval time.Duration, log logrus.FieldLogger) *Publisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{cache: cache, scans: scans, interval: interval, log: log.WithField("component", "publisher")}
}

// Subscribe streams progress for scanID until the scan reaches a terminal
// state or ctx ends. The last message on a finished scan has type
// MessageTerminal. The channel is closed when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context, scanID string) <-chan Message {
	out := make(chan Message, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			msg, err := p.poll(ctx, scanID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				p.log.WithError(err).WithField("scan_id", scanID).Warn("progress poll failed")
			default:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				if msg.Type == MessageTerminal {
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// poll prefers the cached snapshot. The durable record decides when the
// scan is over and supplies the final counters.
func (p *Publisher) poll(ctx context.Context, scanID string) (Message, error) {
	scan, err := p.scans.GetScan(ctx, scanID)
	if err != nil {
		return Message{}, err
	}
	if scan.Status.IsTerminal() {
		return messageFrom(MessageTerminal, domain.SnapshotFromScan(scan)), nil
	}

	snap, found, err := p.cache.LoadSnapshot(ctx, scanID)
	if err != nil {
		p.log.WithError(err).WithField("scan_id", scanID).Debug("progress cache read failed")
	}
	if err != nil || !found || snap.Status.IsTerminal() {
		snap = domain.SnapshotFromScan(scan)
	}
	return messageFrom(MessageProgress, snap), nil
}
