package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

// Presigner regenerates access URLs for stored blobs.
type Presigner interface {
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Service struct {
	scans      ports.ScanRepository
	matches    ports.MatchRepository
	queue      ports.JobQueue
	blobs      Presigner
	presignTTL time.Duration
	log        logrus.FieldLogger
}

func New(scans ports.ScanRepository, matches ports.MatchRepository, queue ports.JobQueue, blobs Presigner, presignTTL time.Duration, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{scans: scans, matches: matches, queue: queue, blobs: blobs, presignTTL: presignTTL, log: log}
}

// Enqueue queues a scan that already exists and has not finished.
func (s *Service) Enqueue(ctx context.Context, payload domain.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	scan, err := s.scans.GetScan(ctx, payload.ScanID)
	if err != nil {
		return "", err
	}
	if scan.Status.IsTerminal() {
		return "", fmt.Errorf("%w: %s", domain.ErrScanTerminal, scan.Status)
	}
	jobID, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"scan_id": payload.ScanID, "job_id": jobID}).Info("scan queued")
	return jobID, nil
}

func (s *Service) Status(ctx context.Context, scanID string) (domain.Scan, error) {
	return s.scans.GetScan(ctx, scanID)
}

// Cancel asks the running pipeline to stop at its next batch boundary. A
// finished scan is rejected with domain.ErrScanTerminal and left untouched.
func (s *Service) Cancel(ctx context.Context, scanID string) error {
	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", domain.ErrScanTerminal, scan.Status)
	}
	return s.scans.RequestScanCancel(ctx, scanID)
}

// Matches lists a scan's matches with freshly presigned URLs. Items whose
// URL cannot be regenerated keep the one stored at upload time.
func (s *Service) Matches(ctx context.Context, scanID string) ([]domain.MatchedItem, error) {
	if _, err := s.scans.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	items, err := s.matches.ListMatches(ctx, scanID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		url, err := s.blobs.PresignURL(ctx, items[i].BlobKey, s.presignTTL)
		if err != nil {
			s.log.WithError(err).WithField("key", items[i].BlobKey).Warn("presign failed")
			continue
		}
		items[i].BlobURL = url
	}
	return items, nil
}
