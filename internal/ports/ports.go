package ports

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"facefinder/internal/domain"
)

// Matcher decides whether an image contains the reference identity.
type Matcher interface {
	Evaluate(ctx context.Context, image []byte, fingerprints [][]float64) (domain.MatchResult, error)
}

// ImageSize selects which rendition of a remote item to fetch.
type ImageSize string

const (
	SizeThumbnail ImageSize = "thumbnail"
	SizeOriginal  ImageSize = "original"
)

// ItemPager walks a remote library one page at a time. A pager is single-use.
type ItemPager interface {
	HasMorePages() bool
	NextPage(ctx context.Context) ([]domain.RemoteItem, error)
}

// Download is one successfully fetched item.
type Download struct {
	Item domain.RemoteItem
	Data []byte
}

// PhotoSource enumerates and downloads items from the remote photo library.
type PhotoSource interface {
	TokenSource(ctx context.Context, cred domain.Credential) oauth2.TokenSource
	Paginator(ts oauth2.TokenSource) ItemPager
	// DownloadMany attempts every item and returns only the successes.
	DownloadMany(ctx context.Context, ts oauth2.TokenSource, items []domain.RemoteItem, concurrency int, size ImageSize) []Download
}

type UploadRequest struct {
	ID          string
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// UploadResult is correlated to its request by ID, never by position.
type UploadResult struct {
	ID  string
	Ref domain.BlobRef
	Err error
}

// BlobStore persists originals and can later presign access to them.
// UploadMany calls onDone once per request, never concurrently.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, name string, metadata map[string]string) (domain.BlobRef, error)
	UploadMany(ctx context.Context, reqs []UploadRequest, concurrency int, onDone func(UploadResult)) []UploadResult
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ProgressCache is the ephemeral low-latency progress sink.
type ProgressCache interface {
	SaveSnapshot(ctx context.Context, snap domain.ProgressSnapshot, ttl time.Duration) error
	LoadSnapshot(ctx context.Context, scanID string) (snap domain.ProgressSnapshot, found bool, err error)
}

// Scanner is the read/cancel/enqueue surface the web layer uses.
type Scanner interface {
	Enqueue(ctx context.Context, payload domain.JobPayload) (jobID string, err error)
	Status(ctx context.Context, scanID string) (domain.Scan, error)
	Cancel(ctx context.Context, scanID string) error
	Matches(ctx context.Context, scanID string) ([]domain.MatchedItem, error)
}
