package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

type fakeScans struct {
	mu sync.Mutex
	// cancelAt makes ScanCancelRequested report true from this call on (1-based).
	cancelAt   int
	checks     int
	scan       domain.Scan
	history    []domain.Counters
	startErr   error
	finishedAs []domain.ScanStatus
}

func newFakeScans(id string) *fakeScans {
	return &fakeScans{scan: domain.Scan{ID: id, Status: domain.ScanPending}}
}

func (f *fakeScans) CreateScan(context.Context, string) (string, error) { return f.scan.ID, nil }

func (f *fakeScans) GetScan(_ context.Context, id string) (domain.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.scan.ID {
		return domain.Scan{}, domain.ErrNotFound
	}
	return f.scan, nil
}

func (f *fakeScans) MarkScanProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if id != f.scan.ID {
		return domain.ErrNotFound
	}
	if err := domain.CheckTransition(f.scan.Status, domain.ScanProcessing); err != nil {
		return err
	}
	f.scan.Status = domain.ScanProcessing
	f.scan.Counters = domain.Counters{}
	return nil
}

func (f *fakeScans) UpdateScanProgress(_ context.Context, _ string, u domain.ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scan.Counters = domain.ProgressSnapshot{Counters: f.scan.Counters}.Apply(u).Counters
	f.history = append(f.history, f.scan.Counters)
	return nil
}

func (f *fakeScans) FinishScan(_ context.Context, _ string, status domain.ScanStatus, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := domain.CheckTransition(f.scan.Status, status); err != nil {
		return err
	}
	f.scan.Status = status
	f.scan.Error = reason
	f.finishedAs = append(f.finishedAs, status)
	return nil
}

func (f *fakeScans) RequestScanCancel(context.Context, string) error { return nil }

func (f *fakeScans) ScanCancelRequested(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.cancelAt > 0 && f.checks >= f.cancelAt, nil
}

func (f *fakeScans) snapshot() (domain.Scan, []domain.Counters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scan, append([]domain.Counters(nil), f.history...)
}

type fakeMatches struct {
	mu   sync.Mutex
	rows map[string]domain.MatchedItem
	err  error
}

func (f *fakeMatches) InsertMatches(_ context.Context, items []domain.MatchedItem) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.rows == nil {
		f.rows = map[string]domain.MatchedItem{}
	}
	n := 0
	for _, it := range items {
		if _, ok := f.rows[it.RemoteID]; ok {
			continue
		}
		f.rows[it.RemoteID] = it
		n++
	}
	return n, nil
}

func (f *fakeMatches) ListMatches(context.Context, string) ([]domain.MatchedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MatchedItem, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeMatches) CountMatches(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), nil
}

type fakeSessions struct{ expired bool }

func (f fakeSessions) GetSession(_ context.Context, id string) (domain.Session, error) {
	s := domain.Session{ID: id, ExpiresAt: time.Now().Add(time.Hour)}
	if f.expired {
		s.ExpiresAt = time.Now().Add(-time.Minute)
	}
	return s, nil
}

type fakeCredentials struct{}

func (fakeCredentials) LoadCredential(context.Context, string) (domain.Credential, error) {
	return domain.Credential{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

// fakeSource serves items named item-000..; downloads return the item id.
type fakeSource struct {
	items       []domain.RemoteItem
	pageSize    int
	failPage    int // 1-based page that errors, 0 for none
	failThumbs  map[string]bool
	failOrigins map[string]bool

	mu        sync.Mutex
	downloads map[ports.ImageSize]int
}

func newFakeSource(n int) *fakeSource {
	src := &fakeSource{pageSize: 50, failThumbs: map[string]bool{}, failOrigins: map[string]bool{}, downloads: map[ports.ImageSize]int{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item-%03d", i)
		src.items = append(src.items, domain.RemoteItem{ID: id, Filename: id + ".jpg", MimeType: "image/jpeg", ProductURL: "https://photos.test/" + id})
	}
	return src
}

func (s *fakeSource) TokenSource(context.Context, domain.Credential) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
}

type fakePager struct {
	src  *fakeSource
	page int
	done bool
}

func (s *fakeSource) Paginator(oauth2.TokenSource) ports.ItemPager { return &fakePager{src: s} }

func (p *fakePager) HasMorePages() bool { return !p.done }

func (p *fakePager) NextPage(context.Context) ([]domain.RemoteItem, error) {
	p.page++
	if p.page == p.src.failPage {
		return nil, errors.New("photos api: 503 Service Unavailable")
	}
	lo := (p.page - 1) * p.src.pageSize
	hi := min(lo+p.src.pageSize, len(p.src.items))
	if hi >= len(p.src.items) {
		p.done = true
	}
	if lo >= hi {
		return nil, nil
	}
	return append([]domain.RemoteItem(nil), p.src.items[lo:hi]...), nil
}

func (s *fakeSource) DownloadMany(_ context.Context, _ oauth2.TokenSource, items []domain.RemoteItem, _ int, size ports.ImageSize) []ports.Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	fail := s.failThumbs
	if size == ports.SizeOriginal {
		fail = s.failOrigins
	}
	var out []ports.Download
	for _, it := range items {
		if fail[it.ID] {
			continue
		}
		s.downloads[size]++
		out = append(out, ports.Download{Item: it, Data: []byte(it.ID)})
	}
	return out
}

// fakeMatcher matches ids listed in hits.
type fakeMatcher struct {
	hits map[string]float64
	fail map[string]bool
	// stall blocks until the context ends.
	stall map[string]bool
}

func (m fakeMatcher) Evaluate(ctx context.Context, image []byte, fps [][]float64) (domain.MatchResult, error) {
	if len(fps) == 0 {
		return domain.MatchResult{}, errors.New("no fingerprints")
	}
	id := string(image)
	if m.stall[id] {
		<-ctx.Done()
		return domain.MatchResult{}, ctx.Err()
	}
	if m.fail[id] {
		return domain.MatchResult{}, errors.New("matcher unavailable")
	}
	if c, ok := m.hits[id]; ok {
		return domain.MatchResult{IsMatch: true, Confidence: c, FacesDetected: 1}, nil
	}
	return domain.MatchResult{FacesDetected: 0}, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (b *fakeBlobs) Upload(_ context.Context, _ []byte, name string, _ map[string]string) (domain.BlobRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return domain.BlobRef{URL: "https://blobs.test/" + name, Key: name}, nil
}

func (b *fakeBlobs) UploadMany(ctx context.Context, reqs []ports.UploadRequest, _ int, onDone func(ports.UploadResult)) []ports.UploadResult {
	var out []ports.UploadResult
	for _, r := range reqs {
		var res ports.UploadResult
		if b.fail[r.ID] {
			b.mu.Lock()
			b.calls++
			b.mu.Unlock()
			res = ports.UploadResult{ID: r.ID, Err: errors.New("bucket unavailable")}
		} else {
			ref, err := b.Upload(ctx, r.Data, r.Name, r.Metadata)
			res = ports.UploadResult{ID: r.ID, Ref: ref, Err: err}
		}
		out = append(out, res)
		if onDone != nil {
			onDone(res)
		}
	}
	return out
}

func (b *fakeBlobs) PresignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}

// memCache is a ProgressCache that keeps every snapshot it was given.
type memCache struct {
	mu    sync.Mutex
	snaps []domain.ProgressSnapshot
}

func (c *memCache) SaveSnapshot(_ context.Context, snap domain.ProgressSnapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func (c *memCache) LoadSnapshot(context.Context, string) (domain.ProgressSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return domain.ProgressSnapshot{}, false, nil
	}
	return c.snaps[len(c.snaps)-1], true, nil
}

func (c *memCache) all() []domain.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ProgressSnapshot(nil), c.snaps...)
}
