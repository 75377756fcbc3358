package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facefinder/internal/domain"
	"facefinder/internal/services/progress"
	"facefinder/internal/telemetry"
)

const testScanID = "0b5d4f0e-8d5e-4c57-9a0e-7b1f4e0c2a11"

type harness struct {
	scans   *fakeScans
	matches *fakeMatches
	source  *fakeSource
	matcher fakeMatcher
	blobs   *fakeBlobs
	cache   *memCache
	metrics *telemetry.Metrics
	orch    *Orchestrator
}

func newHarness(items int) *harness {
	return &harness{
		scans:   newFakeScans(testScanID),
		matches: &fakeMatches{},
		source:  newFakeSource(items),
		matcher: fakeMatcher{hits: map[string]float64{}, fail: map[string]bool{}},
		blobs:   &fakeBlobs{fail: map[string]bool{}},
		cache:   &memCache{},
		metrics: telemetry.NewMetrics(nil),
	}
}

func (h *harness) build(sessions fakeSessions) *Orchestrator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h.orch = New(Deps{
		Scans:       h.scans,
		Matches:     h.matches,
		Sessions:    sessions,
		Credentials: fakeCredentials{},
		Source:      h.source,
		Matcher:     h.matcher,
		Blobs:       h.blobs,
		Progress:    progress.NewTracker(h.cache, h.scans, time.Hour, logger),
		Metrics:     h.metrics,
		Log:         logger,
	}, Options{BatchSize: 100, MatchThreshold: 0.6})
	return h.orch
}

func payload() domain.JobPayload {
	return domain.JobPayload{
		ScanID:                testScanID,
		SessionID:             "session-1",
		CredentialRef:         "cred-1",
		ReferenceFingerprints: [][]float64{{0.1, 0.2}},
	}
}

func assertMonotonic(t *testing.T, history []domain.Counters) {
	t.Helper()
	var prev domain.Counters
	for i, c := range history {
		assert.GreaterOrEqual(t, c.Total, prev.Total, "total decreased at update %d", i)
		assert.GreaterOrEqual(t, c.Scanned, prev.Scanned, "scanned decreased at update %d", i)
		assert.GreaterOrEqual(t, c.Matched, prev.Matched, "matched decreased at update %d", i)
		assert.GreaterOrEqual(t, c.Uploaded, prev.Uploaded, "uploaded decreased at update %d", i)
		assert.LessOrEqual(t, c.Scanned, c.Total, "scanned above total at update %d", i)
		prev = c
	}
}

func TestRunDropsFailedThumbnailsAndKeepsCounting(t *testing.T) {
	h := newHarness(237)
	// Five failed downloads in each of the three batches.
	for _, b := range []int{0, 100, 200} {
		for i := 0; i < 5; i++ {
			h.source.failThumbs[fmt.Sprintf("item-%03d", b+i*7)] = true
		}
	}
	for _, id := range []string{"item-010", "item-150", "item-236"} {
		h.matcher.hits[id] = 0.9
	}
	h.matcher.hits["item-011"] = 0.4 // below threshold

	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1, FinalAttempt: true})
	require.NoError(t, err)

	assert.Equal(t, domain.ScanCompleted, res.Status)
	assert.Equal(t, 3, res.TotalBatches)
	assert.Equal(t, domain.Counters{Total: 237, Scanned: 222, Matched: 3, Uploaded: 3}, res.Counters)

	scan, history := h.scans.snapshot()
	assert.Equal(t, domain.ScanCompleted, scan.Status)
	assert.Equal(t, res.Counters, scan.Counters)
	assertMonotonic(t, history)

	count, err := h.matches.CountMatches(context.Background(), testScanID)
	require.NoError(t, err)
	assert.Equal(t, scan.Counters.Uploaded, count)

	rows, err := h.matches.ListMatches(context.Background(), testScanID)
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, ObjectKey(testScanID, r.RemoteID, r.RemoteID+".jpg"), r.BlobKey)
		assert.Equal(t, 0.9, r.Confidence)
		assert.Equal(t, 1, r.Metadata["faces_detected"])
	}

	snaps := h.cache.all()
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.ScanCompleted, last.Status)
	assert.Equal(t, 3, last.TotalBatches)
	assert.Equal(t, 3, last.CurrentBatch)
	assert.Equal(t, 3, h.source.downloads["original"])

	assert.InDelta(t, 15, testutil.ToFloat64(h.metrics.ItemsDropped.WithLabelValues("thumbnail")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ScansFinished.WithLabelValues("completed")), 0)
}

func TestRunZeroItemsCompletesWithoutUploads(t *testing.T) {
	h := newHarness(0)
	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, domain.ScanCompleted, res.Status)
	assert.Equal(t, domain.Counters{}, res.Counters)
	assert.Zero(t, res.TotalBatches)
	assert.Zero(t, h.blobs.calls)
	assert.Empty(t, h.source.downloads)

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanCompleted, scan.Status)
}

func TestRunUploadFailuresAreDropped(t *testing.T) {
	h := newHarness(30)
	h.matcher.hits["item-001"] = 0.8
	h.matcher.hits["item-002"] = 0.8
	h.matcher.hits["item-003"] = 0.8
	h.source.failOrigins["item-002"] = true
	h.blobs.fail["item-003"] = true

	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Counters.Matched)
	assert.Equal(t, 1, res.Counters.Uploaded)

	rows, _ := h.matches.ListMatches(context.Background(), testScanID)
	require.Len(t, rows, 1)
	assert.Equal(t, "item-001", rows[0].RemoteID)
}

func TestRunMatcherFailuresAreNotScanned(t *testing.T) {
	h := newHarness(20)
	h.matcher.fail["item-004"] = true
	h.matcher.fail["item-005"] = true

	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, 18, res.Counters.Scanned)
}

func TestRunCancelAtBatchBoundary(t *testing.T) {
	h := newHarness(250)
	h.matcher.hits["item-005"] = 0.95
	h.matcher.hits["item-120"] = 0.95
	// Checks: before enumeration, before batch 1, before batch 2.
	h.scans.cancelAt = 3

	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, domain.ScanCancelled, res.Status)
	assert.Equal(t, 100, res.Counters.Scanned)
	assert.Equal(t, 1, res.Counters.Matched)
	// Matches found before the cancel are still kept.
	assert.Equal(t, 1, res.Counters.Uploaded)

	scan, history := h.scans.snapshot()
	assert.Equal(t, domain.ScanCancelled, scan.Status)
	assertMonotonic(t, history)
}

func TestRunCancelBeforeEnumeration(t *testing.T) {
	h := newHarness(10)
	h.scans.cancelAt = 1

	res, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanCancelled, res.Status)
	assert.Empty(t, h.source.downloads)
}

func TestRunEnumerationFailureFailsFinalAttempt(t *testing.T) {
	h := newHarness(200)
	h.source.failPage = 2

	_, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 3, FinalAttempt: true})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanFailed, scan.Status)
	require.NotNil(t, scan.Error)
	assert.Contains(t, *scan.Error, "enumerate remote library")

	snaps := h.cache.all()
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.ScanFailed, last.Status)
	assert.Equal(t, *scan.Error, last.Error)
	assert.Zero(t, h.blobs.calls)
}

func TestRunRetryableFailureLeavesScanProcessing(t *testing.T) {
	h := newHarness(200)
	h.source.failPage = 1

	_, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanProcessing, scan.Status)
	assert.Empty(t, h.scans.finishedAs)

	_, ok := h.orch.Progress.(*progress.Tracker).Snapshot(testScanID)
	assert.False(t, ok, "retried scan should not stay in tracker memory")

	// The retry starts the counters over and finishes the scan.
	h.source.failPage = 0
	res, err := h.orch.Run(context.Background(), payload(), RunOptions{Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Counters.Scanned)
}

func TestRunExpiredSessionIsPermanent(t *testing.T) {
	h := newHarness(5)
	_, err := h.build(fakeSessions{expired: true}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanFailed, scan.Status)
}

func TestRunUnknownScanFailsFast(t *testing.T) {
	h := newHarness(5)
	h.scans.startErr = domain.ErrNotFound

	_, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 1})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Empty(t, h.source.downloads)
}

func TestRunPersistFailureKeepsEarlierMatches(t *testing.T) {
	h := newHarness(10)
	h.matcher.hits["item-001"] = 0.9
	h.matches.err = errors.New("connection reset")

	_, err := h.build(fakeSessions{}).Run(context.Background(), payload(), RunOptions{Attempt: 3, FinalAttempt: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist matches")

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanFailed, scan.Status)
}

func TestProcessUsesJobAttempts(t *testing.T) {
	h := newHarness(3)
	h.source.failPage = 1
	orch := h.build(fakeSessions{})

	err := orch.Process(context.Background(), domain.Job{ID: "j1", Payload: payload(), Attempts: 3, MaxAttempts: 3})
	require.Error(t, err)
	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanFailed, scan.Status)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "scans/s1/abc.JPG", ObjectKey("s1", "abc", "IMG_0001.JPG"))
	assert.Equal(t, "scans/s1/abc", ObjectKey("s1", "abc", ""))
}

func TestRunDeadlineOnFinalAttemptFailsScan(t *testing.T) {
	h := newHarness(150)
	h.matcher.hits["item-003"] = 0.9
	h.matcher.stall = map[string]bool{"item-040": true}
	orch := h.build(fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := orch.Run(ctx, payload(), RunOptions{Attempt: 3, FinalAttempt: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, domain.IsPermanent(err))

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanFailed, scan.Status)
	require.NotNil(t, scan.Error)
	assert.Equal(t, []domain.ScanStatus{domain.ScanFailed}, h.scans.finishedAs)
	snaps := h.cache.all()
	assert.Equal(t, domain.ScanFailed, snaps[len(snaps)-1].Status)
}

func TestRunDeadlineBeforeFinalAttemptRetries(t *testing.T) {
	h := newHarness(150)
	h.matcher.stall = map[string]bool{"item-040": true}
	orch := h.build(fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := orch.Run(ctx, payload(), RunOptions{Attempt: 1})
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanProcessing, scan.Status)
	assert.Empty(t, h.scans.finishedAs)
}

func TestRunShutdownBeforeFinalAttemptLeavesScan(t *testing.T) {
	h := newHarness(150)
	h.matcher.stall = map[string]bool{"item-040": true}
	orch := h.build(fakeSessions{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := orch.Run(ctx, payload(), RunOptions{Attempt: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsPermanent(err))

	scan, _ := h.scans.snapshot()
	assert.Equal(t, domain.ScanProcessing, scan.Status)
}
