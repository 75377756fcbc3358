// Package pipeline runs one scan end to end: enumerate the remote library,
// match thumbnails batch by batch, then fetch, upload and record the
// originals of the matches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
	"facefinder/internal/services/progress"
	"facefinder/internal/telemetry"
)

// ProgressTracker is the part of progress.Tracker a run needs.
type ProgressTracker interface {
	progress.Updater
	Begin(ctx context.Context, scanID string)
	Finish(ctx context.Context, scanID string, status domain.ScanStatus, errText string)
	// Forget drops in-process state for a scan whose next attempt may run elsewhere.
	Forget(scanID string)
}

type Options struct {
	BatchSize           int
	DownloadConcurrency int
	OriginalConcurrency int
	UploadConcurrency   int
	MatchThreshold      float64
	// ProgressEvery is how many evaluated items go between progress updates.
	ProgressEvery int
}

func (o *Options) setDefaults() {
	if o.BatchSize < 1 {
		o.BatchSize = 100
	}
	if o.DownloadConcurrency < 1 {
		o.DownloadConcurrency = 5
	}
	if o.OriginalConcurrency < 1 {
		o.OriginalConcurrency = 3
	}
	if o.UploadConcurrency < 1 {
		o.UploadConcurrency = 5
	}
	if o.ProgressEvery < 1 {
		o.ProgressEvery = 10
	}
}

type Deps struct {
	Scans       ports.ScanRepository
	Matches     ports.MatchRepository
	Sessions    ports.SessionRepository
	Credentials ports.CredentialStore
	Source      ports.PhotoSource
	Matcher     ports.Matcher
	Blobs       ports.BlobStore
	Progress    ProgressTracker
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Log         logrus.FieldLogger
}

type Orchestrator struct {
	Deps
	opts Options
}

func New(d Deps, opts Options) *Orchestrator {
	opts.setDefaults()
	if d.Metrics == nil {
		d.Metrics = telemetry.NewMetrics(nil)
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("facefinder/pipeline")
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Orchestrator{Deps: d, opts: opts}
}

// RunOptions describe the attempt being run.
type RunOptions struct {
	Attempt int
	// FinalAttempt makes any failure terminal for the scan. Otherwise a
	// retryable failure leaves the scan processing for the next attempt.
	FinalAttempt bool
}

// Result is the outcome of a run that did not fail.
type Result struct {
	Status       domain.ScanStatus
	Counters     domain.Counters
	TotalBatches int
}

// Process adapts Run to the job runners.
func (o *Orchestrator) Process(ctx context.Context, job domain.Job) error {
	_, err := o.Run(ctx, job.Payload, RunOptions{Attempt: job.Attempts, FinalAttempt: job.Final()})
	return err
}

// Run executes the scan described by p. A returned error marked with
// domain.Permanent must not be retried.
func (o *Orchestrator) Run(ctx context.Context, p domain.JobPayload, ro RunOptions) (Result, error) {
	ctx, span := o.Tracer.Start(ctx, "scan.run", trace.WithAttributes(
		attribute.String("scan.id", p.ScanID),
		attribute.Int("scan.attempt", ro.Attempt),
	))
	defer span.End()
	log := o.Log.WithFields(logrus.Fields{"scan_id": p.ScanID, "attempt": ro.Attempt})

	if err := o.Scans.MarkScanProcessing(ctx, p.ScanID); err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrScanTerminal) || errors.Is(err, domain.ErrInvalidTransition) {
			log.WithError(err).Warn("scan cannot be started")
			return Result{}, domain.Permanent(fmt.Errorf("start scan: %w", err))
		}
		return Result{}, fmt.Errorf("start scan: %w", err)
	}
	o.Progress.Begin(ctx, p.ScanID)
	log.Info("scan started")

	rep := progress.NewReporter(ctx, o.Progress, p.ScanID, log)
	res, err := o.run(ctx, p, rep, log)
	rep.Close()

	return o.finish(ctx, p.ScanID, res, err, ro, log, span)
}

// finish records the outcome. Failures are only written to the scan when
// the job will not run again; on the final attempt that includes a run cut
// short by its deadline or by shutdown.
func (o *Orchestrator) finish(ctx context.Context, scanID string, res Result, runErr error, ro RunOptions, log logrus.FieldLogger, span trace.Span) (Result, error) {
	// The terminal write must happen even if the worker is shutting down.
	wctx := context.WithoutCancel(ctx)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if !ro.FinalAttempt && !domain.IsPermanent(runErr) {
			o.Progress.Forget(scanID)
			if errors.Is(ctx.Err(), context.Canceled) {
				log.WithError(runErr).Warn("scan interrupted, leaving it for the next attempt")
			} else {
				log.WithError(runErr).Warn("scan attempt failed, will retry")
			}
			return res, runErr
		}
		reason := runErr.Error()
		if err := o.Scans.FinishScan(wctx, scanID, domain.ScanFailed, &reason); err != nil {
			log.WithError(err).Error("could not mark scan failed")
		}
		o.Progress.Finish(wctx, scanID, domain.ScanFailed, reason)
		o.Metrics.ScansFinished.WithLabelValues(string(domain.ScanFailed)).Inc()
		log.WithError(runErr).Error("scan failed")
		return res, domain.Permanent(runErr)
	}

	if err := o.Scans.FinishScan(wctx, scanID, res.Status, nil); err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrScanTerminal) || errors.Is(err, domain.ErrNotFound) {
			return res, domain.Permanent(fmt.Errorf("finish scan: %w", err))
		}
		return res, fmt.Errorf("finish scan: %w", err)
	}
	o.Progress.Finish(wctx, scanID, res.Status, "")
	o.Metrics.ScansFinished.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(
		attribute.String("scan.status", string(res.Status)),
		attribute.Int("scan.total", res.Counters.Total),
		attribute.Int("scan.matched", res.Counters.Matched),
	)
	log.WithFields(logrus.Fields{
		"status":   res.Status,
		"total":    res.Counters.Total,
		"scanned":  res.Counters.Scanned,
		"matched":  res.Counters.Matched,
		"uploaded": res.Counters.Uploaded,
	}).Info("scan finished")
	return res, nil
}

// candidate is a matched item waiting for its original to be uploaded.
type candidate struct {
	item   domain.RemoteItem
	result domain.MatchResult
}

func (o *Orchestrator) run(ctx context.Context, p domain.JobPayload, rep *progress.Reporter, log logrus.FieldLogger) (Result, error) {
	res := Result{Status: domain.ScanCompleted}

	ts, err := o.resolveCredential(ctx, p)
	if err != nil {
		return res, err
	}
	if cancelled, err := o.cancelRequested(ctx, p.ScanID); err != nil {
		return res, err
	} else if cancelled {
		log.Info("cancel requested before enumeration")
		res.Status = domain.ScanCancelled
		return res, nil
	}

	items, err := o.enumerate(ctx, ts, rep)
	if err != nil {
		return res, err
	}
	res.Counters.Total = len(items)
	if len(items) == 0 {
		log.Info("library is empty")
		rep.Report(domain.ProgressUpdate{Total: domain.Int(0), Scanned: domain.Int(0), Matched: domain.Int(0), Uploaded: domain.Int(0)})
		return res, nil
	}

	matches, cancelled, err := o.scanBatches(ctx, p, ts, items, &res, rep, log)
	if err != nil {
		return res, err
	}
	if cancelled {
		res.Status = domain.ScanCancelled
	}

	if len(matches) > 0 {
		if err := o.uploadMatches(ctx, p.ScanID, ts, matches, rep, log); err != nil {
			return res, err
		}
	}
	uploaded, err := o.Matches.CountMatches(ctx, p.ScanID)
	if err != nil {
		return res, fmt.Errorf("count matches: %w", err)
	}
	res.Counters.Uploaded = uploaded

	rep.Report(domain.ProgressUpdate{
		Total:    domain.Int(res.Counters.Total),
		Scanned:  domain.Int(res.Counters.Scanned),
		Matched:  domain.Int(res.Counters.Matched),
		Uploaded: domain.Int(res.Counters.Uploaded),
	})
	rep.Flush()
	return res, nil
}

func (o *Orchestrator) resolveCredential(ctx context.Context, p domain.JobPayload) (oauth2.TokenSource, error) {
	sess, err := o.Sessions.GetSession(ctx, p.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("session %s: %w", p.SessionID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, domain.Permanent(domain.ErrSessionExpired)
	}

	cred, err := o.Credentials.LoadCredential(ctx, p.CredentialRef)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("credential: %w", err))
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	ts := o.Source.TokenSource(ctx, cred)
	// Fail before enumeration if the credential cannot be refreshed.
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("refresh credential: %w", err)
	}
	return ts, nil
}

func (o *Orchestrator) cancelRequested(ctx context.Context, scanID string) (bool, error) {
	requested, err := o.Scans.ScanCancelRequested(ctx, scanID)
	if err != nil {
		return false, fmt.Errorf("check cancellation: %w", err)
	}
	return requested, nil
}

func (o *Orchestrator) enumerate(ctx context.Context, ts oauth2.TokenSource, rep *progress.Reporter) ([]domain.RemoteItem, error) {
	ctx, span := o.Tracer.Start(ctx, "scan.enumerate")
	defer span.End()

	var items []domain.RemoteItem
	pager := o.Source.Paginator(ts)
	pages := 0
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("enumerate remote library: %w", err)
		}
		pages++
		items = append(items, page...)
		rep.Report(domain.ProgressUpdate{Total: domain.Int(len(items))})
	}
	span.SetAttributes(attribute.Int("pages", pages), attribute.Int("items", len(items)))
	o.Metrics.ItemsProcessed.WithLabelValues("enumerate").Add(float64(len(items)))
	return items, nil
}

// scanBatches matches thumbnails batch by batch. It stops early, with
// cancelled set, when a cancel request is seen at a batch boundary.
func (o *Orchestrator) scanBatches(ctx context.Context, p domain.JobPayload, ts oauth2.TokenSource, items []domain.RemoteItem, res *Result, rep *progress.Reporter, log logrus.FieldLogger) (matches []candidate, cancelled bool, err error) {
	size := o.opts.BatchSize
	totalBatches := (len(items) + size - 1) / size
	res.TotalBatches = totalBatches

	for b := 0; b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			return matches, false, err
		}
		requested, err := o.cancelRequested(ctx, p.ScanID)
		if err != nil {
			return matches, false, err
		}
		if requested {
			log.WithField("batch", b+1).Info("cancel requested, skipping remaining batches")
			return matches, true, nil
		}

		lo, hi := b*size, min((b+1)*size, len(items))
		found, err := o.scanBatch(ctx, p, ts, items[lo:hi], b+1, totalBatches, res, rep, log)
		matches = append(matches, found...)
		if err != nil {
			return matches, false, err
		}
	}
	return matches, false, nil
}

func (o *Orchestrator) scanBatch(ctx context.Context, p domain.JobPayload, ts oauth2.TokenSource, batch []domain.RemoteItem, index, total int, res *Result, rep *progress.Reporter, log logrus.FieldLogger) ([]candidate, error) {
	ctx, span := o.Tracer.Start(ctx, "scan.batch", trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	report := func() {
		rep.Report(domain.ProgressUpdate{
			Scanned:      domain.Int(res.Counters.Scanned),
			Matched:      domain.Int(res.Counters.Matched),
			CurrentBatch: domain.Int(index),
			TotalBatches: domain.Int(total),
		})
	}

	thumbs := o.Source.DownloadMany(ctx, ts, batch, o.opts.DownloadConcurrency, ports.SizeThumbnail)
	if dropped := len(batch) - len(thumbs); dropped > 0 {
		o.Metrics.ItemsDropped.WithLabelValues("thumbnail").Add(float64(dropped))
	}

	var found []candidate
	evaluated := 0
	for i := range thumbs {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		mr, err := o.Matcher.Evaluate(ctx, thumbs[i].Data, p.ReferenceFingerprints)
		thumbs[i].Data = nil
		if err != nil {
			o.Metrics.ItemsDropped.WithLabelValues("match").Inc()
			log.WithError(err).WithField("remote_id", thumbs[i].Item.ID).Warn("match failed, item dropped")
			continue
		}
		evaluated++
		res.Counters.Scanned++
		o.Metrics.ItemsProcessed.WithLabelValues("match").Inc()
		if mr.Accepts(o.opts.MatchThreshold) {
			res.Counters.Matched++
			found = append(found, candidate{item: thumbs[i].Item, result: mr})
		}
		if evaluated%o.opts.ProgressEvery == 0 {
			report()
		}
	}
	report()
	return found, nil
}

func (o *Orchestrator) uploadMatches(ctx context.Context, scanID string, ts oauth2.TokenSource, matches []candidate, rep *progress.Reporter, log logrus.FieldLogger) error {
	ctx, span := o.Tracer.Start(ctx, "scan.upload", trace.WithAttributes(attribute.Int("matches", len(matches))))
	defer span.End()

	byID := make(map[string]candidate, len(matches))
	items := make([]domain.RemoteItem, 0, len(matches))
	for _, c := range matches {
		byID[c.item.ID] = c
		items = append(items, c.item)
	}

	originals := o.Source.DownloadMany(ctx, ts, items, o.opts.OriginalConcurrency, ports.SizeOriginal)
	if dropped := len(items) - len(originals); dropped > 0 {
		o.Metrics.ItemsDropped.WithLabelValues("original").Add(float64(dropped))
	}
	if len(originals) == 0 {
		log.Warn("no originals could be fetched")
		return nil
	}

	reqs := make([]ports.UploadRequest, 0, len(originals))
	for i := range originals {
		c := byID[originals[i].Item.ID]
		reqs = append(reqs, ports.UploadRequest{
			ID:          c.item.ID,
			Name:        ObjectKey(scanID, c.item.ID, c.item.Filename),
			Data:        originals[i].Data,
			ContentType: c.item.MimeType,
			Metadata: map[string]string{
				"scan-id":    scanID,
				"remote-id":  c.item.ID,
				"confidence": strconv.FormatFloat(c.result.Confidence, 'f', 4, 64),
			},
		})
		originals[i].Data = nil
	}

	uploaded := 0
	results := o.Blobs.UploadMany(ctx, reqs, o.opts.UploadConcurrency, func(r ports.UploadResult) {
		if r.Err != nil {
			o.Metrics.ItemsDropped.WithLabelValues("upload").Inc()
			log.WithError(r.Err).WithField("remote_id", r.ID).Warn("upload failed, item dropped")
			return
		}
		uploaded++
		o.Metrics.ItemsProcessed.WithLabelValues("upload").Inc()
		rep.Report(domain.ProgressUpdate{Uploaded: domain.Int(uploaded)})
	})

	rows := make([]domain.MatchedItem, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		c := byID[r.ID]
		md := c.item.Metadata()
		md["faces_detected"] = c.result.FacesDetected
		rows = append(rows, domain.MatchedItem{
			ID:         uuid.NewString(),
			ScanID:     scanID,
			RemoteID:   c.item.ID,
			RemoteURL:  c.item.ProductURL,
			BlobURL:    r.Ref.URL,
			BlobKey:    r.Ref.Key,
			Confidence: c.result.Confidence,
			Metadata:   md,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := o.Matches.InsertMatches(ctx, rows); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist matches: %w", err)
	}
	return nil
}

// ObjectKey is the blob key of a matched original.
func ObjectKey(scanID, remoteID, filename string) string {
	return "scans/" + scanID + "/" + remoteID + path.Ext(filename)
}
