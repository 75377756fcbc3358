package scanrunner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
	"facefinder/internal/telemetry"
)

// ScanProcessor performs the scan work for a claimed job.
type ScanProcessor interface {
	Process(ctx context.Context, job domain.Job) error
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	Log          logrus.FieldLogger
	Metrics      *telemetry.Metrics
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewMetrics(nil)
	}
}

// Run starts worker goroutines that claim jobs and process them. The
// returned channel is closed once every worker has stopped after ctx ends.
func Run(ctx context.Context, repo ports.JobRepository, processor ScanProcessor, opts Options) <-chan struct{} {
	done := make(chan struct{})
	if opts.Concurrency < 1 {
		close(done)
		return done
	}
	opts.setDefaults()
	jobsCh := make(chan domain.Job)
	// one token per idle worker; jobs are only claimed when a worker can start them
	idle := make(chan struct{}, opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		idle <- struct{}{}
	}

	var wg sync.WaitGroup

	// dispatcher loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobsCh)
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		claim:
			for {
				select {
				case <-idle:
				default:
					break claim
				}
				job, found, err := repo.ClaimNext(ctx, opts.Lease)
				if err != nil || !found {
					idle <- struct{}{}
					if err != nil && ctx.Err() == nil {
						opts.Log.WithError(err).Error("job claim error")
					}
					break claim
				}
				jobsCh <- job
			}
		}
	}()

	// stall reaper
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(opts.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := repo.ReapStalled(ctx)
				if err != nil {
					if ctx.Err() == nil {
						opts.Log.WithError(err).Error("reap stalled jobs")
					}
					continue
				}
				if n > 0 {
					opts.Log.WithField("requeued", n).Warn("requeued stalled jobs")
				}
			}
		}
	}()

	// workers
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			log := opts.Log.WithField("worker", idx)
			for job := range jobsCh {
				_ = handle(ctx, repo, processor, job, opts, log)
				idle <- struct{}{}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// ProcessInline claims the waiting job of one scan and runs it in the
// caller's goroutine. The job goes active with a lease that is renewed while
// it runs, and the outcome is recorded the way the workers record it.
func ProcessInline(ctx context.Context, repo ports.JobRepository, processor ScanProcessor, scanID string, opts Options) error {
	opts.setDefaults()
	job, err := repo.StartJobForScan(ctx, scanID, opts.Lease)
	if err != nil {
		return err
	}
	return handle(ctx, repo, processor, job, opts, opts.Log)
}

// handle runs one claimed job while keeping its lease alive, then records
// the outcome. A job interrupted by shutdown is left for the reaper.
func handle(ctx context.Context, repo ports.JobRepository, processor ScanProcessor, job domain.Job, opts Options, log logrus.FieldLogger) error {
	log = log.WithFields(logrus.Fields{"job_id": job.ID, "scan_id": job.ScanID, "attempt": job.Attempts})
	jctx, stop := context.WithCancel(ctx)
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		keepLease(jctx, repo, job.ID, opts.Lease, log)
	}()

	err := processor.Process(jctx, job)
	stop()
	<-heartbeat

	if err == nil {
		if err := repo.MarkCompleted(context.WithoutCancel(ctx), job.ID); err != nil {
			log.WithError(err).Error("complete job")
			return err
		}
		return nil
	}
	if ctx.Err() != nil && !domain.IsPermanent(err) {
		log.WithError(err).Warn("job interrupted by shutdown")
		return err
	}

	var retryAfter *time.Duration
	if !domain.IsPermanent(err) && !job.Final() {
		d := domain.RetryDelay(job.Attempts, opts.RetryBase, opts.RetryMax)
		retryAfter = &d
	}
	state, mErr := repo.MarkFailed(context.WithoutCancel(ctx), job.ID, err.Error(), retryAfter)
	if mErr != nil {
		log.WithError(mErr).Error("record job failure")
		return err
	}
	if state == domain.JobWaiting {
		opts.Metrics.JobsRetried.Inc()
		log.WithError(err).WithField("retry_in", *retryAfter).Warn("job failed, requeued")
	} else {
		log.WithError(err).Error("job failed")
	}
	return err
}

func keepLease(ctx context.Context, repo ports.JobRepository, jobID string, lease time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.ExtendLease(ctx, jobID, lease); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("extend job lease")
			}
		}
	}
}
