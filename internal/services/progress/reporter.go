package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
)

// Updater is what a Reporter forwards to.
type Updater interface {
	Update(ctx context.Context, scanID string, u domain.ProgressUpdate) error
}

// Reporter forwards progress for one run on its own goroutine. Report never
// blocks; updates that arrive while a write is in flight are merged and sent
// together, newest value per field.
type Reporter struct {
	up      Updater
	scanID  string
	log     logrus.FieldLogger
	timeout time.Duration

	pending chan domain.ProgressUpdate
	flush   chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewReporter(ctx context.Context, up Updater, scanID string, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reporter{
		up:      up,
		scanID:  scanID,
		log:     log,
		timeout: 5 * time.Second,
		pending: make(chan domain.ProgressUpdate, 1),
		flush:   make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop(context.WithoutCancel(ctx))
	return r
}

// Report queues u. Fields already pending are overwritten by u's set fields.
func (r *Reporter) Report(u domain.ProgressUpdate) {
	for {
		select {
		case r.pending <- u:
			return
		default:
		}
		select {
		case prev := <-r.pending:
			u = prev.Merge(u)
		default:
		}
	}
}

// Flush returns once everything reported so far has been written.
func (r *Reporter) Flush() {
	ack := make(chan struct{})
	select {
	case r.flush <- ack:
		<-ack
	case <-r.done:
	}
}

// Close flushes and stops the reporter. It is safe to call once.
func (r *Reporter) Close() {
	close(r.stop)
	<-r.done
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case u := <-r.pending:
			r.write(ctx, u)
		case ack := <-r.flush:
			r.drain(ctx)
			close(ack)
		case <-r.stop:
			r.drain(ctx)
			return
		}
	}
}

func (r *Reporter) drain(ctx context.Context) {
	select {
	case u := <-r.pending:
		r.write(ctx, u)
	default:
	}
}

func (r *Reporter) write(ctx context.Context, u domain.ProgressUpdate) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.up.Update(ctx, r.scanID, u); err != nil {
		r.log.WithError(err).WithField("scan_id", r.scanID).Warn("progress update failed")
	}
}
