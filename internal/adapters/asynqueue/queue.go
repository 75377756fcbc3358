// Package asynqueue runs the scan job queue on Redis through asynq, as an
// alternative to the Postgres-backed queue.
package asynqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
	"facefinder/internal/workers/scanrunner"
)

const (
	TaskScan  = "scan:process"
	QueueName = "scans"
)

var _ ports.JobQueue = (*Queue)(nil)

type Queue struct {
	client      *asynq.Client
	maxAttempts int
	timeout     time.Duration
	retention   time.Duration
}

// NewQueue queues scans with at most maxAttempts runs of at most timeout
// each. asynq has no unbounded tasks, so timeout defaults to six hours.
func NewQueue(client *asynq.Client, maxAttempts int, timeout time.Duration) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = 6 * time.Hour
	}
	return &Queue{client: client, maxAttempts: maxAttempts, timeout: timeout, retention: 24 * time.Hour}
}

// Enqueue uses the scan id as task id, so a scan can only be queued once
// while its task is retained.
func (q *Queue) Enqueue(ctx context.Context, payload domain.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskScan, raw), q.taskOptions(payload.ScanID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return "", domain.ErrDuplicateJob
	}
	if err != nil {
		return "", fmt.Errorf("enqueue scan task: %w", err)
	}
	return info.ID, nil
}

func (q *Queue) taskOptions(scanID string) []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(scanID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxAttempts - 1),
		asynq.Timeout(q.timeout),
		asynq.Retention(q.retention),
	}
}

type ServerOptions struct {
	Concurrency int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Log         logrus.FieldLogger
}

// NewServer builds an asynq server whose retry schedule matches the
// Postgres queue.
func NewServer(redis asynq.RedisConnOpt, opts ServerOptions) *asynq.Server {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{QueueName: 1},
		RetryDelayFunc: func(retried int, _ error, _ *asynq.Task) time.Duration {
			return domain.RetryDelay(retried+1, opts.RetryBase, opts.RetryMax)
		},
		Logger:          opts.Log.WithField("component", "asynq"),
		ShutdownTimeout: 30 * time.Second,
	})
}

func NewMux(processor scanrunner.ScanProcessor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskScan, Handler(processor))
	return mux
}

// Handler turns a scan task into a domain.Job for the processor. Permanent
// failures skip asynq's retries.
func Handler(processor scanrunner.ScanProcessor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p domain.JobPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode scan task: %v: %w", err, asynq.SkipRetry)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			id = p.ScanID
		}
		job := domain.Job{
			ID:          id,
			ScanID:      p.ScanID,
			Payload:     p,
			State:       domain.JobActive,
			Attempts:    retried + 1,
			MaxAttempts: maxRetry + 1,
		}
		if err := processor.Process(ctx, job); err != nil {
			if domain.IsPermanent(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}
