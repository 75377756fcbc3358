package main

import (
	"context"
	"fmt"

	"facefinder/internal/adapters/asynqueue"
	"facefinder/internal/workers/scanrunner"
)

// startWorkers runs n scan workers on the configured queue backend. The
// returned wait blocks until they have stopped after ctx ends.
func startWorkers(ctx context.Context, a *app, n int) (wait func(), err error) {
	if n < 1 {
		return func() {}, nil
	}
	log := a.log.WithField("workers", n)
	if a.cfg.Queue.Backend == "redis" {
		srv := asynqueue.NewServer(a.asynqRedis, asynqueue.ServerOptions{
			Concurrency: n,
			RetryBase:   a.cfg.Queue.RetryBase,
			RetryMax:    a.cfg.Queue.RetryMax,
			Log:         a.log,
		})
		if err := srv.Start(asynqueue.NewMux(a.orchestrator)); err != nil {
			return nil, fmt.Errorf("start asynq server: %w", err)
		}
		log.Info("scan workers started on redis queue")
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			srv.Shutdown()
			close(done)
		}()
		return func() { <-done }, nil
	}

	done := scanrunner.Run(ctx, a.db, a.orchestrator, scanrunner.Options{
		Concurrency:  n,
		PollInterval: a.cfg.Queue.PollInterval,
		Lease:        a.cfg.Queue.Lease,
		RetryBase:    a.cfg.Queue.RetryBase,
		RetryMax:     a.cfg.Queue.RetryMax,
		Log:          a.log,
		Metrics:      a.metrics,
	})
	log.Info("scan workers started on postgres queue")
	return func() { <-done }, nil
}
