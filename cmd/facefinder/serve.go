package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpadapter "facefinder/internal/adapters/http"
)

func newServeCommand() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with scan workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.ScanWorkers
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			opts := []httpadapter.Option{
				httpadapter.WithMetrics(a.registry),
				httpadapter.WithHealth(func(context.Context) any { return a.db.Stats() }),
			}
			if jobs := a.jobs(); jobs != nil {
				opts = append(opts, httpadapter.WithInline(jobs, a.orchestrator))
			}
			api := httpadapter.New(a.scanner, a.publisher, log, opts...)

			workerCtx, stopWorkers := context.WithCancel(ctx)
			defer stopWorkers()
			waitWorkers, err := startWorkers(workerCtx, a, workers)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           api.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.WithField("addr", cfg.ListenAddr).Info("listening")

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err = <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.WithError(serr).Warn("http shutdown")
			}
			stopWorkers()
			waitWorkers()
			return err
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Scan workers to run in-process (defaults to SCAN_WORKERS)")
	return cmd
}
