package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued scans until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			wait, err := startWorkers(ctx, a, concurrency)
			if err != nil {
				return err
			}
			wait()
			log.Info("workers stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Scans processed in parallel")
	return cmd
}
