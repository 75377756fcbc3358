package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"facefinder/internal/domain"
)

func newEnqueueCommand() *cobra.Command {
	var (
		scanID        string
		sessionID     string
		credentialRef string
		fpFile        string
		follow        bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a scan for a session",
		Long: "Queue a scan for a session. Reference fingerprints are read as a JSON " +
			"array of vectors from --fingerprints. Without --scan-id a new scan is created.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(fpFile)
			if err != nil {
				return fmt.Errorf("read fingerprints: %w", err)
			}
			var fps [][]float64
			if err := json.Unmarshal(raw, &fps); err != nil {
				return fmt.Errorf("decode fingerprints: %w", err)
			}

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if scanID == "" {
				if scanID, err = a.db.CreateScan(ctx, sessionID); err != nil {
					return fmt.Errorf("create scan: %w", err)
				}
			}
			payload := domain.JobPayload{
				ScanID:                scanID,
				SessionID:             sessionID,
				CredentialRef:         credentialRef,
				ReferenceFingerprints: fps,
			}
			jobID, err := a.scanner.Enqueue(ctx, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %s queued as job %s\n", scanID, jobID)
			if !follow {
				return nil
			}
			for msg := range a.publisher.Subscribe(ctx, scanID) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %-10s %d/%d scanned, %d matched, %d uploaded\n",
					msg.Type, msg.Status, msg.Scanned, msg.Total, msg.Matched, msg.Uploaded)
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVar(&scanID, "scan-id", "", "Existing scan to queue")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session owning the reference fingerprints")
	cmd.Flags().StringVar(&credentialRef, "credential-ref", "", "Stored credential for the photo library")
	cmd.Flags().StringVar(&fpFile, "fingerprints", "", "JSON file with reference fingerprints")
	cmd.Flags().BoolVar(&follow, "follow", false, "Print progress until the scan finishes")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("credential-ref")
	_ = cmd.MarkFlagRequired("fingerprints")
	return cmd
}
