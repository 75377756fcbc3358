package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"facefinder/internal/adapters/postgres"
	"facefinder/internal/domain"
)

func newSeedCommand() *cobra.Command {
	var (
		fpFile       string
		sessionTTL   time.Duration
		accessToken  string
		refreshToken string
		tokenExpiry  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store a session and a photo library credential",
		Long: "Store reference fingerprints as a session and an OAuth token pair as an " +
			"encrypted credential. Prints the ids that enqueue takes as --session and --credential-ref.",
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

			db, err := postgres.Connect(ctx, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer db.Close()
			creds, err := postgres.NewCredentialStore(db, cfg.CredentialKey)
			if err != nil {
				return err
			}

			now := time.Now()
			sessionID, err := db.CreateSession(ctx, fps, now.Add(sessionTTL))
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			ref, err := creds.SaveCredential(ctx, sessionID, domain.Credential{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				Expiry:       now.Add(tokenExpiry),
			})
			if err != nil {
				return fmt.Errorf("save credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s\ncredential %s\n", sessionID, ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&fpFile, "fingerprints", "", "JSON file with reference fingerprints")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", 24*time.Hour, "How long the session stays usable")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token for the photo library")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token for the photo library")
	cmd.Flags().DurationVar(&tokenExpiry, "token-expiry", time.Hour, "Remaining lifetime of the access token")
	_ = cmd.MarkFlagRequired("fingerprints")
	_ = cmd.MarkFlagRequired("refresh-token")
	return cmd
}
