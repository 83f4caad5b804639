// Command ca-backup archives certificate-authority secrets and
// configuration to object storage when they change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"etcdsafe/pkg/deadman"
	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
	"etcdsafe/services/backup"
	"etcdsafe/services/cabackup"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("ca-backup failed")
		os.Exit(1)
	}
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	var (
		configPath string
		force      bool
		dryRun     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:           "ca-backup --config <path>",
		Short:         "Change-driven encrypted CA backup to object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := cabackup.LoadConfig(configPath)
			if err != nil {
				return err
			}

			method := cfg.Method()
			codec := &envelope.Codec{}
			if method == envelope.MethodKMS {
				wrapper, err := envelope.NewKMSWrapper(ctx, envelope.KMSConfig{
					Region:   cfg.Encryption.KMSRegion,
					Endpoint: cfg.Encryption.KMSEndpoint,
				})
				if err != nil {
					return fmt.Errorf("kms wrapper: %w", err)
				}
				codec.Wrapper = wrapper
			}

			store, err := s3store.New(ctx, cfg.S3)
			if err != nil {
				return err
			}

			coordinator := &cabackup.Coordinator{
				Config: cfg,
				Store:  store,
				Pipeline: &backup.Pipeline{
					Store:  store,
					Codec:  codec,
					Method: method,
					Cred:   cfg.Encryption.Credential(),
					Logger: logger,
				},
				Pinger: deadman.Pinger{URL: cfg.HealthcheckURL},
				Logger: logger.With().Str("cluster", cfg.ClusterName).Logger(),
			}

			outcome, err := coordinator.Run(ctx, cabackup.RunOptions{Force: force, DryRun: dryRun})
			if err != nil {
				return err
			}
			logger.Info().Str("outcome", string(outcome)).Msg("ca-backup finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "Publish even when the sources are unchanged")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without making changes")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall run timeout")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
