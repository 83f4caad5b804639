// Command etcd-backup is the per-node backup entry point, designed to be
// invoked by an external scheduler (cron/systemd timer). It also exposes
// the decrypt helper used during restores.
//
// Exit codes (backup mode): 0 success or skipped, 1 production or
// verification failure, 2 upload failure, 3 cluster-unhealthy abort.
// Exit codes (decrypt mode): 0 success, 1 decryption failure, 2 checksum
// mismatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/deadman"
	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/execx"
	"etcdsafe/pkg/s3store"
	"etcdsafe/services/backup"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var decryptMode bool
	cmd := newRootCommand(logger, &decryptMode)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("etcd-backup failed")
		os.Exit(exitCode(err, decryptMode))
	}
}

func newRootCommand(logger zerolog.Logger, decryptMode *bool) *cobra.Command {
	var (
		configPath  string
		dryRun      bool
		independent bool
		onlineOnly  bool
		timeout     time.Duration

		input       string
		output      string
		encryption  string
		sidecarPath string
		noVerify    bool
	)

	cmd := &cobra.Command{
		Use:           "etcd-backup --config <path>",
		Short:         "Encrypted etcd snapshot backup to object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if *decryptMode {
				if input == "" || output == "" {
					return errors.New("--decrypt requires --input and --output")
				}
				// Decrypt is purely local; only the encryption section
				// of the config applies.
				enc, err := backup.LoadEncryptionConfig(configPath)
				if err != nil {
					return err
				}
				codec, cred, err := buildCodec(ctx, enc)
				if err != nil {
					return err
				}
				return backup.DecryptFile(ctx, codec, cred, backup.DecryptOptions{
					Input:       input,
					Output:      output,
					Method:      encryption,
					SidecarPath: sidecarPath,
					NoVerify:    noVerify,
				}, logger)
			}

			cfg, err := backup.LoadConfig(configPath)
			if err != nil {
				return err
			}

			codec, cred, err := buildCodec(ctx, cfg.Encryption)
			if err != nil {
				return err
			}

			store, err := s3store.New(ctx, cfg.S3)
			if err != nil {
				return err
			}

			etcd := &backup.EtcdCLI{Config: cfg.Etcd, Runner: execx.Local{}}
			coordinator := &backup.Coordinator{
				Config: cfg,
				Store:  store,
				Pipeline: &backup.Pipeline{
					Store:  store,
					Codec:  codec,
					Method: cfg.Method(),
					Cred:   cred,
					Logger: logger,
				},
				Health:   etcd,
				Producer: &backup.Producer{Etcd: etcd, DataDirPattern: cfg.Etcd.DataDirPattern, Logger: logger},
				Pinger:   deadman.Pinger{URL: cfg.HealthcheckURL},
				Logger:   logger.With().Str("cluster", cfg.ClusterName).Str("node", cfg.NodeName).Logger(),
			}

			outcome, err := coordinator.Run(ctx, backup.RunOptions{
				DryRun:      dryRun,
				Independent: independent,
				OnlineOnly:  onlineOnly,
			})
			if err != nil {
				return err
			}
			logger.Info().Str("outcome", string(outcome)).Msg("etcd-backup finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without making changes")
	cmd.Flags().BoolVar(&independent, "independent", false, "Skip the recent-backup check, always create an artifact")
	cmd.Flags().BoolVar(&onlineOnly, "online-only", false, "Abort instead of falling back to an offline snapshot")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall run timeout")

	cmd.Flags().BoolVar(decryptMode, "decrypt", false, "Decrypt mode: decrypt a downloaded backup artifact")
	cmd.Flags().StringVar(&input, "input", "", "Encrypted input file (decrypt mode)")
	cmd.Flags().StringVar(&output, "output", "", "Decrypted output file (decrypt mode)")
	cmd.Flags().StringVar(&encryption, "encryption", "auto", "Encryption method: auto, aws-kms, symmetric, none")
	cmd.Flags().StringVar(&sidecarPath, "sha256-file", "", "Path to the .sha256 sidecar (decrypt mode)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip checksum verification (not recommended)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// buildCodec wires the envelope codec for the configured method. The KMS
// wrapper is only constructed when the method needs it.
func buildCodec(ctx context.Context, enc backup.EncryptionConfig) (*envelope.Codec, envelope.Credential, error) {
	method, err := envelope.ParseMethod(enc.Method)
	if err != nil {
		return nil, envelope.Credential{}, err
	}

	codec := &envelope.Codec{}
	if method == envelope.MethodKMS || enc.KMSKeyID != "" {
		region := enc.KMSRegion
		if region == "" {
			region = os.Getenv("AWS_DEFAULT_REGION")
		}
		wrapper, err := envelope.NewKMSWrapper(ctx, envelope.KMSConfig{
			Region:   region,
			Endpoint: enc.KMSEndpoint,
		})
		if err != nil {
			return nil, envelope.Credential{}, fmt.Errorf("kms wrapper: %w", err)
		}
		codec.Wrapper = wrapper
	}
	return codec, enc.Credential(), nil
}

func exitCode(err error, decryptMode bool) int {
	if decryptMode {
		if errors.Is(err, checksum.ErrMismatch) {
			return 2
		}
		return 1
	}
	switch {
	case errors.Is(err, backup.ErrClusterUnhealthy):
		return 3
	case errors.Is(err, backup.ErrUpload):
		return 2
	default:
		return 1
	}
}
