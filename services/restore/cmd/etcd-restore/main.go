// Command etcd-restore orchestrates a cluster-wide restore of a data
// snapshot or a CA secret archive. It runs from one control host, fans
// validation out to every node, and requires the operator to type the
// cluster name before anything destructive happens.
//
// Exit codes: 0 success, 1 validation/decryption/orchestration failure,
// 2 checksum mismatch.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
	"etcdsafe/services/restore"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("etcd-restore failed")
		if errors.Is(err, checksum.ErrMismatch) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	var (
		configPath string
		kindName   string
		key        string
		localPath  string
		confirm    string
		noVerify   bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:           "etcd-restore --config <path>",
		Short:         "Two-phase cluster-wide restore from encrypted backups",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := restore.LoadConfig(configPath)
			if err != nil {
				return err
			}
			kind, err := restore.ParseKind(kindName)
			if err != nil {
				return err
			}

			store, err := s3store.New(ctx, cfg.S3)
			if err != nil {
				return err
			}

			plan, err := restore.BuildPlan(ctx, cfg, kind, restore.SourceOptions{
				Key:       key,
				LocalPath: localPath,
				Latest:    key == "" && localPath == "",
			}, noVerify, store)
			if err != nil {
				return err
			}
			logger.Info().
				Str("run_id", plan.RunID).
				Str("kind", string(plan.Kind)).
				Str("source", sourceName(plan)).
				Int("nodes", len(plan.Nodes)).
				Msg("restore plan resolved")

			codec := &envelope.Codec{}
			if plan.Method == envelope.MethodKMS {
				wrapper, err := envelope.NewKMSWrapper(ctx, envelope.KMSConfig{
					Region:   cfg.Encryption.KMSRegion,
					Endpoint: cfg.Encryption.KMSEndpoint,
				})
				if err != nil {
					return fmt.Errorf("kms wrapper: %w", err)
				}
				codec.Wrapper = wrapper
			}

			orch := &restore.Orchestrator{
				Plan:          plan,
				Agents:        buildAgents(cfg, cfg.Nodes, kind, logger),
				Standbys:      buildAgents(cfg, cfg.Standbys, kind, logger),
				Store:         store,
				Codec:         codec,
				Cred:          cfg.Encryption.Credential(),
				Confirm:       confirmFunc(confirm, cmd),
				Logger:        logger.With().Str("cluster", cfg.ClusterName).Logger(),
				HealthTimeout: cfg.HealthTimeout(),
				HealthPoll:    cfg.HealthPoll(),
				WorkDir:       cfg.WorkDir,
			}
			return orch.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&kindName, "kind", "data", "Artifact kind: data or ca-secrets")
	cmd.Flags().StringVar(&key, "key", "", "Explicit object key to restore (default: latest pointer)")
	cmd.Flags().StringVar(&localPath, "file", "", "Restore from a local file instead of object storage")
	cmd.Flags().StringVar(&confirm, "confirm", "", "Confirmation token (the cluster name); prompted interactively when empty")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip checksum verification (not recommended)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Minute, "Overall run timeout")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func buildAgents(cfg restore.Config, nodes []restore.Node, kind restore.Kind, logger zerolog.Logger) []restore.Agent {
	agents := make([]restore.Agent, 0, len(nodes))
	for _, node := range nodes {
		agents = append(agents, &restore.SSHAgent{
			Node:   node,
			Config: cfg,
			Kind:   kind,
			Logger: logger,
		})
	}
	return agents
}

// confirmFunc returns the --confirm value when given, otherwise prompts
// on the terminal. The orchestrator compares the token to the cluster
// name; anything else aborts cleanly.
func confirmFunc(flagValue string, cmd *cobra.Command) restore.ConfirmFunc {
	return func(ctx context.Context, plan restore.Plan) (string, error) {
		if flagValue != "" {
			return flagValue, nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(),
			"\nAbout to restore %s for cluster %q onto %d node(s).\nThis STOPS the cluster and REPLACES its state.\nType the cluster name to proceed: ",
			plan.Kind, plan.Cluster, len(plan.Nodes))

		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

func sourceName(plan restore.Plan) string {
	if plan.LocalPath != "" {
		return plan.LocalPath
	}
	return plan.Key
}
