package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/deadman"
	"etcdsafe/pkg/s3store"
)

// healthAPI is the cluster-health slice of the etcd surface.
type healthAPI interface {
	Healthy(ctx context.Context) bool
}

// producerAPI is what the coordinator needs from the snapshot producer.
type producerAPI interface {
	ProduceOnline(ctx context.Context, dest string) error
	ProduceOffline(ctx context.Context, dest string) error
	Validate(ctx context.Context, path string) (SnapshotStatus, error)
}

// RunOptions are the per-invocation flags layered over the config.
type RunOptions struct {
	DryRun      bool
	Independent bool
	OnlineOnly  bool
}

// Coordinator is the per-node backup entry point, invoked by an external
// scheduler. Runs are single-shot and idempotent; nodes coordinate only
// through the latest pointer's timestamp, with no locking. Concurrent
// runs on different nodes can race past the dedup check; the resulting
// duplicate artifact is accepted as harmless bounded waste.
type Coordinator struct {
	Config   Config
	Store    ObjectStore
	Pipeline *Pipeline
	Health   healthAPI
	Producer producerAPI
	Pinger   deadman.Pinger
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Run executes one backup cycle and reports its outcome. Liveness pings
// and local retention never affect the returned error.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	online := c.Health.Healthy(ctx)
	onlineOnly := opts.OnlineOnly || c.Config.OnlineOnly

	if !online {
		if onlineOnly {
			c.Logger.Error().Msg("cluster unhealthy and online-only mode set, aborting")
			c.ping(ctx, deadman.StatusClusterUnhealthy)
			return "", ErrClusterUnhealthy
		}
		c.Logger.Warn().Msg("cluster unhealthy: falling back to offline snapshot, artifact will be tagged -offline")
	}

	if c.Config.Mode == ModeDistributed && !opts.Independent {
		if skip, err := c.recentBackupExists(ctx, now()); err != nil {
			// Dedup is best-effort: a failed pointer read must not block
			// the backup itself.
			c.Logger.Warn().Err(err).Msg("recent-backup check failed, proceeding with backup")
		} else if skip {
			c.Logger.Info().Msg("recent backup exists (created by another node), skipping")
			c.ping(ctx, deadman.StatusBackupExists)
			return OutcomeSkippedRecent, nil
		}
	}

	if opts.DryRun {
		c.Logger.Info().Bool("online", online).Msg("dry-run: would produce, encrypt, and publish a snapshot")
		return OutcomeDryRun, nil
	}

	outcome, err := c.backup(ctx, online, now())
	if err != nil {
		c.ping(ctx, deadman.StatusFailure)
		return "", err
	}

	c.ping(ctx, deadman.StatusSuccess)
	CleanupLocal(c.Logger, c.Config.BackupDir, c.Config.RetentionDays, now())
	return outcome, nil
}

func (c *Coordinator) backup(ctx context.Context, online bool, startedAt time.Time) (Outcome, error) {
	location := ObjectLocation(c.Config.S3Prefix, c.Config.ClusterName, startedAt, !online, c.Config.Method())
	snapshotPath := filepath.Join(c.Config.BackupDir, startedAt.Format("2006"), startedAt.Format("01"), location.Name)

	if online {
		if err := c.Producer.ProduceOnline(ctx, snapshotPath); err != nil {
			return "", fmt.Errorf("produce snapshot: %w", err)
		}
	} else {
		if err := c.Producer.ProduceOffline(ctx, snapshotPath); err != nil {
			return "", fmt.Errorf("produce offline snapshot: %w", err)
		}
	}

	// Structural validation gates everything downstream: an invalid
	// snapshot is deleted, never encrypted or uploaded.
	if _, err := c.Producer.Validate(ctx, snapshotPath); err != nil {
		if removeErr := os.Remove(snapshotPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			c.Logger.Warn().Err(removeErr).Msg("failed to remove invalid snapshot")
		}
		return "", err
	}

	plaintext, err := os.ReadFile(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	published, err := c.Pipeline.Publish(ctx, PublishRequest{
		Plaintext: plaintext,
		Location:  location,
		Latest:    LatestLocation(c.Config.S3Prefix, c.Config.ClusterName, c.Config.Method()),
		Metadata: map[string]string{
			"cluster": c.Config.ClusterName,
			"node":    c.Config.NodeName,
			"online":  fmt.Sprintf("%t", online),
		},
	})
	if err != nil {
		return "", err
	}

	c.Logger.Info().
		Str("key", published.Key).
		Str("sidecar", published.SidecarKey).
		Str("checksum", published.PlainDigest).
		Int64("bytes", published.Size).
		Msg("backup published")
	return OutcomeCompleted, nil
}

// recentBackupExists reads the latest pointer's timestamp. Younger than
// the interval means another node already published this cycle.
func (c *Coordinator) recentBackupExists(ctx context.Context, now time.Time) (bool, error) {
	latest := LatestLocation(c.Config.S3Prefix, c.Config.ClusterName, c.Config.Method())
	info, err := c.Store.Head(ctx, latest.Key)
	if err != nil {
		if errors.Is(err, s3store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	age := now.Sub(info.LastModified)
	if age < c.Config.Interval() {
		c.Logger.Info().
			Str("key", latest.Key).
			Dur("age", age).
			Dur("interval", c.Config.Interval()).
			Msg("latest pointer is fresh")
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) ping(ctx context.Context, status string) {
	if !c.Pinger.Enabled() {
		return
	}
	if err := c.Pinger.Ping(ctx, status); err != nil {
		c.Logger.Warn().Err(err).Msg("liveness ping failed (non-fatal)")
	}
}
