// Package cabackup backs up certificate-authority secrets and
// configuration. Runs are change-driven: the source trees are hashed
// and an archive is only published when the hash differs from the one
// recorded by the previous run.
package cabackup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/deadman"
	"etcdsafe/pkg/envelope"
	"etcdsafe/services/backup"
)

const timestampLayout = "2006-01-02_15-04-05"

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeCompleted means an archive was published.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNoChanges means the source trees are unchanged since the
	// last published archive.
	OutcomeNoChanges Outcome = "no-changes"
	// OutcomeDryRun means the run stopped before producing anything.
	OutcomeDryRun Outcome = "dry-run"
)

// RunOptions are the per-invocation flags layered over the config.
type RunOptions struct {
	// Force publishes even when the change check reports no changes.
	Force  bool
	DryRun bool
}

// Coordinator runs one CA backup cycle. It shares the publish sequence
// with the snapshot backup: checksum, encrypt, upload, sidecar, verify,
// latest pointer last.
type Coordinator struct {
	Config   Config
	Store    backup.ObjectStore
	Pipeline *backup.Pipeline
	Pinger   deadman.Pinger
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Run executes one change-check-and-backup cycle.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	current, err := DirectoryChecksum(c.Config.SourceDirs)
	if err != nil {
		c.ping(ctx, deadman.StatusFailure)
		return "", fmt.Errorf("checksum source dirs: %w", err)
	}

	previous, err := c.readState()
	if err != nil {
		// Unreadable state means we cannot prove nothing changed, so we
		// publish.
		c.Logger.Warn().Err(err).Msg("state file unreadable, forcing a backup")
	}

	if !opts.Force && previous != "" && previous == current {
		c.Logger.Info().Str("checksum", current).Msg("CA sources unchanged since last backup")
		c.ping(ctx, deadman.StatusNoChanges)
		return OutcomeNoChanges, nil
	}

	if opts.DryRun {
		c.Logger.Info().
			Bool("changed", previous != current).
			Msg("dry-run: would archive, encrypt, and publish CA sources")
		return OutcomeDryRun, nil
	}

	if err := c.backup(ctx, current, now()); err != nil {
		c.ping(ctx, deadman.StatusFailure)
		return "", err
	}

	c.ping(ctx, deadman.StatusSuccess)
	backup.CleanupLocal(c.Logger, c.Config.BackupDir, c.Config.RetentionDays, now())
	return OutcomeCompleted, nil
}

func (c *Coordinator) backup(ctx context.Context, checksum string, startedAt time.Time) error {
	archive, err := BuildArchive(c.Config.SourceDirs)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	entries, err := VerifyArchive(archive)
	if err != nil {
		return fmt.Errorf("archive verification: %w", err)
	}
	c.Logger.Info().Int("entries", entries).Int("bytes", len(archive)).Msg("CA archive built")

	location := ArchiveLocation(c.Config.S3Prefix, c.Config.ClusterName, startedAt, c.Config.Method())

	if c.Config.BackupDir != "" {
		local := filepath.Join(c.Config.BackupDir, startedAt.Format("2006"), startedAt.Format("01"), location.Name)
		if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
			c.Logger.Warn().Err(err).Msg("local archive copy skipped")
		} else if err := os.WriteFile(local, archive, 0o600); err != nil {
			c.Logger.Warn().Err(err).Msg("local archive copy failed (non-fatal)")
		}
	}

	published, err := c.Pipeline.Publish(ctx, backup.PublishRequest{
		Plaintext: archive,
		Location:  location,
		Latest:    LatestArchiveLocation(c.Config.S3Prefix, c.Config.ClusterName, c.Config.Method()),
		Metadata: map[string]string{
			"cluster":     c.Config.ClusterName,
			"ca-checksum": checksum,
		},
	})
	if err != nil {
		return err
	}

	c.Logger.Info().
		Str("key", published.Key).
		Str("checksum", published.PlainDigest).
		Msg("CA backup published")

	if err := c.replicateForStandbys(ctx, archive); err != nil {
		// The primary artifact is durable; standby replication retries on
		// the next changed run.
		c.Logger.Warn().Err(err).Msg("standby replication failed (non-fatal)")
	}

	if err := c.writeState(checksum); err != nil {
		c.Logger.Warn().Err(err).Msg("state update failed, next run will re-publish")
	}
	return nil
}

// replicateForStandbys publishes an additional copy of the archive
// encrypted to the standby hosts' age recipients, so a standby can
// take over the CA role without access to the primary credential.
func (c *Coordinator) replicateForStandbys(ctx context.Context, archive []byte) error {
	if len(c.Config.StandbyRecipients) == 0 {
		return nil
	}

	recipients := make([]age.Recipient, 0, len(c.Config.StandbyRecipients))
	for _, key := range c.Config.StandbyRecipients {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return fmt.Errorf("parse standby recipient: %w", err)
		}
		recipients = append(recipients, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(archive); err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}

	key := standbyKey(c.Config.S3Prefix, c.Config.ClusterName)
	if err := c.Store.Put(ctx, key, buf.Bytes(), checksum.Sum(buf.Bytes()), map[string]string{"cluster": c.Config.ClusterName}); err != nil {
		return fmt.Errorf("upload standby copy: %w", err)
	}
	c.Logger.Info().Str("key", key).Int("recipients", len(recipients)).Msg("standby CA copy published")
	return nil
}

func (c *Coordinator) statePath() string {
	return filepath.Join(c.Config.StateDir, c.Config.ClusterName+"-ca-backup.state")
}

func (c *Coordinator) readState() (string, error) {
	data, err := os.ReadFile(c.statePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Coordinator) writeState(checksum string) error {
	if err := os.MkdirAll(c.Config.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(c.statePath(), []byte(checksum+"\n"), 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (c *Coordinator) ping(ctx context.Context, status string) {
	if !c.Pinger.Enabled() {
		return
	}
	if err := c.Pinger.Ping(ctx, status); err != nil {
		c.Logger.Warn().Err(err).Msg("liveness ping failed (non-fatal)")
	}
}

// ArchiveLocation builds the write-once key for a new CA archive:
//
//	{prefix}/{cluster}/{YYYY}/{MM}/{cluster}-{timestamp}-ca-backup.tar.gz{.ext}
func ArchiveLocation(prefix, cluster string, t time.Time, method envelope.Method) backup.Location {
	name := fmt.Sprintf("%s-%s-ca-backup.tar.gz", cluster, t.Format(timestampLayout))
	key := strings.Join([]string{prefix, cluster, t.Format("2006"), t.Format("01"), name + method.Ext()}, "/")
	return backup.Location{Key: key, SidecarKey: key + ".sha256", Name: name}
}

// LatestArchiveLocation is the mutable per-cluster latest pointer for CA
// archives.
func LatestArchiveLocation(prefix, cluster string, method envelope.Method) backup.Location {
	name := "latest-ca-backup.tar.gz"
	return backup.Location{
		Key:        strings.Join([]string{prefix, cluster, name + method.Ext()}, "/"),
		SidecarKey: strings.Join([]string{prefix, cluster, name + ".sha256"}, "/"),
		Name:       name,
	}
}

func standbyKey(prefix, cluster string) string {
	return strings.Join([]string{prefix, cluster, "standby", "latest-ca-backup.tar.gz.age"}, "/")
}
