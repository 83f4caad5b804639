package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// snapshotAPI is the etcd surface the producer needs; *EtcdCLI satisfies
// it, tests substitute fakes.
type snapshotAPI interface {
	SnapshotSave(ctx context.Context, dest string) error
	SnapshotStatus(ctx context.Context, path string) (SnapshotStatus, error)
}

// Producer creates point-in-time snapshot files, either through the
// cluster API (online) or from the on-disk state (offline fallback).
type Producer struct {
	Etcd           snapshotAPI
	DataDirPattern string
	Logger         zerolog.Logger
}

// ProduceOnline asks the cluster for a consistent snapshot. Requires
// quorum; the caller decides online vs offline based on health.
func (p *Producer) ProduceOnline(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := p.Etcd.SnapshotSave(ctx, dest); err != nil {
		return err
	}
	return nil
}

// ProduceOffline copies member/snap/db from the first data directory
// matching the glob, in lexical order. The copy may be internally
// inconsistent if the cluster lost quorum; the caller must tag the
// artifact as offline.
func (p *Producer) ProduceOffline(ctx context.Context, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pattern := p.DataDirPattern
	if pattern == "" {
		pattern = "/var/lib/etcd/etcd-*"
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no etcd data directory matches %q", pattern)
	}

	source := filepath.Join(matches[0], "member", "snap", "db")
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("offline snapshot source: %w", err)
	}

	p.Logger.Warn().Str("source", source).Msg("offline backup: copying snapshot from disk, may be inconsistent without quorum")

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return copyFile(source, dest)
}

// Validate runs the tool-native structural check. A snapshot failing
// here must never reach encryption or upload.
func (p *Producer) Validate(ctx context.Context, path string) (SnapshotStatus, error) {
	status, err := p.Etcd.SnapshotStatus(ctx, path)
	if err != nil {
		return SnapshotStatus{}, err
	}
	p.Logger.Info().
		Int64("revision", status.Revision).
		Int64("total_keys", status.TotalKey).
		Int64("total_size", status.TotalSize).
		Msg("snapshot structural validation passed")
	return status, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
