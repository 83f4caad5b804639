package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"etcdsafe/pkg/execx"
)

// SnapshotStatus is the structural summary etcdutl reports for a
// snapshot file.
type SnapshotStatus struct {
	Hash      uint32 `json:"hash"`
	Revision  int64  `json:"revision"`
	TotalKey  int64  `json:"totalKey"`
	TotalSize int64  `json:"totalSize"`
}

// EtcdCLI drives etcdctl/etcdutl through the typed command runner.
type EtcdCLI struct {
	Config EtcdConfig
	Runner execx.Runner
}

func (e *EtcdCLI) runner() execx.Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return execx.Local{}
}

func (e *EtcdCLI) bin(name string) string {
	if e.Config.BinDir == "" {
		return name
	}
	return filepath.Join(e.Config.BinDir, name)
}

func (e *EtcdCLI) connArgs(commandTimeout time.Duration) ([]string, error) {
	if len(e.Config.Endpoints) == 0 {
		return nil, errors.New("etcd.endpoints is empty")
	}
	args := []string{
		"--endpoints", e.Config.Endpoints[0],
		fmt.Sprintf("--command-timeout=%ds", int(commandTimeout.Seconds())),
	}
	if e.Config.Cert != "" {
		args = append(args, "--cert", e.Config.Cert)
	}
	if e.Config.CACert != "" {
		args = append(args, "--cacert", e.Config.CACert)
	}
	if e.Config.Key != "" {
		args = append(args, "--key", e.Config.Key)
	}
	return args, nil
}

// Healthy reports whether the first endpoint answers a health probe.
// Missing endpoint configuration reads as unhealthy.
func (e *EtcdCLI) Healthy(ctx context.Context) bool {
	conn, err := e.connArgs(time.Minute)
	if err != nil {
		return false
	}
	args := append(conn, "endpoint", "health")
	res, err := e.runner().Run(ctx, execx.Command{
		Path:    e.bin("etcdctl"),
		Args:    args,
		Timeout: 90 * time.Second,
	})
	return err == nil && res.Ok()
}

// SnapshotSave produces a consistent snapshot through the etcd API.
// Requires quorum.
func (e *EtcdCLI) SnapshotSave(ctx context.Context, dest string) error {
	conn, err := e.connArgs(10 * time.Minute)
	if err != nil {
		return err
	}
	args := append(conn, "snapshot", "save", dest)
	res, err := e.runner().Run(ctx, execx.Command{
		Path:    e.bin("etcdctl"),
		Args:    args,
		Timeout: 12 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("etcdctl snapshot save: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("etcdctl snapshot save exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// SnapshotStatus runs the tool-native structural validation of a
// snapshot file and returns its parsed summary.
func (e *EtcdCLI) SnapshotStatus(ctx context.Context, path string) (SnapshotStatus, error) {
	res, err := e.runner().Run(ctx, execx.Command{
		Path:    e.bin("etcdutl"),
		Args:    []string{"snapshot", "status", path, "--write-out", "json"},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("etcdutl snapshot status: %w", err)
	}
	if !res.Ok() {
		return SnapshotStatus{}, fmt.Errorf("%w: etcdutl exited %d: %s", ErrSnapshotInvalid, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var status SnapshotStatus
	if err := json.Unmarshal([]byte(res.Stdout), &status); err != nil {
		return SnapshotStatus{}, fmt.Errorf("%w: parse status output: %v", ErrSnapshotInvalid, err)
	}
	if status.TotalSize == 0 {
		return SnapshotStatus{}, fmt.Errorf("%w: zero-size snapshot", ErrSnapshotInvalid)
	}
	return status, nil
}

// endpointStatus mirrors etcdctl endpoint status --write-out json.
type endpointStatus struct {
	Status struct {
		Header struct {
			Revision int64 `json:"revision"`
		} `json:"header"`
	} `json:"Status"`
}

// Revision returns the cluster's current monotonic revision marker,
// used to confirm a restore actually took effect.
func (e *EtcdCLI) Revision(ctx context.Context) (int64, error) {
	conn, err := e.connArgs(time.Minute)
	if err != nil {
		return 0, err
	}
	args := append(conn, "endpoint", "status", "--write-out", "json")
	res, err := e.runner().Run(ctx, execx.Command{
		Path:    e.bin("etcdctl"),
		Args:    args,
		Timeout: 90 * time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("etcdctl endpoint status: %w", err)
	}
	if !res.Ok() {
		return 0, fmt.Errorf("etcdctl endpoint status exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var statuses []endpointStatus
	if err := json.Unmarshal([]byte(res.Stdout), &statuses); err != nil {
		return 0, fmt.Errorf("parse endpoint status: %w", err)
	}
	if len(statuses) == 0 {
		return 0, errors.New("endpoint status returned no members")
	}
	return statuses[0].Status.Header.Revision, nil
}
