package restore

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/execx"
	"etcdsafe/services/backup"
)

// Agent performs node-local restore steps on one target. The SSH
// implementation drives a remote host; tests substitute fakes.
type Agent interface {
	Name() string
	// Stage writes the decrypted artifact to the node's staging path.
	Stage(ctx context.Context, stagedPath string, data []byte) error
	// ValidateStaged runs the kind-appropriate structural check against
	// the staged artifact on the node.
	ValidateStaged(ctx context.Context, kind Kind, stagedPath string) error
	StopService(ctx context.Context) error
	// Apply replaces the node's live state with the staged artifact.
	Apply(ctx context.Context, plan Plan, stagedPath string) error
	StartService(ctx context.Context) error
	Healthy(ctx context.Context) bool
	// Revision reads the cluster's monotonic revision marker via this
	// node. Only meaningful for data restores.
	Revision(ctx context.Context) (int64, error)
	// Fingerprint hashes the node's CA certificate. Only meaningful for
	// ca-secrets restores.
	Fingerprint(ctx context.Context) (string, error)
}

// SSHAgent executes restore steps on a remote node over ssh/scp.
type SSHAgent struct {
	Node   Node
	Config Config
	Kind   Kind
	Logger zerolog.Logger
	// Local runs ssh and scp on the control host.
	Local execx.Runner
}

func (a *SSHAgent) Name() string { return a.Node.Name }

func (a *SSHAgent) local() execx.Runner {
	if a.Local != nil {
		return a.Local
	}
	return execx.Local{}
}

func (a *SSHAgent) remote() execx.Runner {
	return execx.SSH{
		Host:    a.Node.Host,
		User:    a.Node.User,
		KeyPath: a.Node.SSHKey,
		Inner:   a.local(),
	}
}

func (a *SSHAgent) serviceName() string {
	if a.Kind == KindCASecrets {
		return a.Config.CAServiceName
	}
	return a.Config.ServiceName
}

// run executes a remote command and folds a non-zero exit into the error.
func (a *SSHAgent) run(ctx context.Context, timeout time.Duration, bin string, args ...string) (execx.Result, error) {
	res, err := a.remote().Run(ctx, execx.Command{Path: bin, Args: args, Timeout: timeout})
	if err != nil {
		return res, err
	}
	if !res.Ok() {
		return res, fmt.Errorf("%s exited %d on %s: %s", bin, res.ExitCode, a.Node.Name, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// Stage copies data to the node over scp. The artifact is written to a
// control-host temp file first because scp has no stdin mode.
func (a *SSHAgent) Stage(ctx context.Context, stagedPath string, data []byte) error {
	tmp, err := os.CreateTemp("", "restore-stage-*")
	if err != nil {
		return fmt.Errorf("staging temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if _, err := a.run(ctx, time.Minute, "mkdir", "-p", path.Dir(stagedPath)); err != nil {
		return err
	}

	target := a.Node.Host + ":" + stagedPath
	if a.Node.User != "" {
		target = a.Node.User + "@" + target
	}
	scpArgs := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if a.Node.SSHKey != "" {
		scpArgs = append(scpArgs, "-i", a.Node.SSHKey)
	}
	scpArgs = append(scpArgs, tmp.Name(), target)

	res, err := a.local().Run(ctx, execx.Command{Path: "scp", Args: scpArgs, Timeout: 10 * time.Minute})
	if err != nil {
		return fmt.Errorf("scp to %s: %w", a.Node.Name, err)
	}
	if !res.Ok() {
		return fmt.Errorf("scp to %s exited %d: %s", a.Node.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if _, err := a.run(ctx, time.Minute, "chmod", "600", stagedPath); err != nil {
		return err
	}
	a.Logger.Info().Str("node", a.Node.Name).Str("path", stagedPath).Int("bytes", len(data)).Msg("artifact staged")
	return nil
}

// ValidateStaged checks the staged artifact with the tool native to its
// kind: etcdutl for snapshots, tar for CA archives.
func (a *SSHAgent) ValidateStaged(ctx context.Context, kind Kind, stagedPath string) error {
	if kind == KindCASecrets {
		_, err := a.run(ctx, time.Minute, "tar", "-tzf", stagedPath)
		return err
	}

	cli := &backup.EtcdCLI{Config: a.Config.Etcd, Runner: a.remote()}
	if _, err := cli.SnapshotStatus(ctx, stagedPath); err != nil {
		return err
	}
	return nil
}

func (a *SSHAgent) StopService(ctx context.Context) error {
	_, err := a.run(ctx, 2*time.Minute, "sudo", "systemctl", "stop", a.serviceName())
	return err
}

func (a *SSHAgent) StartService(ctx context.Context) error {
	_, err := a.run(ctx, 2*time.Minute, "sudo", "systemctl", "start", a.serviceName())
	return err
}

// Apply replaces the node's live state with the staged artifact. The old
// state is moved aside under a run-tagged name, never deleted.
func (a *SSHAgent) Apply(ctx context.Context, plan Plan, stagedPath string) error {
	a.Logger.Info().Str("node", a.Node.Name).Str("staged", stagedPath).Str("kind", string(plan.Kind)).Msg("applying restored state")
	if plan.Kind == KindCASecrets {
		return a.applyCA(ctx, plan, stagedPath)
	}
	return a.applyData(ctx, plan, stagedPath)
}

func (a *SSHAgent) applyData(ctx context.Context, plan Plan, stagedPath string) error {
	dataDir := a.Node.DataDir
	if dataDir == "" {
		return fmt.Errorf("node %s has no data_dir configured", a.Node.Name)
	}

	aside := fmt.Sprintf("%s.pre-restore-%s", dataDir, plan.RunID)
	if _, err := a.run(ctx, time.Minute, "sudo", "sh", "-c",
		fmt.Sprintf("[ ! -e %s ] || mv %s %s", dataDir, dataDir, aside)); err != nil {
		return err
	}

	// Rebuild the member from the snapshot with membership marked as
	// already established, so a full-cluster start does not re-bootstrap.
	args := []string{
		etcdBin(a.Config.Etcd, "etcdutl"), "snapshot", "restore", stagedPath,
		"--data-dir", dataDir,
		"--name", a.Node.Name,
		"--initial-cluster", initialCluster(plan.Nodes),
		"--initial-advertise-peer-urls", a.Node.PeerURL,
	}
	if _, err := a.run(ctx, 10*time.Minute, "sudo", args...); err != nil {
		return err
	}

	_, err := a.run(ctx, time.Minute, "sudo", "chown", "-R", a.Config.ServiceOwner, dataDir)
	return err
}

func (a *SSHAgent) applyCA(ctx context.Context, plan Plan, stagedPath string) error {
	caDir := a.Config.CADir
	if caDir == "" {
		return fmt.Errorf("ca_dir is not configured")
	}

	aside := fmt.Sprintf("%s.pre-restore-%s", caDir, plan.RunID)
	if _, err := a.run(ctx, time.Minute, "sudo", "sh", "-c",
		fmt.Sprintf("[ ! -e %s ] || mv %s %s", caDir, caDir, aside)); err != nil {
		return err
	}
	if _, err := a.run(ctx, time.Minute, "sudo", "mkdir", "-p", caDir); err != nil {
		return err
	}
	if _, err := a.run(ctx, 5*time.Minute, "sudo", "tar", "-xzf", stagedPath, "-C", caDir); err != nil {
		return err
	}
	// Secret material is owner-read-only.
	if _, err := a.run(ctx, time.Minute, "sudo", "chmod", "-R", "u=rX,go=", caDir); err != nil {
		return err
	}
	return nil
}

func (a *SSHAgent) Healthy(ctx context.Context) bool {
	if a.Kind == KindCASecrets {
		res, err := a.remote().Run(ctx, execx.Command{
			Path:    "systemctl",
			Args:    []string{"is-active", "--quiet", a.serviceName()},
			Timeout: time.Minute,
		})
		return err == nil && res.Ok()
	}

	cli := &backup.EtcdCLI{Config: a.Config.Etcd, Runner: a.remote()}
	return cli.Healthy(ctx)
}

func (a *SSHAgent) Revision(ctx context.Context) (int64, error) {
	cli := &backup.EtcdCLI{Config: a.Config.Etcd, Runner: a.remote()}
	return cli.Revision(ctx)
}

// Fingerprint hashes the node's CA certificate so copies of the restored
// material can be compared across authorities.
func (a *SSHAgent) Fingerprint(ctx context.Context) (string, error) {
	if a.Config.CACertPath == "" {
		return "", fmt.Errorf("ca_cert_path is not configured")
	}
	res, err := a.run(ctx, time.Minute, "sudo", "openssl", "x509",
		"-noout", "-fingerprint", "-sha256", "-in", a.Config.CACertPath)
	if err != nil {
		return "", err
	}
	// openssl prints "sha256 Fingerprint=AA:BB:..."
	out := strings.TrimSpace(res.Stdout)
	if i := strings.LastIndex(out, "="); i >= 0 {
		out = out[i+1:]
	}
	if out == "" {
		return "", fmt.Errorf("empty fingerprint from %s", a.Node.Name)
	}
	return out, nil
}

func etcdBin(cfg backup.EtcdConfig, name string) string {
	if cfg.BinDir == "" {
		return name
	}
	return path.Join(cfg.BinDir, name)
}

// initialCluster renders the etcd initial-cluster membership list.
func initialCluster(nodes []Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.PeerURL == "" {
			continue
		}
		parts = append(parts, n.Name+"="+n.PeerURL)
	}
	return strings.Join(parts, ",")
}
