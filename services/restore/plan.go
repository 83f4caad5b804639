package restore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"etcdsafe/pkg/envelope"
	"etcdsafe/services/backup"
	"etcdsafe/services/cabackup"
)

// Kind selects what a restore applies: cluster data or CA secrets.
type Kind string

const (
	KindData      Kind = "data"
	KindCASecrets Kind = "ca-secrets"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.TrimSpace(s)) {
	case KindData, Kind(""):
		return KindData, nil
	case KindCASecrets:
		return KindCASecrets, nil
	default:
		return "", fmt.Errorf("unknown restore kind %q", s)
	}
}

// SourceOptions name the artifact to restore. Exactly one of Key,
// LocalPath, or Latest applies; Latest is the default.
type SourceOptions struct {
	Key       string
	LocalPath string
	Latest    bool
}

// Plan is the resolved restore input, built once and shared read-only by
// every node during validation.
type Plan struct {
	// RunID tags staging paths and pre-restore directory names so
	// concurrent or repeated restores never collide.
	RunID   string
	Kind    Kind
	Cluster string
	// Key is the object key to download, empty when LocalPath is set.
	Key string
	// SidecarKey locates the plaintext checksum for Key.
	SidecarKey string
	// LocalPath restores from a file on the control host instead of
	// object storage.
	LocalPath string
	Method    envelope.Method
	// NoVerify skips checksum verification. Explicit opt-in, logged
	// loudly during validation.
	NoVerify  bool
	Nodes     []Node
	CreatedAt time.Time
}

// BuildPlan resolves the restore source. An explicit key or local path
// wins; otherwise the cluster's latest pointer is used.
func BuildPlan(ctx context.Context, cfg Config, kind Kind, src SourceOptions, noVerify bool, store backup.ObjectStore) (Plan, error) {
	// Data restores drive etcdctl on every node; catch a missing
	// endpoint list here instead of after the validation fan-out.
	if kind == KindData && len(cfg.Etcd.Endpoints) == 0 {
		return Plan{}, errors.New("etcd.endpoints is required for a data restore")
	}

	plan := Plan{
		RunID:     uuid.NewString(),
		Kind:      kind,
		Cluster:   cfg.ClusterName,
		Nodes:     cfg.Nodes,
		NoVerify:  noVerify,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case src.LocalPath != "":
		plan.LocalPath = src.LocalPath
		plan.Method = envelope.DetectMethod(src.LocalPath)
		return plan, nil

	case src.Key != "":
		plan.Key = src.Key
		plan.Method = envelope.DetectMethod(src.Key)

	default:
		var latest backup.Location
		if kind == KindCASecrets {
			latest = cabackup.LatestArchiveLocation(cfg.CAS3Prefix, cfg.ClusterName, cfg.Method())
		} else {
			latest = backup.LatestLocation(cfg.S3Prefix, cfg.ClusterName, cfg.Method())
		}
		plan.Key = latest.Key
		plan.SidecarKey = latest.SidecarKey
		plan.Method = cfg.Method()
	}

	if plan.SidecarKey == "" {
		plan.SidecarKey = strings.TrimSuffix(plan.Key, plan.Method.Ext()) + ".sha256"
	}

	// Fail in Planning, not halfway through validation fan-out.
	if store == nil {
		return Plan{}, errors.New("object store is required")
	}
	info, err := store.Head(ctx, plan.Key)
	if err != nil {
		return Plan{}, fmt.Errorf("resolve artifact %s: %w", plan.Key, err)
	}
	if info.Size == 0 {
		return Plan{}, fmt.Errorf("artifact %s is empty", plan.Key)
	}
	return plan, nil
}

// ArtifactName is the artifact's base file name, used for staging paths.
func (p Plan) ArtifactName() string {
	if p.LocalPath != "" {
		return path.Base(p.LocalPath)
	}
	return path.Base(p.Key)
}
