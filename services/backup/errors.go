package backup

import "errors"

// Failure taxonomy for a backup run. Encryption, decryption, and
// checksum failures come from pkg/envelope and pkg/checksum.
var (
	// ErrClusterUnhealthy aborts an online-only run before any artifact
	// is produced.
	ErrClusterUnhealthy = errors.New("etcd cluster unhealthy")
	// ErrSnapshotInvalid marks a snapshot that failed structural
	// validation. Such a snapshot is never encrypted or uploaded.
	ErrSnapshotInvalid = errors.New("snapshot structurally invalid")
	// ErrUpload marks a failed object upload. The run fails and the next
	// scheduled invocation retries from scratch; uploads themselves are
	// never retried to avoid duplicate artifacts.
	ErrUpload = errors.New("upload failed")
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeCompleted means an artifact was published.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkippedRecent means another node published within the
	// interval; informational, not a failure.
	OutcomeSkippedRecent Outcome = "skipped-recent-backup"
	// OutcomeDryRun means the run stopped before producing anything.
	OutcomeDryRun Outcome = "dry-run"
)
