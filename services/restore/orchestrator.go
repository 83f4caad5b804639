// Package restore orchestrates cluster-wide restores of data snapshots
// and CA secret archives. The restore is a two-phase state machine:
// phase 1 validates the artifact on every node in parallel without
// touching any service; phase 2 is the synchronized destructive window,
// entered only after unanimous validation and operator confirmation.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/envelope"
	"etcdsafe/services/backup"
)

// RestoreResult is one node's phase-1 outcome. The orchestrator collects
// every node's result before deciding whether phase 2 may begin.
type RestoreResult struct {
	Node       string
	StagedPath string
	ChecksumOK bool
	Err        error
}

// ConfirmFunc asks the operator for the confirmation token. Destructive
// work begins only when the returned token equals the cluster name.
type ConfirmFunc func(ctx context.Context, plan Plan) (string, error)

// Orchestrator drives one restore run across all target nodes.
type Orchestrator struct {
	Plan   Plan
	Agents []Agent
	// Standbys receive a replicated copy after a successful ca-secrets
	// restore and remain stopped.
	Standbys []Agent
	Store    backup.ObjectStore
	Codec    *envelope.Codec
	Cred     envelope.Credential
	Confirm  ConfirmFunc
	Logger   zerolog.Logger

	HealthTimeout time.Duration
	HealthPoll    time.Duration

	// WorkDir is the staging directory on each node.
	WorkDir string

	mu    sync.Mutex
	state State
}

// State returns the machine's current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	o.Logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("restore state transition")
}

// abort moves to Aborted and tags err with the state it occurred in.
// Only legal before the destructive window; once services are being
// stopped the machine must run forward, never sideways to Aborted.
func (o *Orchestrator) abort(in State, err error) error {
	if !in.destructive() {
		o.transition(StateAborted)
	}
	return phaseErr(in, err)
}

// Run executes the restore to completion. Errors before StoppingAll mean
// zero side effects; errors after wrap ErrPostStop and require manual
// recovery.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.Agents) == 0 {
		return errors.New("no target nodes")
	}
	if o.HealthPoll <= 0 {
		o.HealthPoll = 5 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Minute
	}
	if o.WorkDir == "" {
		o.WorkDir = "/var/tmp/etcd-restore"
	}

	o.transition(StatePlanning)
	preRevision, haveRevision := o.preRestoreRevision(ctx)

	o.transition(StateValidatingAll)
	results := o.validateAll(ctx)
	if failed := failedResults(results); len(failed) > 0 {
		for _, r := range failed {
			o.Logger.Error().Str("node", r.Node).Err(r.Err).Msg("phase 1 validation failed")
		}
		return o.abort(StateValidatingAll, fmt.Errorf("%w: %s", ErrValidationFailed, describeFailures(failed)))
	}
	o.Logger.Info().Int("nodes", len(results)).Msg("all nodes validated, no service touched yet")

	o.transition(StateAwaitingConfirmation)
	if o.Confirm == nil {
		return o.abort(StateAwaitingConfirmation, fmt.Errorf("%w: no confirmation source", ErrConfirmationDeclined))
	}
	token, err := o.Confirm(ctx, o.Plan)
	if err != nil {
		return o.abort(StateAwaitingConfirmation, fmt.Errorf("%w: %v", ErrConfirmationDeclined, err))
	}
	if strings.TrimSpace(token) != o.Plan.Cluster {
		return o.abort(StateAwaitingConfirmation, fmt.Errorf("%w: token does not match cluster name", ErrConfirmationDeclined))
	}

	// Point of no return. From here every failure is surfaced with
	// maximum detail and no automatic rollback.
	o.transition(StateStoppingAll)
	if err := o.forEachAgent(ctx, o.Agents, "stop", func(ctx context.Context, a Agent) error {
		return a.StopService(ctx)
	}); err != nil {
		return phaseErr(StateStoppingAll, fmt.Errorf("%w: %v", ErrPostStop, err))
	}

	o.transition(StateApplyingAll)
	staged := stagedByNode(results)
	if err := o.forEachAgent(ctx, o.Agents, "apply", func(ctx context.Context, a Agent) error {
		return a.Apply(ctx, o.Plan, staged[a.Name()])
	}); err != nil {
		return phaseErr(StateApplyingAll, fmt.Errorf("%w: %v", ErrPostStop, err))
	}

	// All nodes start together: a full-state restore is a fresh cluster
	// view, not a rolling change.
	o.transition(StateStartingAll)
	if err := o.forEachAgent(ctx, o.Agents, "start", func(ctx context.Context, a Agent) error {
		return a.StartService(ctx)
	}); err != nil {
		return phaseErr(StateStartingAll, fmt.Errorf("%w: %v", ErrPostStop, err))
	}

	o.transition(StateVerifyingHealth)
	if err := o.verifyHealth(ctx, preRevision, haveRevision); err != nil {
		return phaseErr(StateVerifyingHealth, err)
	}

	if o.Plan.Kind == KindCASecrets && len(o.Standbys) > 0 {
		if err := o.replicateToStandbys(ctx); err != nil {
			// The primary restore is complete and healthy; standby
			// replication failing is still an error, but a scoped one.
			return phaseErr(StateVerifyingHealth, fmt.Errorf("primary restore succeeded, standby replication failed: %w", err))
		}
	}

	o.transition(StateDone)
	o.Logger.Info().Str("run_id", o.Plan.RunID).Msg("restore complete")
	return nil
}

// preRestoreRevision captures the revision marker before anything is
// touched so VerifyingHealth can prove the restore took effect.
func (o *Orchestrator) preRestoreRevision(ctx context.Context) (int64, bool) {
	if o.Plan.Kind != KindData {
		return 0, false
	}
	for _, a := range o.Agents {
		rev, err := a.Revision(ctx)
		if err == nil {
			o.Logger.Info().Int64("revision", rev).Msg("captured pre-restore revision")
			return rev, true
		}
		o.Logger.Warn().Str("node", a.Name()).Err(err).Msg("pre-restore revision unavailable via node")
	}
	o.Logger.Warn().Msg("pre-restore revision unavailable, revision-advance check will be skipped")
	return 0, false
}

// validateAll is the phase-1 fan-out: every node independently fetches,
// decrypts, verifies, stages, and structurally validates the artifact.
// All results are collected before any is acted on.
func (o *Orchestrator) validateAll(ctx context.Context) []RestoreResult {
	results := make([]RestoreResult, len(o.Agents))
	var wg sync.WaitGroup
	for i, agent := range o.Agents {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			results[i] = o.validateNode(ctx, agent)
		}(i, agent)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) validateNode(ctx context.Context, agent Agent) RestoreResult {
	result := RestoreResult{Node: agent.Name()}

	ciphertext, err := o.fetch(ctx)
	if err != nil {
		result.Err = err
		return result
	}

	plaintext, err := o.Codec.Decrypt(ctx, ciphertext, o.Plan.Method, o.Cred)
	if err != nil {
		result.Err = err
		return result
	}
	if len(plaintext) == 0 {
		result.Err = fmt.Errorf("%w: empty artifact", envelope.ErrDecryption)
		return result
	}

	if o.Plan.NoVerify {
		o.Logger.Warn().Str("node", agent.Name()).Msg("checksum verification SKIPPED by request (--no-verify)")
	} else {
		expected, err := o.expectedDigest(ctx)
		if err != nil {
			result.Err = err
			return result
		}
		if err := checksum.Verify(plaintext, expected); err != nil {
			result.Err = err
			return result
		}
		result.ChecksumOK = true
	}

	stagedPath := path.Join(o.WorkDir, o.Plan.RunID, o.Plan.ArtifactName())
	stagedPath = strings.TrimSuffix(stagedPath, o.Plan.Method.Ext())
	if err := agent.Stage(ctx, stagedPath, plaintext); err != nil {
		result.Err = fmt.Errorf("stage: %w", err)
		return result
	}
	if err := agent.ValidateStaged(ctx, o.Plan.Kind, stagedPath); err != nil {
		result.Err = fmt.Errorf("structural validation: %w", err)
		return result
	}

	result.StagedPath = stagedPath
	return result
}

// fetch downloads the artifact, or reads it from the control host when
// the plan names a local path.
func (o *Orchestrator) fetch(ctx context.Context) ([]byte, error) {
	if o.Plan.LocalPath != "" {
		data, err := os.ReadFile(o.Plan.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("read local artifact: %w", err)
		}
		return data, nil
	}
	return o.Store.Get(ctx, o.Plan.Key)
}

func (o *Orchestrator) expectedDigest(ctx context.Context) (string, error) {
	if o.Plan.LocalPath != "" {
		sidecarPath := strings.TrimSuffix(o.Plan.LocalPath, o.Plan.Method.Ext()) + ".sha256"
		data, err := os.ReadFile(sidecarPath)
		if err != nil {
			return "", fmt.Errorf("read sidecar: %w", err)
		}
		return checksum.ParseSidecar(data)
	}

	data, err := o.Store.Get(ctx, o.Plan.SidecarKey)
	if err != nil {
		return "", fmt.Errorf("fetch sidecar %s: %w", o.Plan.SidecarKey, err)
	}
	return checksum.ParseSidecar(data)
}

// forEachAgent fans out op to every agent and joins on all results,
// collecting every failure rather than stopping at the first.
func (o *Orchestrator) forEachAgent(ctx context.Context, agents []Agent, op string, fn func(context.Context, Agent) error) error {
	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			if err := fn(ctx, agent); err != nil {
				errs[i] = fmt.Errorf("%s on %s: %w", op, agent.Name(), err)
				o.Logger.Error().Str("node", agent.Name()).Err(err).Msgf("%s failed", op)
			}
		}(i, agent)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// verifyHealth polls every node until healthy, then checks the
// kind-specific evidence that the restore took effect.
func (o *Orchestrator) verifyHealth(ctx context.Context, preRevision int64, haveRevision bool) error {
	deadline := time.Now().Add(o.HealthTimeout)
	for {
		healthy := 0
		for _, a := range o.Agents {
			if a.Healthy(ctx) {
				healthy++
			}
		}
		o.Logger.Info().Int("healthy", healthy).Int("total", len(o.Agents)).Msg("health poll")
		if healthy == len(o.Agents) {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d/%d nodes healthy after %s", ErrHealthCheck, healthy, len(o.Agents), o.HealthTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrHealthCheck, ctx.Err())
		case <-time.After(o.HealthPoll):
		}
	}

	switch o.Plan.Kind {
	case KindData:
		if !haveRevision {
			return nil
		}
		rev, err := o.Agents[0].Revision(ctx)
		if err != nil {
			return fmt.Errorf("%w: read post-restore revision: %v", ErrHealthCheck, err)
		}
		if rev <= preRevision {
			return fmt.Errorf("%w: revision did not advance (pre %d, post %d)", ErrHealthCheck, preRevision, rev)
		}
		o.Logger.Info().Int64("pre", preRevision).Int64("post", rev).Msg("revision advanced, restore took effect")

	case KindCASecrets:
		if err := o.verifyFingerprints(ctx, o.Agents); err != nil {
			return err
		}
	}
	return nil
}

// verifyFingerprints confirms every authority serves identical restored
// material.
func (o *Orchestrator) verifyFingerprints(ctx context.Context, agents []Agent) error {
	var reference string
	for _, a := range agents {
		fp, err := a.Fingerprint(ctx)
		if err != nil {
			return fmt.Errorf("%w: fingerprint on %s: %v", ErrHealthCheck, a.Name(), err)
		}
		if reference == "" {
			reference = fp
			continue
		}
		if fp != reference {
			return fmt.Errorf("%w: fingerprint mismatch on %s", ErrHealthCheck, a.Name())
		}
	}
	o.Logger.Info().Str("fingerprint", reference).Msg("CA fingerprints match")
	return nil
}

// replicateToStandbys applies the validated artifact to standby
// authorities. Standbys are stopped first and stay stopped afterwards
// (hot standby, cold service) until an operator promotes one.
func (o *Orchestrator) replicateToStandbys(ctx context.Context) error {
	o.Logger.Info().Int("standbys", len(o.Standbys)).Msg("replicating CA material to standbys")

	results := make([]RestoreResult, len(o.Standbys))
	var wg sync.WaitGroup
	for i, agent := range o.Standbys {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			results[i] = o.validateNode(ctx, agent)
		}(i, agent)
	}
	wg.Wait()
	if failed := failedResults(results); len(failed) > 0 {
		return fmt.Errorf("standby validation: %s", describeFailures(failed))
	}

	staged := stagedByNode(results)
	if err := o.forEachAgent(ctx, o.Standbys, "stop standby", func(ctx context.Context, a Agent) error {
		return a.StopService(ctx)
	}); err != nil {
		return err
	}
	if err := o.forEachAgent(ctx, o.Standbys, "apply standby", func(ctx context.Context, a Agent) error {
		return a.Apply(ctx, o.Plan, staged[a.Name()])
	}); err != nil {
		return err
	}

	// Fingerprints must match the primaries before the standbys are
	// considered in sync. Services stay stopped.
	all := append(append([]Agent(nil), o.Agents...), o.Standbys...)
	return o.verifyFingerprints(ctx, all)
}

func failedResults(results []RestoreResult) []RestoreResult {
	var failed []RestoreResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

func stagedByNode(results []RestoreResult) map[string]string {
	staged := make(map[string]string, len(results))
	for _, r := range results {
		staged[r.Node] = r.StagedPath
	}
	return staged
}

func describeFailures(failed []RestoreResult) string {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", r.Node, r.Err))
	}
	return strings.Join(parts, "; ")
}
