package restore

import (
	"errors"
	"fmt"
)

// State names the restore state machine's phases. Every fatal error is
// tagged with the state it occurred in so operators can find the right
// runbook section.
type State string

const (
	StatePlanning             State = "Planning"
	StateValidatingAll        State = "ValidatingAll"
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateStoppingAll          State = "StoppingAll"
	StateApplyingAll          State = "ApplyingAll"
	StateStartingAll          State = "StartingAll"
	StateVerifyingHealth      State = "VerifyingHealth"
	StateDone                 State = "Done"
	StateAborted              State = "Aborted"
)

// destructive reports whether entering s touches running services.
// Everything before StoppingAll can be aborted with zero side effects.
func (s State) destructive() bool {
	switch s {
	case StateStoppingAll, StateApplyingAll, StateStartingAll:
		return true
	}
	return false
}

var (
	// ErrConfirmationDeclined is a clean abort: the operator token was
	// missing or did not match.
	ErrConfirmationDeclined = errors.New("confirmation declined")
	// ErrValidationFailed means one or more nodes failed phase 1; no
	// service was touched.
	ErrValidationFailed = errors.New("validation failed on one or more nodes")
	// ErrPostStop marks a failure after services were stopped. Automatic
	// rollback is not attempted; manual recovery is required.
	ErrPostStop = errors.New("failure after services were stopped, manual recovery required")
	// ErrHealthCheck means the cluster did not reach health within the
	// configured window after a restore.
	ErrHealthCheck = errors.New("post-restore health verification failed")
)

// PhaseError wraps a failure with the state machine phase it occurred in.
type PhaseError struct {
	State State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.State, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(state State, err error) error {
	return &PhaseError{State: state, Err: err}
}
