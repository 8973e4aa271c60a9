package maestro

import (
	"context"
	"errors"
	"fmt"

	"github.com/maestro-ai/maestro/retry"
)

// ValidationError indicates a malformed workflow definition. Definitions
// that fail validation are rejected before any execution starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid workflow: %s", e.Message)
	}
	return fmt.Sprintf("invalid workflow: %s: %s", e.Field, e.Message)
}

// RoutingError indicates a decision step returned a successor that is not
// declared on the step. Fatal for the execution.
type RoutingError struct {
	Step   string
	Target string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("illegal successor %q returned by decision step %q", e.Target, e.Step)
}

// RetryableStepError wraps a transient step failure. The state machine
// re-dispatches the step according to its retry policy.
type RetryableStepError struct {
	Step    string
	Wrapped error
}

func (e *RetryableStepError) Error() string {
	return fmt.Sprintf("step %q failed (retryable): %v", e.Step, e.Wrapped)
}

func (e *RetryableStepError) Unwrap() error { return e.Wrapped }

// FatalStepError wraps a non-retryable step failure. The execution
// transitions to failed with this error recorded in its context.
type FatalStepError struct {
	Step    string
	Wrapped error
}

func (e *FatalStepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Wrapped)
}

func (e *FatalStepError) Unwrap() error { return e.Wrapped }

// AlreadyResolvedError is returned when resolving a checkpoint that has
// already left the pending status. The first resolver wins.
type AlreadyResolvedError struct {
	CheckpointID string
	Status       CheckpointStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("checkpoint %s already resolved (status %s)", e.CheckpointID, e.Status)
}

// ExpiredError is returned when resolving a checkpoint past its deadline.
type ExpiredError struct {
	CheckpointID string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("checkpoint %s expired", e.CheckpointID)
}

// DeadlockError carries the diagnostic produced by the deadlock detector.
// Detection is advisory: the execution is failed with this diagnostic
// rather than resolved automatically.
type DeadlockError struct {
	ExecutionID string
	Diagnostic  string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected in execution %s: %s", e.ExecutionID, e.Diagnostic)
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Collaborator error sentinels. LLM providers surface these; the core
// treats all of them as retryable by policy.
var (
	ErrRateLimited   = errors.New("rate limited")
	ErrProviderError = errors.New("provider error")
	ErrLLMTimeout    = errors.New("llm timeout")
)

// IsRetryable reports whether a step error may be retried. Structural
// errors (fatal, routing, validation, deadlock) never are; explicit
// retryable wrappers and collaborator sentinels always are; anything else
// is retried only when it looks transient per retry.IsRecoverable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalStepError
	if errors.As(err, &fatal) {
		return false
	}
	var routing *RoutingError
	if errors.As(err, &routing) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var deadlock *DeadlockError
	if errors.As(err, &deadlock) {
		return false
	}
	var retryable *RetryableStepError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderError) || errors.Is(err, ErrLLMTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return retry.IsRecoverable(err)
}
