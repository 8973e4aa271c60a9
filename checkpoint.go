package maestro

import (
	"context"
	"time"
)

// CheckpointStatus tracks the lifecycle of a human-in-the-loop checkpoint.
// The only legal transitions are pending -> approved | rejected | expired.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Decision is a terminal checkpoint transition requested by a responder.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionExpire  Decision = "expire"
)

// MaxCheckpointTTL caps how far in the future a checkpoint may expire.
const MaxCheckpointTTL = 7 * 24 * time.Hour

// DefaultCheckpointTTL applies when an approval step sets no deadline.
const DefaultCheckpointTTL = 24 * time.Hour

// Checkpoint is a persisted suspend point: one pending human or external
// decision within an execution. Checkpoints are mutated exactly once (the
// terminal transition out of pending) and never deleted; they are retained
// for audit.
type Checkpoint struct {
	ID             string           `json:"id"`
	ExecutionID    string           `json:"execution_id"`
	StepName       string           `json:"step_name"`
	BranchID       string           `json:"branch_id"`
	ProposedAction string           `json:"proposed_action"`
	Context        map[string]any   `json:"context,omitempty"`
	Status         CheckpointStatus `json:"status"`
	Responder      string           `json:"responder,omitempty"`
	Feedback       string           `json:"feedback,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	RespondedAt    time.Time        `json:"responded_at,omitzero"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Expired reports whether the checkpoint deadline has passed.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Copy returns a shallow copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	dup := *c
	dup.Context = copyMap(c.Context)
	return &dup
}

// Resolution carries the terminal transition applied to a checkpoint.
type Resolution struct {
	Decision  Decision
	Responder string
	Feedback  string
}

// CheckpointStore is the durable home of checkpoints. Resolve is the sole
// trigger that makes a suspended execution eligible for resume, and it must
// be atomic: when two responders race on the same checkpoint, at most one
// wins; the loser receives AlreadyResolvedError.
type CheckpointStore interface {
	// CreateCheckpoint persists a new pending checkpoint.
	CreateCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// GetCheckpoint returns a checkpoint by id, or ErrNotFound.
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// ResolveCheckpoint applies the terminal transition. It fails with
	// AlreadyResolvedError if the checkpoint is not pending and with
	// ExpiredError if the deadline has passed (unless the decision itself
	// is the expiry sweep).
	ResolveCheckpoint(ctx context.Context, id string, resolution Resolution) (*Checkpoint, error)

	// ListPendingCheckpoints returns pending checkpoints, optionally
	// filtered to one execution (empty executionID means all).
	ListPendingCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
}

// statusFor maps a decision to the checkpoint status it produces.
func statusFor(decision Decision) CheckpointStatus {
	switch decision {
	case DecisionApprove:
		return CheckpointApproved
	case DecisionReject:
		return CheckpointRejected
	default:
		return CheckpointExpired
	}
}
