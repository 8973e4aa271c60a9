package maestro

import (
	"context"
	"time"

	"github.com/maestro-ai/maestro/script"
)

// ApprovalExecutor synthesizes a checkpoint for a human-in-the-loop step
// and persists it. The returned StepResult carries the checkpoint, which
// suspends the execution until a responder (or the expiry sweep) resolves
// it. The checkpoint's context snapshot contains everything needed to
// resume the step without re-deriving upstream results.
type ApprovalExecutor struct{}

func (e *ApprovalExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	executionContext := ectx.State.GetContext()

	action, err := script.Render(ctx, ectx.Compiler, step.Approval.ProposedAction,
		map[string]any{"context": executionContext})
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}

	snapshot := copyMap(executionContext)
	for k, v := range step.Parameters {
		snapshot[k] = v
	}

	now := time.Now()
	checkpoint := &Checkpoint{
		ID:             NewCheckpointID(),
		ExecutionID:    ectx.ExecutionID,
		StepName:       step.Name,
		BranchID:       ectx.BranchID,
		ProposedAction: action,
		Context:        snapshot,
		Status:         CheckpointPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(checkpointTTL(step.Approval)),
	}
	if err := ectx.Checkpoints.CreateCheckpoint(ctx, checkpoint); err != nil {
		return nil, err
	}

	notify(ctx, ectx.Notifier, ectx.Logger, CheckpointSummary{
		CheckpointID:   checkpoint.ID,
		ExecutionID:    checkpoint.ExecutionID,
		StepName:       checkpoint.StepName,
		ProposedAction: checkpoint.ProposedAction,
		ExpiresAt:      checkpoint.ExpiresAt.Format(time.RFC3339),
	})

	return &StepResult{Checkpoint: checkpoint}, nil
}

// checkpointTTL computes the expiry window, capped at one week.
func checkpointTTL(spec *ApprovalSpec) time.Duration {
	if spec.ExpiresInMinutes <= 0 {
		return DefaultCheckpointTTL
	}
	ttl := time.Duration(spec.ExpiresInMinutes) * time.Minute
	if ttl > MaxCheckpointTTL {
		return MaxCheckpointTTL
	}
	return ttl
}
