package maestro

import (
	"context"
	"fmt"
	"time"
)

// NewExecutionFromSnapshot restores an execution from a durable state
// snapshot so it can be resumed after a suspension or a process restart.
// The caller supplies the same workflow definition the snapshot was taken
// against.
func NewExecutionFromSnapshot(opts ExecutionOptions, snapshot *StateSnapshot) (*Execution, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if opts.Workflow.Name() != snapshot.WorkflowName {
		return nil, fmt.Errorf("snapshot belongs to workflow %q, not %q",
			snapshot.WorkflowName, opts.Workflow.Name())
	}
	opts.ExecutionID = snapshot.ExecutionID
	execution, err := NewExecution(opts)
	if err != nil {
		return nil, err
	}
	execution.state.Restore(snapshot)
	return execution, nil
}

// Resume reconciles resolved checkpoints against the restored state and
// continues the run loop. It is idempotent: resuming an execution that is
// already running is a no-op, and resuming one whose checkpoints are all
// still pending leaves it suspended without side effects.
func (e *Execution) Resume(ctx context.Context) error {
	switch status := e.state.GetStatus(); status {
	case ExecutionStatusRunning:
		return nil
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return fmt.Errorf("cannot resume execution in terminal status %q", status)
	}
	if err := e.start(); err != nil {
		return err
	}

	rejectErr, err := e.reconcileCheckpoints(ctx)
	if err != nil {
		return err
	}
	if rejectErr != nil {
		// A rejected or expired checkpoint fails the execution outright
		// unless its branch was isolated by gateway policy.
		return e.finish(ctx, rejectErr)
	}

	if !e.hasRunnableBranches() {
		if len(e.state.PendingCheckpoints()) > 0 {
			// Nothing resolved yet: stay suspended.
			e.logger.Info("resume requested with checkpoints still pending",
				"pending_checkpoints", e.state.PendingCheckpoints())
			e.mutex.Lock()
			e.started = false
			e.mutex.Unlock()
			return nil
		}
		// Every join may already be satisfied; let run finalize and finish.
	}

	e.state.SetStatus(ExecutionStatusRunning)
	e.logger.Info("resuming execution")
	return e.run(ctx)
}

// reconcileCheckpoints walks every suspended branch, looks up its
// checkpoint, and applies the resolution if one has landed. Approved
// branches become runnable at the approval step's successor; rejected and
// expired ones fail. The returned rejectErr is non-nil when a failure is
// not isolated and must fail the execution.
func (e *Execution) reconcileCheckpoints(ctx context.Context) (rejectErr error, err error) {
	now := time.Now()
	for id, branch := range e.state.GetBranchStates() {
		if branch.Status != BranchStatusSuspended || branch.CheckpointID == "" {
			continue
		}
		checkpoint, err := e.checkpoints.GetCheckpoint(ctx, branch.CheckpointID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %s: %w", branch.CheckpointID, err)
		}

		if checkpoint.Status == CheckpointPending {
			if !checkpoint.Expired(now) {
				continue
			}
			// The deadline passed while suspended; sweep it now.
			checkpoint, err = e.checkpoints.ResolveCheckpoint(ctx, checkpoint.ID, Resolution{
				Decision: DecisionExpire,
			})
			if err != nil {
				// Lost the race to a real responder: reload and apply theirs.
				checkpoint, err = e.checkpoints.GetCheckpoint(ctx, branch.CheckpointID)
				if err != nil {
					return nil, fmt.Errorf("failed to reload checkpoint %s: %w", branch.CheckpointID, err)
				}
			}
		}

		step, ok := e.workflow.GetStep(checkpoint.StepName)
		if !ok {
			return nil, fmt.Errorf("checkpoint %s references unknown step %q", checkpoint.ID, checkpoint.StepName)
		}
		e.state.RemovePendingCheckpoint(checkpoint.ID)

		switch checkpoint.Status {
		case CheckpointApproved:
			if err := e.applyApproval(ctx, id, step, checkpoint); err != nil {
				return nil, err
			}
		case CheckpointRejected, CheckpointExpired:
			failure := fmt.Errorf("checkpoint %s for step %q was %s", checkpoint.ID, step.Name, checkpoint.Status)
			if checkpoint.Status == CheckpointRejected && checkpoint.Responder != "" {
				failure = fmt.Errorf("checkpoint %s for step %q rejected by %s: %s",
					checkpoint.ID, step.Name, checkpoint.Responder, checkpoint.Feedback)
			}
			if isolated := e.failSuspendedBranch(id, failure); !isolated {
				rejectErr = failure
			}
		}
	}
	return rejectErr, nil
}

// applyApproval records the resolution into the context and moves the
// suspended cursor past the approval step.
func (e *Execution) applyApproval(ctx context.Context, branchID string, step *Step, checkpoint *Checkpoint) error {
	resolution := map[string]any{
		"status":    string(checkpoint.Status),
		"responder": checkpoint.Responder,
		"feedback":  checkpoint.Feedback,
	}
	if !checkpoint.RespondedAt.IsZero() {
		resolution["responded_at"] = checkpoint.RespondedAt.Format(time.RFC3339)
	}
	storeKey := step.Store
	if storeKey == "" {
		storeKey = step.Name
	}
	e.state.SetContextValue(storeKey, resolution)
	e.state.MarkStepCompleted(step.Name)

	next, err := e.computeNext(ctx, step, resolution)
	if err != nil {
		return err
	}
	e.logger.Info("checkpoint approved, branch resuming",
		"checkpoint_id", checkpoint.ID, "branch_id", branchID, "next_step", next)

	if next == "" || step.End {
		endTime := time.Now()
		var gateway, gatewayBranch string
		e.state.UpdateBranchState(branchID, func(branch *BranchState) {
			branch.Status = BranchStatusCompleted
			branch.CheckpointID = ""
			branch.Output = resolution
			branch.StepOutputs[step.Name] = resolution
			branch.EndTime = endTime
			gateway = branch.Gateway
			gatewayBranch = branch.GatewayBranch
		})
		if gateway != "" {
			e.state.UpdateJoinState(gateway, func(join *JoinState) {
				join.Done[gatewayBranch] = true
			})
		}
		return nil
	}
	e.state.UpdateBranchState(branchID, func(branch *BranchState) {
		branch.Status = BranchStatusRunning
		branch.CheckpointID = ""
		branch.CurrentStep = next
		branch.StepOutputs[step.Name] = resolution
	})
	return nil
}

// failSuspendedBranch marks a suspended cursor failed. It reports whether
// the failure is isolated by the owning gateway's policy.
func (e *Execution) failSuspendedBranch(branchID string, failure error) bool {
	endTime := time.Now()
	var gateway, gatewayBranch string
	e.state.UpdateBranchState(branchID, func(branch *BranchState) {
		branch.Status = BranchStatusFailed
		branch.CheckpointID = ""
		branch.ErrorMessage = failure.Error()
		branch.EndTime = endTime
		gateway = branch.Gateway
		gatewayBranch = branch.GatewayBranch
	})
	if gateway == "" {
		return false
	}
	joins := e.state.GetJoinStates()
	join := joins[gateway]
	if join == nil || !join.Isolating {
		return false
	}
	e.state.UpdateJoinState(gateway, func(join *JoinState) {
		join.Done[gatewayBranch] = true
	})
	return true
}
