package maestro

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// suspendedExecution runs an approval workflow until it suspends and
// returns everything needed to resume it.
func suspendedExecution(t *testing.T, rec *recorder) (*Workflow, *MemoryCheckpointStore, *MemoryStateStore, *HandlerRegistry, string, string) {
	t.Helper()
	wf, err := New(Options{
		Name: "deploy",
		Steps: []*Step{
			{Name: "build", Handler: "build", Store: "artifact", Next: []*Edge{{Step: "gate"}}},
			{
				Name:  "gate",
				Type:  StepTypeApproval,
				Store: "approval",
				Approval: &ApprovalSpec{
					ProposedAction:   "Deploy ${context[\"artifact\"]}",
					ExpiresInMinutes: 30,
				},
				Next: []*Edge{{Step: "deploy"}},
			},
			{Name: "deploy", Handler: "deploy", Store: "deployed", End: true},
		},
	})
	require.NoError(t, err)

	checkpoints := NewMemoryCheckpointStore()
	states := NewMemoryStateStore()
	handlers := NewHandlerRegistry(
		rec.handler("build", "app-v2"),
		rec.handler("deploy", true),
	)

	execution, err := NewExecution(ExecutionOptions{
		Workflow:    wf,
		Handlers:    handlers,
		Checkpoints: checkpoints,
		States:      states,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusSuspended, execution.Status())

	pending, err := checkpoints.ListPendingCheckpoints(context.Background(), execution.ID())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	return wf, checkpoints, states, handlers, execution.ID(), pending[0].ID
}

func restore(t *testing.T, wf *Workflow, checkpoints *MemoryCheckpointStore, states *MemoryStateStore, handlers *HandlerRegistry, executionID string) *Execution {
	t.Helper()
	snapshot, err := states.LoadState(context.Background(), executionID)
	require.NoError(t, err)
	execution, err := NewExecutionFromSnapshot(ExecutionOptions{
		Workflow:    wf,
		Handlers:    handlers,
		Checkpoints: checkpoints,
		States:      states,
	}, snapshot)
	require.NoError(t, err)
	return execution
}

func TestResumeAfterApproval(t *testing.T) {
	rec := &recorder{}
	wf, checkpoints, states, handlers, executionID, checkpointID := suspendedExecution(t, rec)

	_, err := checkpoints.ResolveCheckpoint(context.Background(), checkpointID, Resolution{
		Decision:  DecisionApprove,
		Responder: "alice",
		Feedback:  "ship it",
	})
	require.NoError(t, err)

	execution := restore(t, wf, checkpoints, states, handlers, executionID)
	require.NoError(t, execution.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, []string{"build", "deploy"}, rec.recorded())

	snapshot := execution.State().Snapshot()
	resolution, ok := snapshot.Context["approval"].(map[string]any)
	require.True(t, ok, "approval resolution missing from context")
	require.Equal(t, "approved", resolution["status"])
	require.Equal(t, "alice", resolution["responder"])
	require.Equal(t, "ship it", resolution["feedback"])
	require.Equal(t, true, snapshot.Context["deployed"])
	require.Equal(t, []string{"build", "gate", "deploy"}, snapshot.CompletedSteps)
	require.Empty(t, snapshot.PendingCheckpoints)
}

func TestResumeAfterRejection(t *testing.T) {
	rec := &recorder{}
	wf, checkpoints, states, handlers, executionID, checkpointID := suspendedExecution(t, rec)

	_, err := checkpoints.ResolveCheckpoint(context.Background(), checkpointID, Resolution{
		Decision:  DecisionReject,
		Responder: "bob",
		Feedback:  "not during the freeze",
	})
	require.NoError(t, err)

	execution := restore(t, wf, checkpoints, states, handlers, executionID)
	err = execution.Resume(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "rejected by bob")
	require.Equal(t, ExecutionStatusFailed, execution.Status())
	require.NotContains(t, rec.recorded(), "deploy")
}

func TestResumeWithCheckpointStillPending(t *testing.T) {
	rec := &recorder{}
	wf, checkpoints, states, handlers, executionID, checkpointID := suspendedExecution(t, rec)

	execution := restore(t, wf, checkpoints, states, handlers, executionID)
	require.NoError(t, execution.Resume(context.Background()))
	require.Equal(t, ExecutionStatusSuspended, execution.Status())

	// No side effects: the checkpoint is still pending and resumable later.
	checkpoint, err := checkpoints.GetCheckpoint(context.Background(), checkpointID)
	require.NoError(t, err)
	require.Equal(t, CheckpointPending, checkpoint.Status)
	require.NotContains(t, rec.recorded(), "deploy")

	// Resume is idempotent: a later real resolution still works.
	_, err = checkpoints.ResolveCheckpoint(context.Background(), checkpointID, Resolution{
		Decision: DecisionApprove, Responder: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, execution.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
}

func TestResumeExpiredCheckpoint(t *testing.T) {
	rec := &recorder{}
	wf, checkpoints, states, handlers, executionID, checkpointID := suspendedExecution(t, rec)

	// Force the deadline into the past without resolving.
	checkpoint, err := checkpoints.GetCheckpoint(context.Background(), checkpointID)
	require.NoError(t, err)
	checkpoint.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, checkpoints.CreateCheckpoint(context.Background(), checkpoint))

	execution := restore(t, wf, checkpoints, states, handlers, executionID)
	err = execution.Resume(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")
	require.Equal(t, ExecutionStatusFailed, execution.Status())

	// The sweep resolved it terminally.
	checkpoint, err = checkpoints.GetCheckpoint(context.Background(), checkpointID)
	require.NoError(t, err)
	require.Equal(t, CheckpointExpired, checkpoint.Status)
}

func TestResumeTerminalExecutionRejected(t *testing.T) {
	rec := &recorder{}
	wf, err := New(Options{
		Name:  "short",
		Steps: []*Step{{Name: "only", Handler: "only", End: true}},
	})
	require.NoError(t, err)

	states := NewMemoryStateStore()
	handlers := NewHandlerRegistry(rec.handler("only", nil))
	execution, err := NewExecution(ExecutionOptions{Workflow: wf, Handlers: handlers, States: states})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))

	snapshot, err := states.LoadState(context.Background(), execution.ID())
	require.NoError(t, err)
	restored, err := NewExecutionFromSnapshot(ExecutionOptions{
		Workflow: wf, Handlers: handlers, States: states,
	}, snapshot)
	require.NoError(t, err)

	err = restored.Resume(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "terminal status")
}

func TestNewExecutionFromSnapshotValidation(t *testing.T) {
	wf, err := New(Options{
		Name:  "one",
		Steps: []*Step{{Name: "only", Handler: "only", End: true}},
	})
	require.NoError(t, err)

	t.Run("nil snapshot", func(t *testing.T) {
		_, err := NewExecutionFromSnapshot(ExecutionOptions{Workflow: wf}, nil)
		require.Error(t, err)
	})

	t.Run("workflow mismatch", func(t *testing.T) {
		_, err := NewExecutionFromSnapshot(ExecutionOptions{Workflow: wf}, &StateSnapshot{
			ExecutionID:  "exec_x",
			WorkflowName: "another",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "belongs to workflow")
	})
}
