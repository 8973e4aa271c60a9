package maestro

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func approvalWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf, err := New(Options{
		Name:    "publish",
		Version: "1",
		Steps: []*Step{
			{Name: "draft", Handler: "draft", Store: "doc", Next: []*Edge{{Step: "review"}}},
			{
				Name:  "review",
				Type:  StepTypeApproval,
				Store: "review",
				Approval: &ApprovalSpec{
					ProposedAction:   "Publish ${context[\"doc\"]}",
					ExpiresInMinutes: 15,
				},
				Next: []*Edge{{Step: "publish"}},
			},
			{Name: "publish", Handler: "publish", Store: "published", End: true},
		},
	})
	require.NoError(t, err)
	return wf
}

func TestOrchestratorRegisterWorkflow(t *testing.T) {
	orchestrator := NewOrchestrator(OrchestratorOptions{})

	wf1, err := New(Options{
		Name:    "pipeline",
		Version: "1",
		Steps:   []*Step{{Name: "a", Handler: "a", End: true}},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.RegisterWorkflow(wf1))

	t.Run("same version twice is rejected", func(t *testing.T) {
		err := orchestrator.RegisterWorkflow(wf1)
		require.Error(t, err)
		require.Contains(t, err.Error(), "already registered")
	})

	t.Run("new version replaces the active definition", func(t *testing.T) {
		wf2, err := New(Options{
			Name:    "pipeline",
			Version: "2",
			Steps: []*Step{
				{Name: "a", Handler: "a", Next: []*Edge{{Step: "b"}}},
				{Name: "b", Handler: "b", End: true},
			},
		})
		require.NoError(t, err)
		require.NoError(t, orchestrator.RegisterWorkflow(wf2))

		active, ok := orchestrator.GetWorkflow("pipeline")
		require.True(t, ok)
		require.Equal(t, "2", active.Version())

		prior, ok := orchestrator.GetWorkflowVersion("pipeline", "1")
		require.True(t, ok)
		require.Equal(t, "1", prior.Version())
	})
}

func TestOrchestratorResolveAndResume(t *testing.T) {
	rec := &recorder{}
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			rec.handler("draft", "release notes"),
			rec.handler("publish", true),
		),
	})
	require.NoError(t, orchestrator.RegisterWorkflow(approvalWorkflow(t)))

	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "publish", map[string]any{"author": "carol"})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, snapshot.Status)

	pending, err := orchestrator.ListPendingCheckpoints(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "Publish release notes", pending[0].ProposedAction)

	resumed, err := orchestrator.ResolveAndResume(ctx, pending[0].ID, Resolution{
		Decision:  DecisionApprove,
		Responder: "dave",
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, resumed.Status)
	require.Equal(t, true, resumed.Context["published"])
	require.Equal(t, []string{"draft", "publish"}, rec.recorded())
}

func TestOrchestratorResumePinsSnapshotVersion(t *testing.T) {
	rec := &recorder{}
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			rec.handler("draft", "release notes"),
			rec.handler("publish", true),
			rec.handler("announce", "posted"),
		),
	})
	require.NoError(t, orchestrator.RegisterWorkflow(approvalWorkflow(t)))

	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "publish", nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, snapshot.Status)
	require.Equal(t, "1", snapshot.WorkflowVersion)

	// A new version lands while the execution is suspended. Its graph has
	// no approval gate and ends at a different step.
	wf2, err := New(Options{
		Name:    "publish",
		Version: "2",
		Steps: []*Step{
			{Name: "draft", Handler: "draft", Store: "doc", Next: []*Edge{{Step: "announce"}}},
			{Name: "announce", Handler: "announce", Store: "announced", End: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.RegisterWorkflow(wf2))
	active, ok := orchestrator.GetWorkflow("publish")
	require.True(t, ok)
	require.Equal(t, "2", active.Version())

	pending, err := orchestrator.ListPendingCheckpoints(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The resumed execution follows the graph it was snapshotted against,
	// not the new active definition.
	resumed, err := orchestrator.ResolveAndResume(ctx, pending[0].ID, Resolution{
		Decision:  DecisionApprove,
		Responder: "dave",
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, resumed.Status)
	require.Equal(t, "1", resumed.WorkflowVersion)
	require.Equal(t, true, resumed.Context["published"])
	require.Equal(t, []string{"draft", "publish"}, rec.recorded())
	require.NotContains(t, resumed.Context, "announced")
}

func TestOrchestratorFirstResolverWins(t *testing.T) {
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			NewHandlerFunc("draft", func(ctx context.Context, params map[string]any) (any, error) {
				return "doc", nil
			}),
			NewHandlerFunc("publish", func(ctx context.Context, params map[string]any) (any, error) {
				return true, nil
			}),
		),
	})
	require.NoError(t, orchestrator.RegisterWorkflow(approvalWorkflow(t)))

	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "publish", nil)
	require.NoError(t, err)
	pending, err := orchestrator.ListPendingCheckpoints(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Many responders race on the same checkpoint: exactly one wins.
	const resolvers = 10
	var wg sync.WaitGroup
	wins := make(chan Decision, resolvers)
	for i := 0; i < resolvers; i++ {
		decision := DecisionApprove
		if i%2 == 1 {
			decision = DecisionReject
		}
		wg.Add(1)
		go func(d Decision) {
			defer wg.Done()
			if _, err := orchestrator.ResolveCheckpoint(ctx, pending[0].ID, Resolution{
				Decision: d, Responder: "racer",
			}); err == nil {
				wins <- d
			}
		}(decision)
	}
	wg.Wait()
	close(wins)

	var winners []Decision
	for d := range wins {
		winners = append(winners, d)
	}
	require.Len(t, winners, 1)

	// The stored status matches the winning decision.
	checkpoint, err := orchestrator.checkpoints.GetCheckpoint(ctx, pending[0].ID)
	require.NoError(t, err)
	require.Equal(t, statusFor(winners[0]), checkpoint.Status)
}

func TestOrchestratorSubWorkflows(t *testing.T) {
	rec := &recorder{}
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			rec.handler("outer", "outer-done"),
			rec.handler("inner", "inner-done"),
		),
	})

	child, err := New(Options{
		Name:  "child",
		Steps: []*Step{{Name: "inner", Handler: "inner", Store: "inner_out", End: true}},
	})
	require.NoError(t, err)
	parent, err := New(Options{
		Name: "parent",
		Steps: []*Step{
			{Name: "outer", Handler: "outer", Next: []*Edge{{Step: "delegate"}}},
			{
				Name:        "delegate",
				Type:        StepTypeSubWorkflow,
				Store:       "child_result",
				SubWorkflow: &SubWorkflowSpec{Workflow: "child", Sync: true},
				End:         true,
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.RegisterWorkflow(child))
	require.NoError(t, orchestrator.RegisterWorkflow(parent))

	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "parent", nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, snapshot.Status)
	require.Equal(t, []string{"outer", "inner"}, rec.recorded())

	result, ok := snapshot.Context["child_result"].(*SubWorkflowResult)
	require.True(t, ok)
	require.Equal(t, ExecutionStatusCompleted, result.Status)
	require.Equal(t, "inner-done", result.Context["inner_out"])

	// The parent-child relation is recorded for audit.
	relations, err := orchestrator.ListRelations(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	require.Equal(t, RelationTriggered, relations[0].Type)
	require.Equal(t, snapshot.ExecutionID, relations[0].CauseID)
	require.Equal(t, result.ExecutionID, relations[0].EffectID)

	// The child context knows its parent.
	childState, err := orchestrator.GetState(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, snapshot.ExecutionID, childState.Context["parent_execution_id"])
}

func TestOrchestratorSyncSubWorkflowSuspends(t *testing.T) {
	rec := &recorder{}
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			rec.handler("outer", "outer-done"),
			rec.handler("work", "built"),
			rec.handler("finish", true),
		),
	})

	child, err := New(Options{
		Name: "gated",
		Steps: []*Step{
			{Name: "work", Handler: "work", Store: "artifact", Next: []*Edge{{Step: "gate"}}},
			{
				Name:  "gate",
				Type:  StepTypeApproval,
				Store: "gate",
				Approval: &ApprovalSpec{
					ProposedAction:   "Release ${context[\"artifact\"]}",
					ExpiresInMinutes: 30,
				},
				Next: []*Edge{{Step: "finish"}},
			},
			{Name: "finish", Handler: "finish", Store: "released", End: true},
		},
	})
	require.NoError(t, err)
	parent, err := New(Options{
		Name: "parent",
		Steps: []*Step{
			{Name: "outer", Handler: "outer", Next: []*Edge{{Step: "delegate"}}},
			{
				Name:        "delegate",
				Type:        StepTypeSubWorkflow,
				Store:       "child_result",
				SubWorkflow: &SubWorkflowSpec{Workflow: "gated", Sync: true},
				End:         true,
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.RegisterWorkflow(child))
	require.NoError(t, orchestrator.RegisterWorkflow(parent))

	// The child hits its approval gate: the parent step must not read as
	// success while the gate is unresolved.
	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "parent", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "suspended awaiting checkpoint resolution")
	require.Equal(t, ExecutionStatusFailed, snapshot.Status)
	require.Equal(t, []string{"outer", "work"}, rec.recorded())

	// The child itself stays suspended and resolvable under its own ID.
	relations, err := orchestrator.ListRelations(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	childState, err := orchestrator.GetState(ctx, relations[0].EffectID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, childState.Status)
	pending, err := orchestrator.ListPendingCheckpoints(ctx, relations[0].EffectID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "Release built", pending[0].ProposedAction)
}

func TestOrchestratorExpirePendingCheckpoints(t *testing.T) {
	rec := &recorder{}
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			rec.handler("draft", "doc"),
			rec.handler("publish", true),
		),
	})
	require.NoError(t, orchestrator.RegisterWorkflow(approvalWorkflow(t)))
	ctx := context.Background()

	snapshot, err := orchestrator.Execute(ctx, "publish", nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, snapshot.Status)
	pending, err := orchestrator.ListPendingCheckpoints(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Backdate the real checkpoint's deadline. Alongside it: one still
	// fresh, and one overdue but orphaned (no stored execution) to show
	// the sweep tolerates resume failures.
	store := orchestrator.checkpoints
	now := time.Now()
	overdue := pending[0]
	overdue.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, store.CreateCheckpoint(ctx, overdue))
	require.NoError(t, store.CreateCheckpoint(ctx, &Checkpoint{
		ID: "chk_fresh", ExecutionID: "exec_fresh", StepName: "gate",
		Status: CheckpointPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.CreateCheckpoint(ctx, &Checkpoint{
		ID: "chk_orphan", ExecutionID: "exec_orphan", StepName: "gate",
		Status: CheckpointPending, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	expired, err := orchestrator.ExpirePendingCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, expired)

	resolved, err := store.GetCheckpoint(ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, CheckpointExpired, resolved.Status)

	fresh, err := store.GetCheckpoint(ctx, "chk_fresh")
	require.NoError(t, err)
	require.Equal(t, CheckpointPending, fresh.Status)

	// The expired execution was resumed onto its failure path instead of
	// staying suspended; the step behind the gate never ran.
	stored, err := orchestrator.GetState(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, stored.Status)
	require.NotContains(t, rec.recorded(), "publish")
}

func TestOrchestratorCancelSuspendedExecution(t *testing.T) {
	orchestrator := NewOrchestrator(OrchestratorOptions{
		Handlers: NewHandlerRegistry(
			NewHandlerFunc("draft", func(ctx context.Context, params map[string]any) (any, error) {
				return "doc", nil
			}),
			NewHandlerFunc("publish", func(ctx context.Context, params map[string]any) (any, error) {
				return true, nil
			}),
		),
	})
	require.NoError(t, orchestrator.RegisterWorkflow(approvalWorkflow(t)))

	ctx := context.Background()
	snapshot, err := orchestrator.Execute(ctx, "publish", nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, snapshot.Status)

	require.NoError(t, orchestrator.Cancel(ctx, snapshot.ExecutionID))
	stored, err := orchestrator.GetState(ctx, snapshot.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCancelled, stored.Status)

	// Cancelling again is rejected.
	require.Error(t, orchestrator.Cancel(ctx, snapshot.ExecutionID))
}

func TestOrchestratorUnknownWorkflow(t *testing.T) {
	orchestrator := NewOrchestrator(OrchestratorOptions{})
	_, err := orchestrator.Execute(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, ErrNotFound)
}
