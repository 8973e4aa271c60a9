package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.LoadState(ctx, "exec_missing")
	require.ErrorIs(t, err, maestro.ErrNotFound)

	snapshot := &maestro.StateSnapshot{
		ExecutionID:    "exec_1",
		WorkflowName:   "deploy",
		Status:         maestro.ExecutionStatusSuspended,
		Context:        map[string]any{"artifact": "api-v2", "replicas": float64(3)},
		CompletedSteps: []string{"build", "plan"},
		Branches: map[string]*maestro.BranchState{
			"main": {
				ID:           "main",
				Status:       maestro.BranchStatusSuspended,
				CurrentStep:  "approve",
				CheckpointID: "chk_1",
			},
		},
		Joins: map[string]*maestro.JoinState{
			"fan": {
				Gateway:  "fan",
				Expected: []string{"x", "y"},
				Done:     map[string]bool{"x": true},
			},
		},
		BranchCounter:      2,
		PendingCheckpoints: []string{"chk_1"},
		StartTime:          time.Now().UTC().Truncate(time.Second),
		SnapshotAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveState(ctx, snapshot))

	loaded, err := store.LoadState(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, snapshot.WorkflowName, loaded.WorkflowName)
	require.Equal(t, snapshot.Status, loaded.Status)
	require.Equal(t, snapshot.Context, loaded.Context)
	require.Equal(t, snapshot.CompletedSteps, loaded.CompletedSteps)
	require.Equal(t, snapshot.Branches, loaded.Branches)
	require.Equal(t, snapshot.Joins, loaded.Joins)
	require.Equal(t, snapshot.PendingCheckpoints, loaded.PendingCheckpoints)

	// Saving the same execution again replaces the record.
	snapshot.Status = maestro.ExecutionStatusCompleted
	snapshot.PendingCheckpoints = nil
	require.NoError(t, store.SaveState(ctx, snapshot))

	loaded, err = store.LoadState(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, maestro.ExecutionStatusCompleted, loaded.Status)
	require.Empty(t, loaded.PendingCheckpoints)

	ids, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"exec_1"}, ids)
}

func newPendingCheckpoint(id string) *maestro.Checkpoint {
	now := time.Now().UTC()
	return &maestro.Checkpoint{
		ID:             id,
		ExecutionID:    "exec_1",
		StepName:       "approve",
		BranchID:       "main",
		ProposedAction: "Deploy api-v2 to production",
		Status:         maestro.CheckpointPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestStoreCheckpointLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetCheckpoint(ctx, "chk_missing")
	require.ErrorIs(t, err, maestro.ErrNotFound)

	require.NoError(t, store.CreateCheckpoint(ctx, newPendingCheckpoint("chk_1")))

	resolved, err := store.ResolveCheckpoint(ctx, "chk_1", maestro.Resolution{
		Decision:  maestro.DecisionApprove,
		Responder: "alice",
		Feedback:  "looks good",
	})
	require.NoError(t, err)
	require.Equal(t, maestro.CheckpointApproved, resolved.Status)
	require.Equal(t, "alice", resolved.Responder)
	require.False(t, resolved.RespondedAt.IsZero())

	// The terminal transition happens exactly once.
	_, err = store.ResolveCheckpoint(ctx, "chk_1", maestro.Resolution{Decision: maestro.DecisionReject})
	var already *maestro.AlreadyResolvedError
	require.ErrorAs(t, err, &already)
	require.Equal(t, maestro.CheckpointApproved, already.Status)

	loaded, err := store.GetCheckpoint(ctx, "chk_1")
	require.NoError(t, err)
	require.Equal(t, maestro.CheckpointApproved, loaded.Status)
	require.Equal(t, "looks good", loaded.Feedback)
}

func TestStoreCheckpointExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	overdue := newPendingCheckpoint("chk_late")
	overdue.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateCheckpoint(ctx, overdue))

	_, err := store.ResolveCheckpoint(ctx, "chk_late", maestro.Resolution{Decision: maestro.DecisionApprove})
	var expired *maestro.ExpiredError
	require.ErrorAs(t, err, &expired)

	// The expiry sweep itself may still resolve it.
	resolved, err := store.ResolveCheckpoint(ctx, "chk_late", maestro.Resolution{Decision: maestro.DecisionExpire})
	require.NoError(t, err)
	require.Equal(t, maestro.CheckpointExpired, resolved.Status)
}

func TestStoreCheckpointConcurrentResolve(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCheckpoint(ctx, newPendingCheckpoint("chk_race")))

	const resolvers = 8
	var wg sync.WaitGroup
	errs := make([]error, resolvers)
	for i := range resolvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := maestro.DecisionApprove
			if i%2 == 1 {
				decision = maestro.DecisionReject
			}
			_, errs[i] = store.ResolveCheckpoint(ctx, "chk_race", maestro.Resolution{Decision: decision})
		}()
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var already *maestro.AlreadyResolvedError
		require.True(t, errors.As(err, &already))
	}
	require.Equal(t, 1, winners)
}

func TestStoreListPendingCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := newPendingCheckpoint("chk_a")
	second := newPendingCheckpoint("chk_b")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := newPendingCheckpoint("chk_other")
	other.ExecutionID = "exec_2"
	other.CreatedAt = first.CreatedAt.Add(2 * time.Second)
	for _, checkpoint := range []*maestro.Checkpoint{first, second, other} {
		require.NoError(t, store.CreateCheckpoint(ctx, checkpoint))
	}
	_, err := store.ResolveCheckpoint(ctx, "chk_a", maestro.Resolution{Decision: maestro.DecisionApprove})
	require.NoError(t, err)

	pending, err := store.ListPendingCheckpoints(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "chk_b", pending[0].ID)

	pending, err = store.ListPendingCheckpoints(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "chk_b", pending[0].ID)
	require.Equal(t, "chk_other", pending[1].ID)
}

func TestStoreRelations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.AddRelation(ctx, &maestro.ExecutionRelation{
		ID:        "rel_1",
		CauseID:   "exec_parent",
		EffectID:  "exec_child",
		Type:      maestro.RelationTriggered,
		CreatedAt: now,
	}))
	require.NoError(t, store.AddRelation(ctx, &maestro.ExecutionRelation{
		ID:        "rel_2",
		CauseID:   "exec_child",
		EffectID:  "exec_grandchild",
		Type:      maestro.RelationEscalated,
		CreatedAt: now.Add(time.Second),
	}))

	relations, err := store.ListRelations(ctx, "exec_child")
	require.NoError(t, err)
	require.Len(t, relations, 2)
	require.Equal(t, "rel_1", relations[0].ID)
	require.Equal(t, maestro.RelationTriggered, relations[0].Type)
	require.Equal(t, "rel_2", relations[1].ID)

	relations, err = store.ListRelations(ctx, "exec_parent")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	require.Equal(t, "exec_child", relations[0].EffectID)
}
