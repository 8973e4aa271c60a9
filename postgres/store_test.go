package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/maestro-ai/maestro"

	_ "github.com/lib/pq"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("maestro_test"),
		postgres.WithUsername("maestro"),
		postgres.WithPassword("maestro"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(dsn)
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
		Context:        map[string]any{"artifact": "api-v2"},
		CompletedSteps: []string{"build"},
		Branches: map[string]*maestro.BranchState{
			"main": {
				ID:           "main",
				Status:       maestro.BranchStatusSuspended,
				CurrentStep:  "approve",
				CheckpointID: "chk_1",
			},
		},
		PendingCheckpoints: []string{"chk_1"},
		SnapshotAt:         time.Now().UTC(),
	}
	require.NoError(t, store.SaveState(ctx, snapshot))

	loaded, err := store.LoadState(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, snapshot.WorkflowName, loaded.WorkflowName)
	require.Equal(t, snapshot.Status, loaded.Status)
	require.Equal(t, snapshot.Context, loaded.Context)
	require.Equal(t, snapshot.Branches, loaded.Branches)

	snapshot.Status = maestro.ExecutionStatusCompleted
	require.NoError(t, store.SaveState(ctx, snapshot))
	loaded, err = store.LoadState(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, maestro.ExecutionStatusCompleted, loaded.Status)

	ids, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"exec_1"}, ids)
}

func TestStoreCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	checkpoint := &maestro.Checkpoint{
		ID:             "chk_1",
		ExecutionID:    "exec_1",
		StepName:       "approve",
		BranchID:       "main",
		ProposedAction: "Deploy api-v2 to production",
		Status:         maestro.CheckpointPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, store.CreateCheckpoint(ctx, checkpoint))

	pending, err := store.ListPendingCheckpoints(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "chk_1", pending[0].ID)

	t.Run("concurrent resolvers race on the row lock", func(t *testing.T) {
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
				_, errs[i] = store.ResolveCheckpoint(ctx, "chk_1", maestro.Resolution{
					Decision:  decision,
					Responder: "responder",
				})
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
	})

	resolved, err := store.GetCheckpoint(ctx, "chk_1")
	require.NoError(t, err)
	require.True(t, resolved.Status == maestro.CheckpointApproved || resolved.Status == maestro.CheckpointRejected)

	pending, err = store.ListPendingCheckpoints(ctx, "exec_1")
	require.NoError(t, err)
	require.Empty(t, pending)
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

	relations, err := store.ListRelations(ctx, "exec_parent")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	require.Equal(t, "exec_child", relations[0].EffectID)

	relations, err = store.ListRelations(ctx, "exec_child")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	require.Equal(t, "rel_1", relations[0].ID)
}
