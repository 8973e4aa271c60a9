package maestro

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func detectorFixture(t *testing.T) (*DeadlockDetector, *ExecutionState) {
	t.Helper()
	wf, err := New(Options{
		Name:  "nested",
		Steps: []*Step{{Name: "start", Handler: "noop", End: true}},
	})
	require.NoError(t, err)
	return NewDeadlockDetector(wf), newExecutionState("exec_dl", wf, nil)
}

func TestDeadlockCheckGateway(t *testing.T) {
	detector, _ := detectorFixture(t)

	gateway := &Step{
		Name: "fan",
		Type: StepTypeParallel,
		Gateway: &GatewaySpec{
			Branches: []GatewayBranch{
				{Name: "x", Step: "bx"},
				{Name: "y", Step: "by"},
			},
			DependsOn: []string{"x", "ghost"},
		},
	}
	err := detector.CheckGateway("exec_dl", gateway)
	var deadlock *DeadlockError
	require.ErrorAs(t, err, &deadlock)
	require.Equal(t, "exec_dl", deadlock.ExecutionID)
	require.Contains(t, deadlock.Diagnostic, `"ghost"`)

	gateway.Gateway.DependsOn = []string{"x"}
	require.NoError(t, detector.CheckGateway("exec_dl", gateway))
}

func TestDeadlockCheckCleanState(t *testing.T) {
	detector, state := detectorFixture(t)

	require.NoError(t, detector.Check(state))

	// An open join whose expected cursors are all live is not a deadlock.
	state.SetJoinState("fan", &JoinState{
		Gateway:      "fan",
		ParentBranch: "main",
		Expected:     []string{"x"},
		Done:         map[string]bool{},
	})
	state.SetBranchState("fan/x-1", &BranchState{
		ID:            "fan/x-1",
		Status:        BranchStatusRunning,
		CurrentStep:   "bx",
		Gateway:       "fan",
		GatewayBranch: "x",
	})
	require.NoError(t, detector.Check(state))
}

func TestDeadlockCheckLostWakeup(t *testing.T) {
	t.Run("expected cursor never spawned", func(t *testing.T) {
		detector, state := detectorFixture(t)
		state.SetJoinState("fan", &JoinState{
			Gateway:  "fan",
			Expected: []string{"x"},
			Done:     map[string]bool{},
		})

		err := detector.Check(state)
		var deadlock *DeadlockError
		require.ErrorAs(t, err, &deadlock)
		require.Contains(t, deadlock.Diagnostic, "no such cursor was spawned")
	})

	t.Run("expected cursor terminated unrecorded", func(t *testing.T) {
		detector, state := detectorFixture(t)
		state.SetJoinState("fan", &JoinState{
			Gateway:  "fan",
			Expected: []string{"x"},
			Done:     map[string]bool{},
		})
		state.SetBranchState("fan/x-1", &BranchState{
			ID:            "fan/x-1",
			Status:        BranchStatusFailed,
			Gateway:       "fan",
			GatewayBranch: "x",
		})

		err := detector.Check(state)
		var deadlock *DeadlockError
		require.ErrorAs(t, err, &deadlock)
		require.Contains(t, deadlock.Diagnostic, "terminated (failed)")
	})

	t.Run("dependency already recorded done", func(t *testing.T) {
		detector, state := detectorFixture(t)
		state.SetJoinState("fan", &JoinState{
			Gateway:  "fan",
			Expected: []string{"x"},
			Done:     map[string]bool{"x": true},
		})
		require.NoError(t, detector.Check(state))
	})
}

func TestDeadlockCheckWaitForCycle(t *testing.T) {
	detector, state := detectorFixture(t)

	// Two open gateways each waiting on a live branch parked at the other:
	// join:outer -> branch at inner -> join:inner -> branch at outer.
	state.SetJoinState("outer", &JoinState{
		Gateway:  "outer",
		Expected: []string{"a"},
		Done:     map[string]bool{},
	})
	state.SetBranchState("outer/a-1", &BranchState{
		ID:            "outer/a-1",
		Status:        BranchStatusRunning,
		CurrentStep:   "inner",
		Gateway:       "outer",
		GatewayBranch: "a",
	})
	state.SetJoinState("inner", &JoinState{
		Gateway:  "inner",
		Expected: []string{"b"},
		Done:     map[string]bool{},
	})
	state.SetBranchState("inner/b-2", &BranchState{
		ID:            "inner/b-2",
		Status:        BranchStatusRunning,
		CurrentStep:   "outer",
		Gateway:       "inner",
		GatewayBranch: "b",
	})

	err := detector.Check(state)
	var deadlock *DeadlockError
	require.ErrorAs(t, err, &deadlock)
	require.Contains(t, deadlock.Diagnostic, "cycle in wait-for graph")
}
