package maestro

import (
	"context"
)

// ParallelExecutor fans a gateway step out into concurrent branch cursors.
// The gateway is checked for unsatisfiable waits before any branch spawns;
// the state machine owns spawning and the fan-in discipline.
type ParallelExecutor struct{}

func (e *ParallelExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	if err := ectx.Detector.CheckGateway(ectx.ExecutionID, step); err != nil {
		return nil, err
	}
	seeds := make([]BranchSeed, 0, len(step.Gateway.Branches))
	for _, branch := range step.Gateway.Branches {
		seeds = append(seeds, BranchSeed{Name: branch.Name, Step: branch.Step})
	}
	return &StepResult{Branches: seeds}, nil
}
