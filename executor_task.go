package maestro

import (
	"context"
)

// TaskExecutor runs a task step's external handler once and returns its
// output directly.
type TaskExecutor struct{}

func (e *TaskExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	handler, err := ectx.Handlers.Resolve(step)
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}
	params, err := renderParams(ctx, ectx, step.Parameters)
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}

	ctx = WithLogger(ctx, ectx.Logger)
	ctx = WithCompiler(ctx, ectx.Compiler)

	output, err := handler.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: output}, nil
}
