package maestro

import (
	"context"
	"fmt"
)

// DecisionExecutor runs a decision step: an external decision function
// picks the successor dynamically. The returned step must be one of the
// step's declared successors; anything else is a RoutingError, fatal for
// the execution.
type DecisionExecutor struct{}

func (e *DecisionExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	handler, err := ectx.Handlers.Resolve(step)
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}
	params, err := renderParams(ctx, ectx, step.Parameters)
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}
	params["context"] = ectx.State.GetContext()

	output, err := handler.Execute(WithLogger(ctx, ectx.Logger), params)
	if err != nil {
		return nil, err
	}

	target, err := decisionTarget(output)
	if err != nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: err}
	}
	for _, edge := range step.Next {
		if edge.Step == target {
			return &StepResult{Output: output, NextStep: target}, nil
		}
	}
	return nil, &RoutingError{Step: step.Name, Target: target}
}

// decisionTarget extracts the chosen successor from a decision handler's
// output: either a bare step name or a map with a "next" key.
func decisionTarget(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case map[string]any:
		if next, ok := v["next"].(string); ok {
			return next, nil
		}
	}
	return "", fmt.Errorf("decision handler returned no successor (got %T)", output)
}
