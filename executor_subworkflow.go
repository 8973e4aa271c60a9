package maestro

import (
	"context"
	"fmt"
	"time"
)

// SubWorkflowResult is the outcome of a synchronous child execution.
type SubWorkflowResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Context     map[string]any  `json:"context,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Error       string          `json:"error,omitempty"`
}

// SubWorkflowHandle references an asynchronous child execution.
type SubWorkflowHandle struct {
	ExecutionID string `json:"execution_id"`
	Workflow    string `json:"workflow"`
}

// SubWorkflowRunner starts child executions on behalf of sub-workflow
// steps. The orchestrator implements it; executors never construct
// executions themselves.
type SubWorkflowRunner interface {
	// RunSubWorkflow runs a child synchronously and waits for a terminal
	// or suspended status.
	RunSubWorkflow(ctx context.Context, spec *SubWorkflowSpec, parentExecutionID string) (*SubWorkflowResult, error)

	// StartSubWorkflow starts a child asynchronously.
	StartSubWorkflow(ctx context.Context, spec *SubWorkflowSpec, parentExecutionID string) (*SubWorkflowHandle, error)
}

// SubWorkflowExecutor runs a registered child workflow and records a
// triggered relation from parent to child.
type SubWorkflowExecutor struct{}

func (e *SubWorkflowExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	if ectx.SubWorkflows == nil {
		return nil, &FatalStepError{Step: step.Name, Wrapped: fmt.Errorf("no sub-workflow runner configured")}
	}
	spec := step.SubWorkflow

	if spec.Sync {
		result, err := ectx.SubWorkflows.RunSubWorkflow(ctx, spec, ectx.ExecutionID)
		if err != nil {
			return nil, err
		}
		if result.Status == ExecutionStatusFailed {
			return nil, &FatalStepError{
				Step:    step.Name,
				Wrapped: fmt.Errorf("sub-workflow %s failed: %s", spec.Workflow, result.Error),
			}
		}
		if result.Status == ExecutionStatusSuspended {
			// A synchronous child that hit a checkpoint cannot be treated
			// as done; its approval gate would be silently skipped. The
			// child stays suspended and resumable under its own ID.
			return nil, &FatalStepError{
				Step: step.Name,
				Wrapped: fmt.Errorf("sub-workflow %s (execution %s) suspended awaiting checkpoint resolution",
					spec.Workflow, result.ExecutionID),
			}
		}
		return &StepResult{Output: result}, nil
	}

	handle, err := ectx.SubWorkflows.StartSubWorkflow(ctx, spec, ectx.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: handle}, nil
}
