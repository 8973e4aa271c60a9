package maestro

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maestro-ai/maestro/script"
)

// BranchSeed names one branch a parallel gateway fans out into.
type BranchSeed struct {
	Name string
	Step string
}

// StepResult is the transient value a StepExecutor returns for one step.
type StepResult struct {
	// Output is stored into the execution context on success.
	Output any

	// Checkpoint, when set, suspends the execution until resolved.
	Checkpoint *Checkpoint

	// NextStep overrides the static successor list (decision and handoff
	// steps pick their branch dynamically).
	NextStep string

	// Branches, when set, fan the execution out into concurrent cursors.
	Branches []BranchSeed
}

// ExecContext carries everything an executor may need for one dispatch.
// All mutable state access goes through State's serialized accessors.
type ExecContext struct {
	ExecutionID  string
	BranchID     string
	Workflow     *Workflow
	State        *ExecutionState
	Handlers     *HandlerRegistry
	Agents       *CapabilityRegistry
	LLM          LLMService
	Notifier     NotificationService
	Checkpoints  CheckpointStore
	SubWorkflows SubWorkflowRunner
	Compiler     script.Compiler
	Logger       *slog.Logger
	Detector     *DeadlockDetector
}

// StepExecutor knows how to advance one category of workflow step.
type StepExecutor interface {
	Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error)
}

// ExecutorTable is the closed dispatch set: one executor per step type.
// Dispatch is a lookup, not inheritance.
type ExecutorTable map[StepType]StepExecutor

// DefaultExecutors returns the standard executor set.
func DefaultExecutors() ExecutorTable {
	return ExecutorTable{
		StepTypeTask:        &TaskExecutor{},
		StepTypeDecision:    &DecisionExecutor{},
		StepTypeApproval:    &ApprovalExecutor{},
		StepTypeParallel:    &ParallelExecutor{},
		StepTypeGroupChat:   &GroupChatExecutor{},
		StepTypeHandoff:     &HandoffExecutor{},
		StepTypeSubWorkflow: &SubWorkflowExecutor{},
	}
}

// Dispatch routes a step to its executor.
func (t ExecutorTable) Dispatch(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	executor, ok := t[step.EffectiveType()]
	if !ok {
		return nil, &FatalStepError{
			Step:    step.Name,
			Wrapped: fmt.Errorf("no executor registered for step type %q", step.EffectiveType()),
		}
	}
	return executor.Execute(ctx, step, ectx)
}

// renderParams resolves ${...} template expressions in string parameters
// against the execution context.
func renderParams(ctx context.Context, ectx *ExecContext, params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	globals := map[string]any{"context": ectx.State.GetContext()}
	rendered := make(map[string]any, len(params))
	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			rendered[key] = value
			continue
		}
		out, err := script.Render(ctx, ectx.Compiler, str, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to render parameter %q: %w", key, err)
		}
		rendered[key] = out
	}
	return rendered, nil
}
