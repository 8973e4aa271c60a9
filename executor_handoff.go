package maestro

import (
	"context"
	"fmt"
)

// HandoffResult records a completed transfer of control.
type HandoffResult struct {
	Agent      string  `json:"agent"`
	Capability string  `json:"capability"`
	Score      float64 `json:"score"`
	EntryStep  string  `json:"entry_step,omitempty"`
}

// HandoffExecutor matches the step's required capability against the
// capability registry, transfers context to the best match, and returns
// control at the matched agent's entry step.
type HandoffExecutor struct{}

func (e *HandoffExecutor) Execute(ctx context.Context, step *Step, ectx *ExecContext) (*StepResult, error) {
	capability := step.Handoff.Capability

	candidates := ectx.Agents.Match(capability)
	if len(candidates) == 0 {
		return nil, &FatalStepError{
			Step:    step.Name,
			Wrapped: fmt.Errorf("no agent declares capability %q", capability),
		}
	}
	best := candidates[0]

	result := &HandoffResult{
		Agent:      best.Agent.Name,
		Capability: capability,
		Score:      best.Score,
		EntryStep:  best.Agent.EntryStep,
	}

	// Context transfer: later steps (and the receiving agent) see who owns
	// the task now.
	ectx.State.SetContextValue("assigned_agent", best.Agent.Name)

	if best.Agent.EntryStep == "" {
		return &StepResult{Output: result}, nil
	}
	if _, ok := ectx.Workflow.GetStep(best.Agent.EntryStep); !ok {
		return nil, &FatalStepError{
			Step:    step.Name,
			Wrapped: fmt.Errorf("agent %q entry step %q not in workflow", best.Agent.Name, best.Agent.EntryStep),
		}
	}
	return &StepResult{Output: result, NextStep: best.Agent.EntryStep}, nil
}
