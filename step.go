package maestro

import (
	"time"

	"github.com/maestro-ai/maestro/retry"
)

// StepType tags the category of a workflow step. Dispatch is a closed set:
// every type maps to exactly one StepExecutor.
type StepType string

const (
	StepTypeTask        StepType = "task"
	StepTypeDecision    StepType = "decision"
	StepTypeApproval    StepType = "approval"
	StepTypeParallel    StepType = "parallel"
	StepTypeGroupChat   StepType = "group_chat"
	StepTypeHandoff     StepType = "handoff"
	StepTypeSubWorkflow StepType = "sub_workflow"
)

// Edge is used to configure a next step in a workflow.
type Edge struct {
	Step      string `json:"step" yaml:"step"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Rate       float64       `json:"rate,omitempty" yaml:"rate,omitempty"`
	Jitter     retry.Jitter  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Backoff returns the backoff schedule for this policy.
func (p *RetryPolicy) Backoff() retry.Backoff {
	b := retry.NewBackoff()
	if p.BaseDelay > 0 {
		b.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxDelay = p.MaxDelay
	}
	if p.Rate > 1 {
		b.Rate = p.Rate
	}
	if p.Jitter != "" {
		b.Jitter = p.Jitter
	}
	return b
}

// Budget returns the retry budget, applying the default when unset.
func (p *RetryPolicy) Budget() int {
	if p == nil || p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// DefaultMaxRetries is the retry budget applied when a step declares a
// retry policy without an explicit budget.
const DefaultMaxRetries = 3

// GatewayBranch names one branch spawned by a parallel gateway.
type GatewayBranch struct {
	Name string `json:"name" yaml:"name"`
	Step string `json:"step" yaml:"step"`
}

// GatewaySpec configures a parallel gateway step: the branches it fans out
// into and the join discipline applied at fan-in.
type GatewaySpec struct {
	Branches []GatewayBranch `json:"branches" yaml:"branches"`

	// DependsOn lists the branch names the fan-in waits for. Empty means
	// all spawned branches. A name that no branch declares is a definition
	// bug the deadlock detector flags before spawning.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// ErrorIsolating records a branch failure in the aggregated output and
	// lets siblings continue. Default (false) fails the whole gateway.
	ErrorIsolating bool `json:"error_isolating,omitempty" yaml:"error_isolating,omitempty"`
}

// ApprovalSpec configures a human-in-the-loop approval step.
type ApprovalSpec struct {
	// ProposedAction is a human-readable description of what will happen
	// if the checkpoint is approved. Supports ${...} template expressions
	// over the execution context.
	ProposedAction string `json:"proposed_action" yaml:"proposed_action"`

	// ExpiresInMinutes sets the checkpoint deadline. Capped at one week.
	ExpiresInMinutes int `json:"expires_in_minutes,omitempty" yaml:"expires_in_minutes,omitempty"`
}

// SelectionPolicy picks the next speaker in a group chat round.
type SelectionPolicy string

const (
	SelectRoundRobin SelectionPolicy = "round_robin"
	SelectPriority   SelectionPolicy = "priority"
	SelectExpertise  SelectionPolicy = "expertise"
	SelectExternal   SelectionPolicy = "external"
)

// GroupChatSpec configures bounded rounds of multi-agent conversation.
type GroupChatSpec struct {
	Participants     []string        `json:"participants" yaml:"participants"`
	Topic            string          `json:"topic,omitempty" yaml:"topic,omitempty"`
	MaxRounds        int             `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty"`
	ConsensusKeyword string          `json:"consensus_keyword,omitempty" yaml:"consensus_keyword,omitempty"`
	VoteKeyword      string          `json:"vote_keyword,omitempty" yaml:"vote_keyword,omitempty"`
	Timeout          time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Selection        SelectionPolicy `json:"selection,omitempty" yaml:"selection,omitempty"`

	// Selector names the handler consulted when Selection is "external".
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// HandoffSpec configures capability-based transfer of control.
type HandoffSpec struct {
	Capability string `json:"capability" yaml:"capability"`
}

// SubWorkflowSpec configures execution of a registered child workflow.
type SubWorkflowSpec struct {
	Workflow string         `json:"workflow" yaml:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Sync     bool           `json:"sync,omitempty" yaml:"sync,omitempty"`
}

// Step represents a single step in a workflow.
type Step struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type        StepType       `json:"type,omitempty" yaml:"type,omitempty"`
	Handler     string         `json:"handler,omitempty" yaml:"handler,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Store       string         `json:"store,omitempty" yaml:"store,omitempty"`
	Next        []*Edge        `json:"next,omitempty" yaml:"next,omitempty"`
	End         bool           `json:"end,omitempty" yaml:"end,omitempty"`

	Retry       *RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	Gateway     *GatewaySpec     `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Approval    *ApprovalSpec    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Chat        *GroupChatSpec   `json:"chat,omitempty" yaml:"chat,omitempty"`
	Handoff     *HandoffSpec     `json:"handoff,omitempty" yaml:"handoff,omitempty"`
	SubWorkflow *SubWorkflowSpec `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

// EffectiveType returns the step type, defaulting to task.
func (s *Step) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeTask
	}
	return s.Type
}
