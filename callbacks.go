package maestro

import (
	"context"
	"time"
)

// ExecutionCallbacks is the hook surface for observers (telemetry, audit,
// UIs). Callbacks run inline on the execution goroutine: keep them fast.
type ExecutionCallbacks interface {
	// Execution-level callbacks
	BeforeExecution(ctx context.Context, event *ExecutionEvent)
	AfterExecution(ctx context.Context, event *ExecutionEvent)

	// Branch-level callbacks
	BeforeBranch(ctx context.Context, event *BranchEvent)
	AfterBranch(ctx context.Context, event *BranchEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)

	// OnCheckpoint fires when an approval step raises a checkpoint.
	OnCheckpoint(ctx context.Context, checkpoint *Checkpoint)
}

// ExecutionEvent provides context for execution-level events
type ExecutionEvent struct {
	ExecutionID  string
	WorkflowName string
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Context      map[string]any
	BranchCount  int
	Error        error
}

// BranchEvent provides context for branch-level events
type BranchEvent struct {
	ExecutionID  string
	WorkflowName string
	BranchID     string
	Status       BranchStatus
	CurrentStep  string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// StepEvent provides context for step-level events
type StepEvent struct {
	ExecutionID  string
	WorkflowName string
	BranchID     string
	StepName     string
	StepType     StepType
	Attempt      int
	Result       any
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// BaseExecutionCallbacks provides a default implementation that does
// nothing. Embed it to implement only the hooks you need.
type BaseExecutionCallbacks struct{}

func (BaseExecutionCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {}
func (BaseExecutionCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent)  {}
func (BaseExecutionCallbacks) BeforeBranch(ctx context.Context, event *BranchEvent)       {}
func (BaseExecutionCallbacks) AfterBranch(ctx context.Context, event *BranchEvent)        {}
func (BaseExecutionCallbacks) BeforeStep(ctx context.Context, event *StepEvent)           {}
func (BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent)            {}
func (BaseExecutionCallbacks) OnCheckpoint(ctx context.Context, checkpoint *Checkpoint)   {}

// CallbackChain fans events out to multiple callback implementations.
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeBranch(ctx context.Context, event *BranchEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeBranch(ctx, event)
	}
}

func (c *CallbackChain) AfterBranch(ctx context.Context, event *BranchEvent) {
	for _, callback := range c.callbacks {
		callback.AfterBranch(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpoint(ctx context.Context, checkpoint *Checkpoint) {
	for _, callback := range c.callbacks {
		callback.OnCheckpoint(ctx, checkpoint)
	}
}
