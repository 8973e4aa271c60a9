package maestro

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/script"
)

// OrchestratorOptions configures a new orchestrator.
type OrchestratorOptions struct {
	Handlers    *HandlerRegistry
	Agents      *CapabilityRegistry
	Executors   ExecutorTable
	LLM         LLMService
	Notifier    NotificationService
	Checkpoints CheckpointStore
	States      StateStore
	Relations   RelationStore
	Compiler    script.Compiler
	Logger      *slog.Logger
	Callbacks   ExecutionCallbacks
}

// Orchestrator is the entry point for running workflows. It holds the
// workflow registry, constructs executions with a shared service set,
// resolves checkpoints, and resumes suspended executions from durable
// snapshots. It also runs child executions for sub-workflow steps.
type Orchestrator struct {
	mutex     sync.RWMutex
	workflows map[string]*Workflow
	versions  map[string]map[string]*Workflow
	live      map[string]*Execution

	handlers    *HandlerRegistry
	agents      *CapabilityRegistry
	executors   ExecutorTable
	llm         LLMService
	notifier    NotificationService
	checkpoints CheckpointStore
	states      StateStore
	relations   RelationStore
	compiler    script.Compiler
	callbacks   ExecutionCallbacks
	logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator with the given services.
// Omitted stores default to in-memory implementations.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Handlers == nil {
		opts.Handlers = NewHandlerRegistry()
	}
	if opts.Agents == nil {
		opts.Agents = NewCapabilityRegistry()
	}
	if opts.Executors == nil {
		opts.Executors = DefaultExecutors()
	}
	if opts.Notifier == nil {
		opts.Notifier = NullNotificationService{}
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointStore()
	}
	if opts.States == nil {
		opts.States = NewMemoryStateStore()
	}
	if opts.Relations == nil {
		opts.Relations = NewMemoryRelationStore()
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseExecutionCallbacks{}
	}
	return &Orchestrator{
		workflows:   map[string]*Workflow{},
		versions:    map[string]map[string]*Workflow{},
		live:        map[string]*Execution{},
		handlers:    opts.Handlers,
		agents:      opts.Agents,
		executors:   opts.Executors,
		llm:         opts.LLM,
		notifier:    opts.Notifier,
		checkpoints: opts.Checkpoints,
		states:      opts.States,
		relations:   opts.Relations,
		compiler:    opts.Compiler,
		callbacks:   opts.Callbacks,
		logger:      opts.Logger,
	}
}

// RegisterWorkflow adds a workflow definition to the registry. Registering
// a new version of an existing name replaces the active definition; prior
// versions remain addressable for executions snapshotted against them.
func (o *Orchestrator) RegisterWorkflow(workflow *Workflow) error {
	if workflow == nil {
		return fmt.Errorf("workflow is required")
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()

	name := workflow.Name()
	if byVersion := o.versions[name]; byVersion != nil {
		if _, exists := byVersion[workflow.Version()]; exists {
			return fmt.Errorf("workflow %q version %q is already registered", name, workflow.Version())
		}
	}
	if previous := o.workflows[name]; previous != nil {
		diff := DiffVersions(previous, workflow)
		o.logger.Info("workflow definition updated",
			"workflow", name,
			"from_version", previous.Version(),
			"to_version", workflow.Version(),
			"steps_added", diff.Added,
			"steps_removed", diff.Removed,
			"steps_changed", diff.Changed)
	}
	o.workflows[name] = workflow
	if o.versions[name] == nil {
		o.versions[name] = map[string]*Workflow{}
	}
	o.versions[name][workflow.Version()] = workflow
	return nil
}

// GetWorkflow returns the active definition for a name.
func (o *Orchestrator) GetWorkflow(name string) (*Workflow, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	workflow, ok := o.workflows[name]
	return workflow, ok
}

// GetWorkflowVersion returns one specific registered version.
func (o *Orchestrator) GetWorkflowVersion(name, version string) (*Workflow, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	byVersion := o.versions[name]
	if byVersion == nil {
		return nil, false
	}
	workflow, ok := byVersion[version]
	return workflow, ok
}

// workflowForSnapshot returns the definition a snapshot was recorded
// against. Snapshots pin the version they ran under so that registering a
// newer version of the same name never reroutes an execution suspended
// against the old graph; the active definition is used only for snapshots
// recorded without a version.
func (o *Orchestrator) workflowForSnapshot(snapshot *StateSnapshot) (*Workflow, error) {
	if snapshot.WorkflowVersion != "" {
		workflow, ok := o.GetWorkflowVersion(snapshot.WorkflowName, snapshot.WorkflowVersion)
		if !ok {
			return nil, fmt.Errorf("workflow %q version %q is not registered: %w",
				snapshot.WorkflowName, snapshot.WorkflowVersion, ErrNotFound)
		}
		return workflow, nil
	}
	workflow, ok := o.GetWorkflow(snapshot.WorkflowName)
	if !ok {
		return nil, fmt.Errorf("workflow %q is not registered: %w", snapshot.WorkflowName, ErrNotFound)
	}
	return workflow, nil
}

func (o *Orchestrator) executionOptions(workflow *Workflow, input map[string]any) ExecutionOptions {
	return ExecutionOptions{
		Workflow:       workflow,
		InitialContext: input,
		Handlers:       o.handlers,
		Agents:         o.agents,
		Executors:      o.executors,
		LLM:            o.llm,
		Notifier:       o.notifier,
		Checkpoints:    o.checkpoints,
		States:         o.states,
		SubWorkflows:   o,
		Compiler:       o.compiler,
		Logger:         o.logger,
		Callbacks:      o.callbacks,
	}
}

func (o *Orchestrator) track(execution *Execution) {
	o.mutex.Lock()
	o.live[execution.ID()] = execution
	o.mutex.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mutex.Lock()
	delete(o.live, id)
	o.mutex.Unlock()
}

// Execute runs a workflow to a terminal or suspended status and returns
// the final state snapshot.
func (o *Orchestrator) Execute(ctx context.Context, workflowName string, input map[string]any) (*StateSnapshot, error) {
	workflow, ok := o.GetWorkflow(workflowName)
	if !ok {
		return nil, fmt.Errorf("workflow %q is not registered: %w", workflowName, ErrNotFound)
	}
	execution, err := NewExecution(o.executionOptions(workflow, input))
	if err != nil {
		return nil, err
	}
	o.track(execution)
	defer o.untrack(execution.ID())

	runErr := execution.Run(ctx)
	return execution.State().Snapshot(), runErr
}

// Resume loads a suspended execution's snapshot, reconciles its resolved
// checkpoints, and continues it. Resuming an execution that is already
// running in this process is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*StateSnapshot, error) {
	o.mutex.RLock()
	running := o.live[executionID]
	o.mutex.RUnlock()
	if running != nil {
		return running.State().Snapshot(), nil
	}

	snapshot, err := o.states.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	workflow, err := o.workflowForSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	execution, err := NewExecutionFromSnapshot(o.executionOptions(workflow, nil), snapshot)
	if err != nil {
		return nil, err
	}
	o.track(execution)
	defer o.untrack(execution.ID())

	resumeErr := execution.Resume(ctx)
	return execution.State().Snapshot(), resumeErr
}

// ResolveCheckpoint applies a terminal decision to a pending checkpoint.
// At most one resolver wins; losers receive AlreadyResolvedError. The
// execution is not resumed here: call Resume (or ResolveAndResume) next.
func (o *Orchestrator) ResolveCheckpoint(ctx context.Context, checkpointID string, resolution Resolution) (*Checkpoint, error) {
	checkpoint, err := o.checkpoints.ResolveCheckpoint(ctx, checkpointID, resolution)
	if err != nil {
		return nil, err
	}
	o.logger.Info("checkpoint resolved",
		"checkpoint_id", checkpoint.ID,
		"execution_id", checkpoint.ExecutionID,
		"status", checkpoint.Status,
		"responder", checkpoint.Responder)
	return checkpoint, nil
}

// ResolveAndResume resolves a checkpoint and immediately resumes its
// execution.
func (o *Orchestrator) ResolveAndResume(ctx context.Context, checkpointID string, resolution Resolution) (*StateSnapshot, error) {
	checkpoint, err := o.ResolveCheckpoint(ctx, checkpointID, resolution)
	if err != nil {
		return nil, err
	}
	return o.Resume(ctx, checkpoint.ExecutionID)
}

// Cancel requests cancellation of an execution. A live execution is
// cancelled cooperatively; a suspended one has its snapshot moved to the
// cancelled status directly.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mutex.RLock()
	running := o.live[executionID]
	o.mutex.RUnlock()
	if running != nil {
		running.Cancel()
		return nil
	}

	snapshot, err := o.states.LoadState(ctx, executionID)
	if err != nil {
		return err
	}
	if snapshot.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, snapshot.Status)
	}
	snapshot.Status = ExecutionStatusCancelled
	snapshot.EndTime = time.Now()
	if err := o.states.SaveState(ctx, snapshot); err != nil {
		return err
	}
	o.logger.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// GetState returns the durable snapshot of an execution.
func (o *Orchestrator) GetState(ctx context.Context, executionID string) (*StateSnapshot, error) {
	o.mutex.RLock()
	running := o.live[executionID]
	o.mutex.RUnlock()
	if running != nil {
		return running.State().Snapshot(), nil
	}
	return o.states.LoadState(ctx, executionID)
}

// ListExecutions returns the IDs of all persisted executions.
func (o *Orchestrator) ListExecutions(ctx context.Context) ([]string, error) {
	return o.states.ListExecutions(ctx)
}

// ListPendingCheckpoints returns pending checkpoints, optionally scoped
// to one execution.
func (o *Orchestrator) ListPendingCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	return o.checkpoints.ListPendingCheckpoints(ctx, executionID)
}

// ListRelations returns the audit edges touching one execution.
func (o *Orchestrator) ListRelations(ctx context.Context, executionID string) ([]*ExecutionRelation, error) {
	return o.relations.ListRelations(ctx, executionID)
}

// ExpirePendingCheckpoints sweeps pending checkpoints whose deadline has
// passed, resolves them as expired, and resumes each affected execution so
// it moves onto its failure path instead of staying suspended. It returns
// the number of checkpoints expired. Run it periodically from a scheduler.
func (o *Orchestrator) ExpirePendingCheckpoints(ctx context.Context) (int, error) {
	pending, err := o.checkpoints.ListPendingCheckpoints(ctx, "")
	if err != nil {
		return 0, err
	}
	now := time.Now()
	expired := 0
	affected := make(map[string]bool)
	for _, checkpoint := range pending {
		if !checkpoint.Expired(now) {
			continue
		}
		if _, err := o.checkpoints.ResolveCheckpoint(ctx, checkpoint.ID, Resolution{Decision: DecisionExpire}); err != nil {
			// A responder may have won the race since the list call.
			o.logger.Warn("failed to expire checkpoint",
				"checkpoint_id", checkpoint.ID, "error", err)
			continue
		}
		o.logger.Info("checkpoint expired",
			"checkpoint_id", checkpoint.ID, "execution_id", checkpoint.ExecutionID)
		affected[checkpoint.ExecutionID] = true
		expired++
	}
	for executionID := range affected {
		// Resuming an execution whose checkpoint expired fails it (or its
		// isolated branch); that failure surfaces as the resume error and
		// must not abort the sweep.
		if _, err := o.Resume(ctx, executionID); err != nil {
			o.logger.Info("execution resumed after checkpoint expiry",
				"execution_id", executionID, "error", err)
		}
	}
	return expired, nil
}

// CheckDeadlock runs the wait-for analysis against an execution's current
// snapshot. It returns a DeadlockError with a diagnostic when the
// execution can never make progress again.
func (o *Orchestrator) CheckDeadlock(ctx context.Context, executionID string) error {
	snapshot, err := o.GetState(ctx, executionID)
	if err != nil {
		return err
	}
	workflow, err := o.workflowForSnapshot(snapshot)
	if err != nil {
		return err
	}
	state := newExecutionState(snapshot.ExecutionID, workflow, nil)
	state.Restore(snapshot)
	return NewDeadlockDetector(workflow).Check(state)
}

// RunSubWorkflow runs a child execution synchronously on behalf of a
// sub-workflow step and records a triggered relation to the parent.
func (o *Orchestrator) RunSubWorkflow(ctx context.Context, spec *SubWorkflowSpec, parentExecutionID string) (*SubWorkflowResult, error) {
	execution, err := o.startChild(ctx, spec, parentExecutionID)
	if err != nil {
		return nil, err
	}
	o.track(execution)
	defer o.untrack(execution.ID())

	startTime := time.Now()
	runErr := execution.Run(ctx)
	snapshot := execution.State().Snapshot()

	result := &SubWorkflowResult{
		ExecutionID: snapshot.ExecutionID,
		Status:      snapshot.Status,
		Context:     snapshot.Context,
		Duration:    time.Since(startTime),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result, nil
}

// StartSubWorkflow starts a child execution asynchronously. The child is
// detached from the parent's step context so that parent completion does
// not cancel it.
func (o *Orchestrator) StartSubWorkflow(ctx context.Context, spec *SubWorkflowSpec, parentExecutionID string) (*SubWorkflowHandle, error) {
	execution, err := o.startChild(ctx, spec, parentExecutionID)
	if err != nil {
		return nil, err
	}
	o.track(execution)
	go func() {
		defer o.untrack(execution.ID())
		if err := execution.Run(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("async sub-workflow failed",
				"execution_id", execution.ID(),
				"workflow", spec.Workflow,
				"error", err)
		}
	}()
	return &SubWorkflowHandle{ExecutionID: execution.ID(), Workflow: spec.Workflow}, nil
}

func (o *Orchestrator) startChild(ctx context.Context, spec *SubWorkflowSpec, parentExecutionID string) (*Execution, error) {
	workflow, ok := o.GetWorkflow(spec.Workflow)
	if !ok {
		return nil, fmt.Errorf("sub-workflow %q is not registered: %w", spec.Workflow, ErrNotFound)
	}
	input := copyMap(spec.Inputs)
	input["parent_execution_id"] = parentExecutionID

	execution, err := NewExecution(o.executionOptions(workflow, input))
	if err != nil {
		return nil, err
	}
	relation := &ExecutionRelation{
		ID:          NewRelationID(),
		CauseID:     parentExecutionID,
		EffectID:    execution.ID(),
		Type:        RelationTriggered,
		Description: fmt.Sprintf("sub-workflow %s", spec.Workflow),
		CreatedAt:   time.Now(),
	}
	if err := o.relations.AddRelation(ctx, relation); err != nil {
		o.logger.Error("failed to record execution relation",
			"cause_id", parentExecutionID, "effect_id", execution.ID(), "error", err)
	}
	return execution, nil
}
