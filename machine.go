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

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Workflow       *Workflow
	InitialContext map[string]any
	ExecutionID    string
	Handlers       *HandlerRegistry
	Agents         *CapabilityRegistry
	Executors      ExecutorTable
	LLM            LLMService
	Notifier       NotificationService
	Checkpoints    CheckpointStore
	States         StateStore
	SubWorkflows   SubWorkflowRunner
	Compiler       script.Compiler
	Logger         *slog.Logger
	Callbacks      ExecutionCallbacks
}

// Execution owns the authoritative state of one workflow run and the legal
// transitions between states. While running it repeatedly dispatches the
// current step of every active branch cursor to the matching executor and
// applies the results. Branch cursors run concurrently, but every
// completion is applied to the shared state by the single event loop.
type Execution struct {
	workflow *Workflow
	state    *ExecutionState
	detector *DeadlockDetector

	executors    ExecutorTable
	handlers     *HandlerRegistry
	agents       *CapabilityRegistry
	llm          LLMService
	notifier     NotificationService
	checkpoints  CheckpointStore
	states       StateStore
	subWorkflows SubWorkflowRunner
	compiler     script.Compiler
	callbacks    ExecutionCallbacks

	// Runtime branch tracking (not persisted)
	runners map[string]struct{}
	events  chan branchEvent

	logger *slog.Logger

	mutex     sync.Mutex
	doneWg    sync.WaitGroup
	started   bool
	cancelled bool
	cancel    context.CancelFunc
}

type branchEventKind int

const (
	eventStepDone branchEventKind = iota
	eventBranchFailed
	eventBranchSuspended
	eventFanOut
)

// branchEvent reports one branch cursor transition to the event loop.
type branchEvent struct {
	kind       branchEventKind
	branchID   string
	step       *Step
	output     any
	nextStep   string
	err        error
	checkpoint *Checkpoint
	seeds      []BranchSeed

	// applied is closed once the event loop has applied the event, so a
	// runner never races ahead of its own context writes.
	applied chan struct{}
}

// NewExecution creates an execution for a workflow definition.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if opts.Handlers == nil {
		opts.Handlers = NewHandlerRegistry()
	}
	if opts.Agents == nil {
		opts.Agents = NewCapabilityRegistry()
	}
	if opts.Executors == nil {
		opts.Executors = DefaultExecutors()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointStore()
	}
	if opts.States == nil {
		opts.States = NewNullStateStore()
	}
	if opts.Notifier == nil {
		opts.Notifier = NullNotificationService{}
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
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}

	return &Execution{
		workflow:     opts.Workflow,
		state:        newExecutionState(opts.ExecutionID, opts.Workflow, opts.InitialContext),
		detector:     NewDeadlockDetector(opts.Workflow),
		executors:    opts.Executors,
		handlers:     opts.Handlers,
		agents:       opts.Agents,
		llm:          opts.LLM,
		notifier:     opts.Notifier,
		checkpoints:  opts.Checkpoints,
		states:       opts.States,
		subWorkflows: opts.SubWorkflows,
		compiler:     opts.Compiler,
		callbacks:    opts.Callbacks,
		runners:      map[string]struct{}{},
		events:       make(chan branchEvent, 100),
		logger:       opts.Logger.With("execution_id", opts.ExecutionID),
	}, nil
}

// ID returns the execution ID
func (e *Execution) ID() string {
	return e.state.ID()
}

// Status returns the current execution status
func (e *Execution) Status() ExecutionStatus {
	return e.state.GetStatus()
}

// State returns the live run record. Mutation goes through its serialized
// accessors only.
func (e *Execution) State() *ExecutionState {
	return e.state
}

// Cancel requests cooperative cancellation of the execution and all live
// branch cursors. Already-resolved checkpoints are left intact for audit.
func (e *Execution) Cancel() {
	e.mutex.Lock()
	e.cancelled = true
	cancel := e.cancel
	e.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run the execution until it completes, fails, is cancelled, or suspends
// at a checkpoint. A suspended execution returns a nil error; callers
// observe the status on the snapshot.
func (e *Execution) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	e.state.SetStatus(ExecutionStatusRunning)
	return e.run(ctx)
}

// run is the advance loop: dispatch current steps, apply results, repeat.
func (e *Execution) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mutex.Lock()
	e.cancel = cancel
	e.mutex.Unlock()

	if e.state.GetStartTime().IsZero() {
		e.state.SetTiming(time.Now(), time.Time{})
	}

	e.callbacks.BeforeExecution(ctx, &ExecutionEvent{
		ExecutionID:  e.state.ID(),
		WorkflowName: e.workflow.Name(),
		Status:       e.state.GetStatus(),
		StartTime:    e.state.GetStartTime(),
		Context:      e.state.GetContext(),
	})

	// Finalize any joins that were already satisfied when we loaded state
	// (crash between the last branch completing and the join applying).
	var executionErr error
	for gateway, join := range e.state.GetJoinStates() {
		if join.Satisfied() {
			if err := e.finalizeJoin(ctx, gateway); err != nil {
				executionErr = err
			}
		}
	}

	if len(e.runners) == 0 && executionErr == nil && !e.hasRunnableBranches() {
		// Starting fresh: create the main cursor at the entry step.
		if len(e.state.GetBranchStates()) == 0 {
			e.spawnBranch(ctx, "main", e.workflow.Start().Name, "", "", "")
		}
	}
	if executionErr == nil {
		// Resuming: restart cursors that should be running and are not
		// parked at an open gateway.
		joins := e.state.GetJoinStates()
		for id, branch := range e.state.GetBranchStates() {
			if _, live := e.runners[id]; live {
				continue
			}
			if branch.Status != BranchStatusRunning && branch.Status != BranchStatusPending {
				continue
			}
			if join, parked := joins[branch.CurrentStep]; parked && join.ParentBranch == id {
				continue
			}
			e.resumeRunner(ctx, id, branch.CurrentStep)
		}
	}

	// Apply branch events one at a time: this is the serialization point
	// for all completion-application to the shared state.
	for len(e.runners) > 0 && executionErr == nil {
		select {
		case <-ctx.Done():
			executionErr = ctx.Err()
		case event := <-e.events:
			executionErr = e.apply(ctx, event)
		}
	}
	cancel()
	e.doneWg.Wait()

	// Drain events from runners that were cancelled mid-step.
	for {
		select {
		case event := <-e.events:
			e.apply(ctx, event)
			continue
		default:
		}
		break
	}

	return e.finish(ctx, executionErr)
}

// finish computes the terminal (or suspended) status and persists it.
func (e *Execution) finish(ctx context.Context, executionErr error) error {
	e.mutex.Lock()
	cancelled := e.cancelled
	e.mutex.Unlock()

	suspended := len(e.state.PendingCheckpoints()) > 0

	var finalStatus ExecutionStatus
	finalErr := executionErr
	switch {
	case cancelled:
		finalStatus = ExecutionStatusCancelled
		finalErr = nil
	case finalErr != nil:
		finalStatus = ExecutionStatusFailed
	case suspended:
		finalStatus = ExecutionStatusSuspended
	default:
		if failed := e.state.FailedBranchIDs(); len(failed) > 0 && !e.allFailuresIsolated(failed) {
			finalStatus = ExecutionStatusFailed
			finalErr = fmt.Errorf("execution failed: branches %v", failed)
		} else {
			finalStatus = ExecutionStatusCompleted
		}
	}

	endTime := time.Now()
	if finalStatus == ExecutionStatusSuspended {
		e.state.SetStatus(ExecutionStatusSuspended)
		e.logger.Info("execution suspended",
			"pending_checkpoints", e.state.PendingCheckpoints())
	} else {
		e.state.SetFinished(finalStatus, endTime, finalErr)
		if finalErr != nil {
			e.logger.Error("execution finished", "status", finalStatus, "error", finalErr)
		} else {
			e.logger.Info("execution finished", "status", finalStatus)
		}
	}

	e.callbacks.AfterExecution(ctx, &ExecutionEvent{
		ExecutionID:  e.state.ID(),
		WorkflowName: e.workflow.Name(),
		Status:       finalStatus,
		StartTime:    e.state.GetStartTime(),
		EndTime:      endTime,
		Duration:     endTime.Sub(e.state.GetStartTime()),
		Context:      e.state.GetContext(),
		BranchCount:  len(e.state.GetBranchStates()),
		Error:        finalErr,
	})

	e.persist(ctx)

	if finalStatus == ExecutionStatusSuspended || finalStatus == ExecutionStatusCancelled {
		return nil
	}
	return finalErr
}

// allFailuresIsolated reports whether every failed branch belongs to an
// error-isolating gateway.
func (e *Execution) allFailuresIsolated(failed []string) bool {
	branches := e.state.GetBranchStates()
	for _, id := range failed {
		branch := branches[id]
		if branch == nil || branch.Gateway == "" {
			return false
		}
		gateway, ok := e.workflow.GetStep(branch.Gateway)
		if !ok || gateway.Gateway == nil || !gateway.Gateway.ErrorIsolating {
			return false
		}
	}
	return true
}

func (e *Execution) hasRunnableBranches() bool {
	for _, branch := range e.state.GetBranchStates() {
		if branch.Status == BranchStatusRunning || branch.Status == BranchStatusPending {
			return true
		}
	}
	return false
}

// spawnBranch registers a new branch cursor and starts its runner.
func (e *Execution) spawnBranch(ctx context.Context, id, stepName, gateway, gatewayBranch, parent string) {
	e.state.SetBranchState(id, &BranchState{
		ID:            id,
		Status:        BranchStatusRunning,
		CurrentStep:   stepName,
		Gateway:       gateway,
		GatewayBranch: gatewayBranch,
		ParentBranch:  parent,
		StepOutputs:   map[string]any{},
		StartTime:     time.Now(),
	})
	e.callbacks.BeforeBranch(ctx, &BranchEvent{
		ExecutionID:  e.state.ID(),
		WorkflowName: e.workflow.Name(),
		BranchID:     id,
		Status:       BranchStatusRunning,
		CurrentStep:  stepName,
		StartTime:    time.Now(),
	})
	e.resumeRunner(ctx, id, stepName)
}

// resumeRunner starts the goroutine advancing one branch cursor.
func (e *Execution) resumeRunner(ctx context.Context, id, stepName string) {
	e.runners[id] = struct{}{}
	e.doneWg.Add(1)
	go func() {
		defer e.doneWg.Done()
		e.runBranch(ctx, id, stepName)
	}()
}

// runBranch advances one cursor step by step until it completes, fails,
// suspends, or fans out. It never writes shared state directly: every
// transition is an event applied by the run loop.
func (e *Execution) runBranch(ctx context.Context, branchID, stepName string) {
	for {
		if ctx.Err() != nil {
			return
		}
		step, ok := e.workflow.GetStep(stepName)
		if !ok {
			e.send(ctx, branchEvent{
				kind:     eventBranchFailed,
				branchID: branchID,
				err:      fmt.Errorf("step %q not found in workflow", stepName),
			})
			return
		}

		result, err := e.dispatchStep(ctx, branchID, step)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.send(ctx, branchEvent{kind: eventBranchFailed, branchID: branchID, step: step, err: err})
			return
		}

		if result.Checkpoint != nil {
			e.send(ctx, branchEvent{
				kind:       eventBranchSuspended,
				branchID:   branchID,
				step:       step,
				checkpoint: result.Checkpoint,
			})
			return
		}

		if len(result.Branches) > 0 {
			e.send(ctx, branchEvent{
				kind:     eventFanOut,
				branchID: branchID,
				step:     step,
				seeds:    result.Branches,
			})
			return
		}

		next := result.NextStep
		if next == "" && !step.End {
			next, err = e.computeNext(ctx, step, result.Output)
			if err != nil {
				e.send(ctx, branchEvent{kind: eventBranchFailed, branchID: branchID, step: step, err: err})
				return
			}
		}
		if step.End {
			next = ""
		}

		applied := make(chan struct{})
		if !e.send(ctx, branchEvent{
			kind:     eventStepDone,
			branchID: branchID,
			step:     step,
			output:   result.Output,
			nextStep: next,
			applied:  applied,
		}) {
			return
		}
		select {
		case <-applied:
		case <-ctx.Done():
			return
		}

		if next == "" {
			return
		}
		stepName = next
	}
}

func (e *Execution) send(ctx context.Context, event branchEvent) bool {
	select {
	case e.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatchStep invokes the executor for one step, retrying per the step's
// declared policy with capped exponential backoff.
func (e *Execution) dispatchStep(ctx context.Context, branchID string, step *Step) (*StepResult, error) {
	ectx := &ExecContext{
		ExecutionID:  e.state.ID(),
		BranchID:     branchID,
		Workflow:     e.workflow,
		State:        e.state,
		Handlers:     e.handlers,
		Agents:       e.agents,
		LLM:          e.llm,
		Notifier:     e.notifier,
		Checkpoints:  e.checkpoints,
		SubWorkflows: e.subWorkflows,
		Compiler:     e.compiler,
		Logger:       e.logger.With("branch_id", branchID, "step", step.Name),
		Detector:     e.detector,
	}

	attempts := 1
	backoff := DefaultRetryPolicy.Backoff()
	if step.Retry != nil {
		attempts = step.Retry.Budget() + 1
		backoff = step.Retry.Backoff()
	}

	var result *StepResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		startTime := time.Now()
		event := &StepEvent{
			ExecutionID:  e.state.ID(),
			WorkflowName: e.workflow.Name(),
			BranchID:     branchID,
			StepName:     step.Name,
			StepType:     step.EffectiveType(),
			Attempt:      attempt,
			StartTime:    startTime,
		}
		e.callbacks.BeforeStep(ctx, event)

		result, err = e.executors.Dispatch(ctx, step, ectx)

		endTime := time.Now()
		event.EndTime = endTime
		event.Duration = endTime.Sub(startTime)
		event.Error = err
		if result != nil {
			event.Result = result.Output
		}
		e.callbacks.AfterStep(ctx, event)

		if err == nil {
			return result, nil
		}
		if attempt == attempts || !IsRetryable(err) {
			break
		}

		delay := backoff.Delay(attempt)
		e.logger.Warn("step failed, retrying",
			"step", step.Name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// DefaultRetryPolicy is applied when a step declares retries without any
// backoff tuning.
var DefaultRetryPolicy = &RetryPolicy{MaxRetries: DefaultMaxRetries}

// computeNext evaluates the step's successor edges in order and returns
// the first whose condition is absent or truthy.
func (e *Execution) computeNext(ctx context.Context, step *Step, output any) (string, error) {
	if len(step.Next) == 0 {
		return "", nil
	}
	var globals map[string]any
	for _, edge := range step.Next {
		if edge.Condition == "" {
			return edge.Step, nil
		}
		if globals == nil {
			globals = map[string]any{
				"context": e.state.GetContext(),
				"output":  output,
			}
		}
		code, err := e.compiler.Compile(ctx, edge.Condition)
		if err != nil {
			return "", &FatalStepError{Step: step.Name, Wrapped: fmt.Errorf("bad edge condition: %w", err)}
		}
		value, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", &FatalStepError{Step: step.Name, Wrapped: fmt.Errorf("edge condition failed: %w", err)}
		}
		if value.IsTruthy() {
			return edge.Step, nil
		}
	}
	return "", nil
}

// apply is the single writer for all branch-event transitions.
func (e *Execution) apply(ctx context.Context, event branchEvent) error {
	defer func() {
		if event.applied != nil {
			close(event.applied)
		}
	}()

	switch event.kind {
	case eventStepDone:
		return e.applyStepDone(ctx, event)
	case eventBranchSuspended:
		return e.applySuspended(ctx, event)
	case eventFanOut:
		return e.applyFanOut(ctx, event)
	case eventBranchFailed:
		return e.applyFailed(ctx, event)
	}
	return nil
}

func (e *Execution) applyStepDone(ctx context.Context, event branchEvent) error {
	step := event.step
	e.state.MarkStepCompleted(step.Name)
	if step.Store != "" {
		e.state.SetContextValue(step.Store, event.output)
	}
	e.state.UpdateBranchState(event.branchID, func(branch *BranchState) {
		branch.StepOutputs[step.Name] = event.output
		if event.nextStep != "" {
			branch.CurrentStep = event.nextStep
		}
	})

	if event.nextStep == "" {
		e.completeBranch(ctx, event.branchID, event.output)
	}
	e.persist(ctx)
	return nil
}

// completeBranch marks a cursor terminal-success and settles any fan-in
// waiting on it.
func (e *Execution) completeBranch(ctx context.Context, branchID string, output any) {
	delete(e.runners, branchID)
	endTime := time.Now()
	var gateway, gatewayBranch string
	e.state.UpdateBranchState(branchID, func(branch *BranchState) {
		branch.Status = BranchStatusCompleted
		branch.Output = output
		branch.EndTime = endTime
		gateway = branch.Gateway
		gatewayBranch = branch.GatewayBranch
	})
	e.callbacks.AfterBranch(ctx, &BranchEvent{
		ExecutionID:  e.state.ID(),
		WorkflowName: e.workflow.Name(),
		BranchID:     branchID,
		Status:       BranchStatusCompleted,
		EndTime:      endTime,
	})
	if gateway != "" {
		e.settleJoinMember(ctx, gateway, gatewayBranch)
	}
}

func (e *Execution) applySuspended(ctx context.Context, event branchEvent) error {
	delete(e.runners, event.branchID)
	checkpoint := event.checkpoint
	e.state.UpdateBranchState(event.branchID, func(branch *BranchState) {
		branch.Status = BranchStatusSuspended
		branch.CheckpointID = checkpoint.ID
	})
	e.state.AddPendingCheckpoint(checkpoint.ID)
	e.callbacks.OnCheckpoint(ctx, checkpoint)
	e.logger.Info("execution suspending at checkpoint",
		"checkpoint_id", checkpoint.ID,
		"step", event.step.Name,
		"expires_at", checkpoint.ExpiresAt)
	e.persist(ctx)
	return nil
}

func (e *Execution) applyFanOut(ctx context.Context, event branchEvent) error {
	step := event.step
	spec := step.Gateway

	expected := spec.DependsOn
	if len(expected) == 0 {
		for _, seed := range event.seeds {
			expected = append(expected, seed.Name)
		}
	}
	e.state.SetJoinState(step.Name, &JoinState{
		Gateway:      step.Name,
		ParentBranch: event.branchID,
		Expected:     expected,
		Done:         map[string]bool{},
		Isolating:    spec.ErrorIsolating,
	})

	// The parent cursor parks at the gateway until fan-in.
	delete(e.runners, event.branchID)

	for _, seed := range event.seeds {
		id := e.state.NextBranchID(step.Name, seed.Name)
		e.spawnBranch(ctx, id, seed.Step, step.Name, seed.Name, event.branchID)
	}
	e.logger.Debug("gateway fanned out", "gateway", step.Name, "branches", len(event.seeds))
	e.persist(ctx)
	return nil
}

func (e *Execution) applyFailed(ctx context.Context, event branchEvent) error {
	delete(e.runners, event.branchID)
	endTime := time.Now()
	var gateway, gatewayBranch string
	e.state.UpdateBranchState(event.branchID, func(branch *BranchState) {
		branch.Status = BranchStatusFailed
		branch.ErrorMessage = event.err.Error()
		branch.EndTime = endTime
		gateway = branch.Gateway
		gatewayBranch = branch.GatewayBranch
	})
	e.callbacks.AfterBranch(ctx, &BranchEvent{
		ExecutionID:  e.state.ID(),
		WorkflowName: e.workflow.Name(),
		BranchID:     event.branchID,
		Status:       BranchStatusFailed,
		EndTime:      endTime,
		Error:        event.err,
	})

	if gateway != "" {
		if joins := e.state.GetJoinStates(); joins[gateway] != nil && joins[gateway].Isolating {
			// Isolated: record the failure, let siblings continue.
			e.logger.Warn("branch failed, isolated by gateway policy",
				"branch_id", event.branchID, "gateway", gateway, "error", event.err)
			e.settleJoinMember(ctx, gateway, gatewayBranch)
			e.persist(ctx)
			return nil
		}
	}

	e.persist(ctx)
	return event.err
}

// settleJoinMember marks one expected branch done and finalizes the join
// when every expected branch has settled.
func (e *Execution) settleJoinMember(ctx context.Context, gateway, branchName string) {
	var satisfied bool
	e.state.UpdateJoinState(gateway, func(join *JoinState) {
		join.Done[branchName] = true
		satisfied = join.Satisfied()
	})
	if satisfied {
		if err := e.finalizeJoin(ctx, gateway); err != nil {
			e.logger.Error("fan-in failed", "gateway", gateway, "error", err)
		}
	}
}

// finalizeJoin aggregates branch outputs, completes the gateway step, and
// resumes the parent cursor past it.
func (e *Execution) finalizeJoin(ctx context.Context, gateway string) error {
	joins := e.state.GetJoinStates()
	join := joins[gateway]
	if join == nil {
		return nil
	}
	step, ok := e.workflow.GetStep(gateway)
	if !ok {
		return fmt.Errorf("gateway step %q not found", gateway)
	}

	// Aggregate branch outputs keyed by branch name. Isolated failures
	// are recorded alongside sibling results.
	aggregated := map[string]any{}
	for id, branch := range e.state.GetBranchStates() {
		if branch.Gateway != gateway {
			continue
		}
		switch branch.Status {
		case BranchStatusCompleted:
			aggregated[branch.GatewayBranch] = branch.Output
		case BranchStatusFailed:
			aggregated[branch.GatewayBranch] = map[string]any{"error": branch.ErrorMessage}
		default:
			return fmt.Errorf("fan-in of %q with non-terminal branch %s", gateway, id)
		}
	}

	storeKey := step.Store
	if storeKey == "" {
		storeKey = step.Name
	}
	e.state.SetContextValue(storeKey, aggregated)
	e.state.MarkStepCompleted(gateway)
	e.state.DeleteJoinState(gateway)
	e.state.UpdateBranchState(join.ParentBranch, func(branch *BranchState) {
		branch.StepOutputs[gateway] = aggregated
	})

	next, err := e.computeNext(ctx, step, aggregated)
	if err != nil {
		return err
	}
	if next == "" || step.End {
		e.completeBranch(ctx, join.ParentBranch, aggregated)
		return nil
	}
	e.state.UpdateBranchState(join.ParentBranch, func(branch *BranchState) {
		branch.CurrentStep = next
	})
	e.resumeRunner(ctx, join.ParentBranch, next)
	return nil
}

// persist saves a durable snapshot of the current state.
func (e *Execution) persist(ctx context.Context) {
	if err := e.states.SaveState(ctx, e.state.Snapshot()); err != nil {
		e.logger.Error("failed to persist execution state", "error", err)
	}
}
