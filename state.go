package maestro

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// BranchStatus represents the current state of a branch cursor
type BranchStatus string

const (
	BranchStatusPending   BranchStatus = "pending"
	BranchStatusRunning   BranchStatus = "running"
	BranchStatusSuspended BranchStatus = "suspended"
	BranchStatusCompleted BranchStatus = "completed"
	BranchStatusFailed    BranchStatus = "failed"
)

// Terminal reports whether the branch will make no further progress on its
// own. Suspended branches are not terminal: a checkpoint resolution wakes
// them.
func (s BranchStatus) Terminal() bool {
	return s == BranchStatusCompleted || s == BranchStatusFailed
}

// BranchState tracks one branch cursor. Outside parallel regions an
// execution has exactly one of these ("main"). This struct is fully JSON
// serializable.
type BranchState struct {
	ID            string         `json:"id"`
	Status        BranchStatus   `json:"status"`
	CurrentStep   string         `json:"current_step"`
	Gateway       string         `json:"gateway,omitempty"`
	GatewayBranch string         `json:"gateway_branch,omitempty"`
	ParentBranch  string         `json:"parent_branch,omitempty"`
	CheckpointID  string         `json:"checkpoint_id,omitempty"`
	Output        any            `json:"output,omitempty"`
	StepOutputs   map[string]any `json:"step_outputs"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	StartTime     time.Time      `json:"start_time,omitzero"`
	EndTime       time.Time      `json:"end_time,omitzero"`
}

// Copy returns a shallow copy of the branch state.
func (b *BranchState) Copy() *BranchState {
	dup := *b
	dup.StepOutputs = copyMap(b.StepOutputs)
	return &dup
}

// JoinState tracks fan-in bookkeeping for one open parallel gateway.
type JoinState struct {
	Gateway      string          `json:"gateway"`
	ParentBranch string          `json:"parent_branch"`
	Expected     []string        `json:"expected"`
	Done         map[string]bool `json:"done"`
	Isolating    bool            `json:"isolating"`
}

// Copy returns a shallow copy of the join state.
func (j *JoinState) Copy() *JoinState {
	done := make(map[string]bool, len(j.Done))
	for k, v := range j.Done {
		done[k] = v
	}
	dup := *j
	dup.Done = done
	dup.Expected = append([]string(nil), j.Expected...)
	return &dup
}

// Satisfied reports whether every expected branch has reached a terminal
// state.
func (j *JoinState) Satisfied() bool {
	for _, name := range j.Expected {
		if !j.Done[name] {
			return false
		}
	}
	return true
}

// StateSnapshot is the durable, JSON-serializable form of an
// ExecutionState. The persisted copy is the source of truth across
// restarts; the in-memory ExecutionState is a cache reconciled on resume.
type StateSnapshot struct {
	ExecutionID        string                  `json:"execution_id"`
	WorkflowName       string                  `json:"workflow_name"`
	WorkflowVersion    string                  `json:"workflow_version,omitempty"`
	Status             ExecutionStatus         `json:"status"`
	Context            map[string]any          `json:"context"`
	CompletedSteps     []string                `json:"completed_steps"`
	Branches           map[string]*BranchState `json:"branches"`
	Joins              map[string]*JoinState   `json:"joins,omitempty"`
	BranchCounter      int                     `json:"branch_counter"`
	PendingCheckpoints []string                `json:"pending_checkpoints,omitempty"`
	Error              string                  `json:"error,omitempty"`
	StartTime          time.Time               `json:"start_time,omitzero"`
	EndTime            time.Time               `json:"end_time,omitzero"`
	SnapshotAt         time.Time               `json:"snapshot_at"`
}

// ExecutionState is the authoritative run record for a single execution
// while it is live in memory. All mutation is serialized behind its mutex;
// branch cursors never write it directly.
type ExecutionState struct {
	executionID        string
	workflowName       string
	workflowVersion    string
	status             ExecutionStatus
	startTime          time.Time
	endTime            time.Time
	err                string
	context            map[string]any
	completedSteps     []string
	branches           map[string]*BranchState
	joins              map[string]*JoinState
	branchCounter      int
	pendingCheckpoints []string
	mutex              sync.RWMutex
}

// newExecutionState creates the run record for a fresh execution.
func newExecutionState(executionID string, w *Workflow, initialContext map[string]any) *ExecutionState {
	ctx := copyMap(w.InitialContext())
	for k, v := range initialContext {
		ctx[k] = v
	}
	return &ExecutionState{
		executionID:     executionID,
		workflowName:    w.Name(),
		workflowVersion: w.Version(),
		status:          ExecutionStatusPending,
		context:         ctx,
		branches:        map[string]*BranchState{},
		joins:           map[string]*JoinState{},
	}
}

// ID returns the execution ID
func (s *ExecutionState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.executionID
}

// WorkflowName returns the name of the definition being executed
func (s *ExecutionState) WorkflowName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.workflowName
}

// GetStatus returns the current execution status
func (s *ExecutionState) GetStatus() ExecutionStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// SetStatus updates the execution status
func (s *ExecutionState) SetStatus(status ExecutionStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	if status != ExecutionStatusFailed {
		s.err = ""
	}
}

// SetError records the execution error and fails the execution.
func (s *ExecutionState) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err != nil {
		s.err = err.Error()
		s.status = ExecutionStatusFailed
	} else {
		s.err = ""
	}
}

// GetError returns the current execution error
func (s *ExecutionState) GetError() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.err == "" {
		return nil
	}
	return errors.New(s.err)
}

// SetTiming updates the execution timing
func (s *ExecutionState) SetTiming(startTime, endTime time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.startTime = startTime
	s.endTime = endTime
}

// GetStartTime returns the execution start time
func (s *ExecutionState) GetStartTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.startTime
}

// SetFinished records the terminal transition.
func (s *ExecutionState) SetFinished(status ExecutionStatus, endTime time.Time, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	s.endTime = endTime
	if err != nil {
		s.err = err.Error()
	}
}

// GetContext returns a copy of the accumulated context map.
func (s *ExecutionState) GetContext() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyMap(s.context)
}

// SetContextValue stores one key in the context map.
func (s *ExecutionState) SetContextValue(key string, value any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.context[key] = value
}

// MergeContext applies all given keys to the context map atomically.
// Context data is never partially applied.
func (s *ExecutionState) MergeContext(values map[string]any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for k, v := range values {
		s.context[k] = v
	}
}

// CompletedSteps returns the completed step names in completion order.
func (s *ExecutionState) CompletedSteps() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.completedSteps...)
}

// MarkStepCompleted appends a step to the audit-ordered completion list.
func (s *ExecutionState) MarkStepCompleted(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.completedSteps = append(s.completedSteps, name)
}

// GetBranchStates returns a copy of all branch cursors.
func (s *ExecutionState) GetBranchStates() map[string]*BranchState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyBranchStates(s.branches)
}

// SetBranchState stores a branch cursor.
func (s *ExecutionState) SetBranchState(id string, state *BranchState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.branches[id] = state
}

// UpdateBranchState applies fn to one branch cursor under the state lock.
func (s *ExecutionState) UpdateBranchState(id string, fn func(*BranchState)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if state, ok := s.branches[id]; ok {
		fn(state)
	}
}

// NextBranchID mints a deterministic child branch id.
func (s *ExecutionState) NextBranchID(gateway, branchName string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.branchCounter++
	return fmt.Sprintf("%s/%s-%d", gateway, branchName, s.branchCounter)
}

// GetJoinStates returns a copy of the open fan-in records.
func (s *ExecutionState) GetJoinStates() map[string]*JoinState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	joins := make(map[string]*JoinState, len(s.joins))
	for k, v := range s.joins {
		joins[k] = v.Copy()
	}
	return joins
}

// SetJoinState stores a fan-in record.
func (s *ExecutionState) SetJoinState(gateway string, join *JoinState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.joins[gateway] = join
}

// UpdateJoinState applies fn to a fan-in record under the state lock.
func (s *ExecutionState) UpdateJoinState(gateway string, fn func(*JoinState)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if join, ok := s.joins[gateway]; ok {
		fn(join)
	}
}

// DeleteJoinState removes a satisfied fan-in record.
func (s *ExecutionState) DeleteJoinState(gateway string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.joins, gateway)
}

// AddPendingCheckpoint records a checkpoint the execution is waiting on.
func (s *ExecutionState) AddPendingCheckpoint(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pendingCheckpoints = append(s.pendingCheckpoints, id)
}

// RemovePendingCheckpoint drops a resolved checkpoint id.
func (s *ExecutionState) RemovePendingCheckpoint(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	kept := s.pendingCheckpoints[:0]
	for _, pending := range s.pendingCheckpoints {
		if pending != id {
			kept = append(kept, pending)
		}
	}
	s.pendingCheckpoints = kept
}

// PendingCheckpoints returns the checkpoint ids blocking this execution.
func (s *ExecutionState) PendingCheckpoints() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.pendingCheckpoints...)
}

// FailedBranchIDs returns the ids of failed branch cursors.
func (s *ExecutionState) FailedBranchIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var ids []string
	for id, branch := range s.branches {
		if branch.Status == BranchStatusFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot captures the durable form of this state.
func (s *ExecutionState) Snapshot() *StateSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	joins := make(map[string]*JoinState, len(s.joins))
	for k, v := range s.joins {
		joins[k] = v.Copy()
	}
	return &StateSnapshot{
		ExecutionID:        s.executionID,
		WorkflowName:       s.workflowName,
		WorkflowVersion:    s.workflowVersion,
		Status:             s.status,
		Context:            copyMap(s.context),
		CompletedSteps:     append([]string(nil), s.completedSteps...),
		Branches:           copyBranchStates(s.branches),
		Joins:              joins,
		BranchCounter:      s.branchCounter,
		PendingCheckpoints: append([]string(nil), s.pendingCheckpoints...),
		Error:              s.err,
		StartTime:          s.startTime,
		EndTime:            s.endTime,
		SnapshotAt:         time.Now(),
	}
}

// Restore overwrites this state from a durable snapshot.
func (s *ExecutionState) Restore(snapshot *StateSnapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.executionID = snapshot.ExecutionID
	s.workflowName = snapshot.WorkflowName
	s.workflowVersion = snapshot.WorkflowVersion
	s.status = snapshot.Status
	s.context = copyMap(snapshot.Context)
	s.completedSteps = append([]string(nil), snapshot.CompletedSteps...)
	s.branches = copyBranchStates(snapshot.Branches)
	s.joins = make(map[string]*JoinState, len(snapshot.Joins))
	for k, v := range snapshot.Joins {
		s.joins[k] = v.Copy()
	}
	s.branchCounter = snapshot.BranchCounter
	s.pendingCheckpoints = append([]string(nil), snapshot.PendingCheckpoints...)
	s.err = snapshot.Error
	s.startTime = snapshot.StartTime
	s.endTime = snapshot.EndTime
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

// copyBranchStates creates a deep copy of a branch states map
func copyBranchStates(m map[string]*BranchState) map[string]*BranchState {
	copied := make(map[string]*BranchState, len(m))
	for k, v := range m {
		copied[k] = v.Copy()
	}
	return copied
}
