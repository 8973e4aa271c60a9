package maestro

import (
	"context"
	"sync"
	"time"
)

// StateStore persists execution state snapshots. The durable snapshot is
// the source of truth across restarts.
type StateStore interface {
	// SaveState saves the current execution state
	SaveState(ctx context.Context, snapshot *StateSnapshot) error

	// LoadState loads the latest snapshot for an execution, or ErrNotFound.
	LoadState(ctx context.Context, executionID string) (*StateSnapshot, error)

	// ListExecutions returns the ids of all persisted executions.
	ListExecutions(ctx context.Context) ([]string, error)
}

// NullStateStore is a no-op implementation
type NullStateStore struct{}

func NewNullStateStore() *NullStateStore {
	return &NullStateStore{}
}

func (s *NullStateStore) SaveState(ctx context.Context, snapshot *StateSnapshot) error {
	return nil
}

func (s *NullStateStore) LoadState(ctx context.Context, executionID string) (*StateSnapshot, error) {
	return nil, ErrNotFound
}

func (s *NullStateStore) ListExecutions(ctx context.Context) ([]string, error) {
	return nil, nil
}

// MemoryStateStore keeps snapshots in memory. Useful for tests and for
// executions that do not need durability.
type MemoryStateStore struct {
	mutex     sync.RWMutex
	snapshots map[string]*StateSnapshot
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{snapshots: map[string]*StateSnapshot{}}
}

func (s *MemoryStateStore) SaveState(ctx context.Context, snapshot *StateSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.snapshots[snapshot.ExecutionID] = snapshot
	return nil
}

func (s *MemoryStateStore) LoadState(ctx context.Context, executionID string) (*StateSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snapshot, ok := s.snapshots[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot, nil
}

func (s *MemoryStateStore) ListExecutions(ctx context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}

// MemoryCheckpointStore is an in-memory CheckpointStore. Resolution is
// atomic under the store mutex: first resolver wins.
type MemoryCheckpointStore struct {
	mutex       sync.Mutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string]*Checkpoint{}}
}

func (s *MemoryCheckpointStore) CreateCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkpoints[checkpoint.ID] = checkpoint.Copy()
	return nil
}

func (s *MemoryCheckpointStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	checkpoint, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return checkpoint.Copy(), nil
}

func (s *MemoryCheckpointStore) ResolveCheckpoint(ctx context.Context, id string, resolution Resolution) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	checkpoint, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if checkpoint.Status != CheckpointPending {
		return nil, &AlreadyResolvedError{CheckpointID: id, Status: checkpoint.Status}
	}
	now := time.Now()
	if resolution.Decision != DecisionExpire && checkpoint.Expired(now) {
		return nil, &ExpiredError{CheckpointID: id}
	}
	checkpoint.Status = statusFor(resolution.Decision)
	checkpoint.Responder = resolution.Responder
	checkpoint.Feedback = resolution.Feedback
	checkpoint.RespondedAt = now
	return checkpoint.Copy(), nil
}

func (s *MemoryCheckpointStore) ListPendingCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var pending []*Checkpoint
	for _, checkpoint := range s.checkpoints {
		if checkpoint.Status != CheckpointPending {
			continue
		}
		if executionID != "" && checkpoint.ExecutionID != executionID {
			continue
		}
		pending = append(pending, checkpoint.Copy())
	}
	return pending, nil
}

// MemoryRelationStore is an append-only in-memory RelationStore.
type MemoryRelationStore struct {
	mutex     sync.RWMutex
	relations []*ExecutionRelation
}

func NewMemoryRelationStore() *MemoryRelationStore {
	return &MemoryRelationStore{}
}

func (s *MemoryRelationStore) AddRelation(ctx context.Context, relation *ExecutionRelation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	dup := *relation
	s.relations = append(s.relations, &dup)
	return nil
}

func (s *MemoryRelationStore) ListRelations(ctx context.Context, executionID string) ([]*ExecutionRelation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var matches []*ExecutionRelation
	for _, relation := range s.relations {
		if relation.CauseID == executionID || relation.EffectID == executionID {
			dup := *relation
			matches = append(matches, &dup)
		}
	}
	return matches, nil
}
