package maestro

import (
	"context"
	"time"
)

// RelationType tags a directed edge between two executions.
type RelationType string

const (
	RelationTriggered    RelationType = "triggered"
	RelationEscalated    RelationType = "escalated"
	RelationContinuation RelationType = "continuation"
	RelationAborted      RelationType = "aborted"
)

// ExecutionRelation is a directed cause -> effect edge between two
// execution records. Relations are append-only and never mutated.
type ExecutionRelation struct {
	ID          string       `json:"id"`
	CauseID     string       `json:"cause_id"`
	EffectID    string       `json:"effect_id"`
	Type        RelationType `json:"type"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// RelationStore records cross-execution routing for audit.
type RelationStore interface {
	// AddRelation appends a relation. Existing relations are never updated.
	AddRelation(ctx context.Context, relation *ExecutionRelation) error

	// ListRelations returns all relations where executionID is the cause
	// or the effect.
	ListRelations(ctx context.Context, executionID string) ([]*ExecutionRelation, error)
}
