// Package postgres provides PostgreSQL-backed implementations of the
// maestro stores for multi-process deployments: several orchestrator
// processes can share one database, with checkpoint resolution arbitrated
// by row locks.
//
// It expects an *sql.DB using a PostgreSQL driver. The caller imports the
// driver for its side effects, e.g.:
//
//	import _ "github.com/lib/pq"
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maestro-ai/maestro"
)

// Store implements maestro.StateStore, maestro.CheckpointStore, and
// maestro.RelationStore on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var (
	_ maestro.StateStore      = (*Store)(nil)
	_ maestro.CheckpointStore = (*Store)(nil)
	_ maestro.RelationStore   = (*Store)(nil)
)

// Open connects with the given DSN and initializes the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db)
}

// New initializes the schema on an existing database handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_execution
			ON checkpoints (execution_id, status);
		CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			cause_id TEXT NOT NULL,
			effect_id TEXT NOT NULL,
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relations_cause ON relations (cause_id);
		CREATE INDEX IF NOT EXISTS idx_relations_effect ON relations (effect_id);
	`)
	return err
}

// SaveState upserts the execution snapshot.
func (s *Store) SaveState(ctx context.Context, snapshot *maestro.StateSnapshot) error {
	record, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_name, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`,
		snapshot.ExecutionID,
		snapshot.WorkflowName,
		string(snapshot.Status),
		record,
		time.Now().UTC(),
	)
	return err
}

// LoadState returns the snapshot for an execution, or maestro.ErrNotFound.
func (s *Store) LoadState(ctx context.Context, executionID string) (*maestro.StateSnapshot, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM executions WHERE id = $1`, executionID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, maestro.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snapshot maestro.StateSnapshot
	if err := json.Unmarshal(record, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListExecutions returns the IDs of all stored executions.
func (s *Store) ListExecutions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateCheckpoint persists a new pending checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, checkpoint *maestro.Checkpoint) error {
	record, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, execution_id, status, expires_at, record, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		checkpoint.ID,
		checkpoint.ExecutionID,
		string(checkpoint.Status),
		checkpoint.ExpiresAt.UTC(),
		record,
		checkpoint.CreatedAt.UTC(),
	)
	return err
}

// GetCheckpoint returns a checkpoint by id, or maestro.ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*maestro.Checkpoint, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM checkpoints WHERE id = $1`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, maestro.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(record)
}

// ResolveCheckpoint applies a terminal transition atomically. The row is
// locked for the duration of the transaction, so concurrent resolvers
// serialize and at most one observes the pending status.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, resolution maestro.Resolution) (*maestro.Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var record []byte
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM checkpoints WHERE id = $1 FOR UPDATE`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, maestro.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	checkpoint, err := decodeCheckpoint(record)
	if err != nil {
		return nil, err
	}
	if checkpoint.Status != maestro.CheckpointPending {
		return nil, &maestro.AlreadyResolvedError{CheckpointID: id, Status: checkpoint.Status}
	}
	now := time.Now()
	if resolution.Decision != maestro.DecisionExpire && checkpoint.Expired(now) {
		return nil, &maestro.ExpiredError{CheckpointID: id}
	}

	switch resolution.Decision {
	case maestro.DecisionApprove:
		checkpoint.Status = maestro.CheckpointApproved
	case maestro.DecisionReject:
		checkpoint.Status = maestro.CheckpointRejected
	default:
		checkpoint.Status = maestro.CheckpointExpired
	}
	checkpoint.Responder = resolution.Responder
	checkpoint.Feedback = resolution.Feedback
	checkpoint.RespondedAt = now

	updated, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE checkpoints SET status = $1, record = $2 WHERE id = $3
	`, string(checkpoint.Status), updated, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// ListPendingCheckpoints returns pending checkpoints ordered by creation
// time, optionally scoped to one execution.
func (s *Store) ListPendingCheckpoints(ctx context.Context, executionID string) ([]*maestro.Checkpoint, error) {
	query := `SELECT record FROM checkpoints WHERE status = $1`
	args := []any{string(maestro.CheckpointPending)}
	if executionID != "" {
		query += ` AND execution_id = $2`
		args = append(args, executionID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []*maestro.Checkpoint
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		checkpoint, err := decodeCheckpoint(record)
		if err != nil {
			return nil, err
		}
		pending = append(pending, checkpoint)
	}
	return pending, rows.Err()
}

// AddRelation appends an execution relation.
func (s *Store) AddRelation(ctx context.Context, relation *maestro.ExecutionRelation) error {
	record, err := json.Marshal(relation)
	if err != nil {
		return fmt.Errorf("failed to encode relation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relations (id, cause_id, effect_id, record, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		relation.ID,
		relation.CauseID,
		relation.EffectID,
		record,
		relation.CreatedAt.UTC(),
	)
	return err
}

// ListRelations returns all relations where executionID is the cause or
// the effect.
func (s *Store) ListRelations(ctx context.Context, executionID string) ([]*maestro.ExecutionRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM relations
		WHERE cause_id = $1 OR effect_id = $1
		ORDER BY created_at
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var relations []*maestro.ExecutionRelation
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var relation maestro.ExecutionRelation
		if err := json.Unmarshal(record, &relation); err != nil {
			return nil, fmt.Errorf("failed to decode relation: %w", err)
		}
		relations = append(relations, &relation)
	}
	return relations, rows.Err()
}

func decodeCheckpoint(record []byte) (*maestro.Checkpoint, error) {
	var checkpoint maestro.Checkpoint
	if err := json.Unmarshal(record, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}
