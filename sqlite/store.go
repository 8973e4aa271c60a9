// Package sqlite provides SQLite-backed implementations of the maestro
// stores: durable execution state, checkpoints, and execution relations
// in one embedded database file.
//
// It expects an *sql.DB using a SQLite driver. The caller imports the
// driver for its side effects, e.g.:
//
//	import _ "modernc.org/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maestro-ai/maestro"
)

// Store implements maestro.StateStore, maestro.CheckpointStore, and
// maestro.RelationStore on a single SQLite database.
type Store struct {
	db *sql.DB
}

var (
	_ maestro.StateStore      = (*Store)(nil)
	_ maestro.CheckpointStore = (*Store)(nil)
	_ maestro.RelationStore   = (*Store)(nil)
)

// Open opens (creating if needed) a SQLite database at path and
// initializes the schema. The "sqlite" driver must be registered.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time; keep the pool at one
	// connection to avoid SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
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
			snapshot BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			record BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_execution
			ON checkpoints (execution_id, status);
		CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			cause_id TEXT NOT NULL,
			effect_id TEXT NOT NULL,
			record BLOB NOT NULL,
			created_at TEXT NOT NULL
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`,
		snapshot.ExecutionID,
		snapshot.WorkflowName,
		string(snapshot.Status),
		record,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LoadState returns the snapshot for an execution, or maestro.ErrNotFound.
func (s *Store) LoadState(ctx context.Context, executionID string) (*maestro.StateSnapshot, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM executions WHERE id = ?`, executionID).Scan(&record)
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
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		checkpoint.ID,
		checkpoint.ExecutionID,
		string(checkpoint.Status),
		checkpoint.ExpiresAt.UTC().Format(time.RFC3339Nano),
		record,
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetCheckpoint returns a checkpoint by id, or maestro.ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*maestro.Checkpoint, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM checkpoints WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, maestro.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(record)
}

// ResolveCheckpoint applies a terminal transition atomically. The update
// is guarded on status = pending so that concurrent resolvers cannot both
// win; the loser observes zero affected rows and receives
// AlreadyResolvedError.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, resolution maestro.Resolution) (*maestro.Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var record []byte
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM checkpoints WHERE id = ?`, id).Scan(&record)
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
	result, err := tx.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, record = ?
		WHERE id = ? AND status = ?
	`, string(checkpoint.Status), updated, id, string(maestro.CheckpointPending))
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &maestro.AlreadyResolvedError{CheckpointID: id, Status: checkpoint.Status}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// ListPendingCheckpoints returns pending checkpoints ordered by creation
// time, optionally scoped to one execution.
func (s *Store) ListPendingCheckpoints(ctx context.Context, executionID string) ([]*maestro.Checkpoint, error) {
	query := `SELECT record FROM checkpoints WHERE status = ?`
	args := []any{string(maestro.CheckpointPending)}
	if executionID != "" {
		query += ` AND execution_id = ?`
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
		VALUES (?, ?, ?, ?, ?)
	`,
		relation.ID,
		relation.CauseID,
		relation.EffectID,
		record,
		relation.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListRelations returns all relations where executionID is the cause or
// the effect.
func (s *Store) ListRelations(ctx context.Context, executionID string) ([]*maestro.ExecutionRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM relations
		WHERE cause_id = ? OR effect_id = ?
		ORDER BY created_at
	`, executionID, executionID)
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
