package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStateStore persists snapshots as JSON files, one directory per
// execution. Suitable for the CLI runner and local development.
type FileStateStore struct {
	dataDir string
}

// NewFileStateStore creates a file-based state store rooted at dataDir.
func NewFileStateStore(dataDir string) (*FileStateStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".maestro", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStateStore{dataDir: dataDir}, nil
}

// SaveState writes the snapshot for its execution.
func (s *FileStateStore) SaveState(ctx context.Context, snapshot *StateSnapshot) error {
	executionDir := filepath.Join(s.dataDir, snapshot.ExecutionID)
	if err := os.MkdirAll(executionDir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// Write-then-rename keeps the latest snapshot intact if the process
	// dies mid write.
	tmpPath := filepath.Join(executionDir, "state.json.tmp")
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return os.Rename(tmpPath, filepath.Join(executionDir, "state.json"))
}

// LoadState reads the latest snapshot for an execution.
func (s *FileStateStore) LoadState(ctx context.Context, executionID string) (*StateSnapshot, error) {
	path := filepath.Join(s.dataDir, executionID, "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListExecutions returns all execution ids with a persisted snapshot.
func (s *FileStateStore) ListExecutions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
