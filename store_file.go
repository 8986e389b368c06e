package stateflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileCheckpointStore is a file-based CheckpointStore that persists one JSON
// document per thread under a data directory. It survives process restarts
// and needs no external services, making it the default durable backend for
// the CLI.
type FileCheckpointStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileCheckpointStore creates a file-based store rooted at dataDir. An
// empty dataDir defaults to ~/.stateflow/threads.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".stateflow", "threads")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

func (s *FileCheckpointStore) path(threadID string) string {
	return filepath.Join(s.dataDir, threadID+".json")
}

func (s *FileCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(threadID)
}

func (s *FileCheckpointStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "thread", Name: threadID}
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *FileCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if prior, err := s.read(checkpoint.ThreadID); err == nil {
		current = prior.Sequence
	} else if !IsNotFound(err) {
		return err
	}
	if checkpoint.Sequence != current+1 {
		return &ConflictError{
			ThreadID: checkpoint.ThreadID,
			Expected: checkpoint.Sequence,
			Actual:   current,
		}
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Write through a temp file and rename so a crash mid-write never
	// leaves a torn checkpoint behind.
	target := s.path(checkpoint.ThreadID)
	tmp, err := os.CreateTemp(s.dataDir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(threadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// ListThreads returns summaries of all persisted threads, newest first.
func (s *FileCheckpointStore) ListThreads(ctx context.Context) ([]*ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ThreadSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	var summaries []*ThreadSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		threadID := strings.TrimSuffix(entry.Name(), ".json")
		checkpoint, err := s.read(threadID)
		if err != nil {
			// Skip threads we can't read
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
