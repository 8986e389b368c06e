package stateflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryCheckpointStore is an in-memory CheckpointStore, suitable for tests
// and for executions that do not need to survive a process restart.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore returns an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string]*Checkpoint{}}
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, &NotFoundError{Kind: "thread", Name: threadID}
	}
	return cp.Copy(), nil
}

func (s *MemoryCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if prior, ok := s.checkpoints[checkpoint.ThreadID]; ok {
		current = prior.Sequence
	}
	if checkpoint.Sequence != current+1 {
		return &ConflictError{
			ThreadID: checkpoint.ThreadID,
			Expected: checkpoint.Sequence,
			Actual:   current,
		}
	}
	s.checkpoints[checkpoint.ThreadID] = checkpoint.Copy()
	return nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, threadID)
	return nil
}

// ListThreads returns summaries of all threads, newest first.
func (s *MemoryCheckpointStore) ListThreads(ctx context.Context) ([]*ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]*ThreadSummary, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		summaries = append(summaries, cp.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
