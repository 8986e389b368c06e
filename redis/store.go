// Package redis provides a CheckpointStore backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/stateflow"
)

const (
	checkpointPrefix = "stateflow:checkpoint:"
	threadSetKey     = "stateflow:threads"
)

// Store is a Redis-backed checkpoint store. Each thread's checkpoint lives
// in one key; WATCH/MULTI enforces the optimistic sequence check. Records
// have no TTL: retention is an external policy, never the store's.
type Store struct {
	client *redis.Client
}

// New creates the store around an existing client. The caller owns the
// client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) key(threadID string) string {
	return checkpointPrefix + threadID
}

func (s *Store) Get(ctx context.Context, threadID string) (*stateflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &stateflow.NotFoundError{Kind: "thread", Name: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var checkpoint stateflow.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *Store) Put(ctx context.Context, checkpoint *stateflow.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	key := s.key(checkpoint.ThreadID)

	txn := func(tx *redis.Tx) error {
		var current int64
		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return fmt.Errorf("reading current checkpoint: %w", err)
		default:
			var prior stateflow.Checkpoint
			if err := json.Unmarshal(existing, &prior); err != nil {
				return fmt.Errorf("unmarshaling current checkpoint: %w", err)
			}
			current = prior.Sequence
		}
		if checkpoint.Sequence != current+1 {
			return &stateflow.ConflictError{
				ThreadID: checkpoint.ThreadID,
				Expected: checkpoint.Sequence,
				Actual:   current,
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, threadSetKey, checkpoint.ThreadID)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The key changed under us; report it as a version conflict.
		var current int64
		if latest, gerr := s.Get(ctx, checkpoint.ThreadID); gerr == nil {
			current = latest.Sequence
		}
		return &stateflow.ConflictError{
			ThreadID: checkpoint.ThreadID,
			Expected: checkpoint.Sequence,
			Actual:   current,
		}
	}
	return err
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	if err := s.client.SRem(ctx, threadSetKey, threadID).Err(); err != nil {
		return fmt.Errorf("removing thread from index: %w", err)
	}
	return nil
}

// ListThreads returns summaries of all threads known to the index.
func (s *Store) ListThreads(ctx context.Context) ([]*stateflow.ThreadSummary, error) {
	threadIDs, err := s.client.SMembers(ctx, threadSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	var summaries []*stateflow.ThreadSummary
	for _, threadID := range threadIDs {
		checkpoint, err := s.Get(ctx, threadID)
		if err != nil {
			// Skip threads deleted since the index read
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	return summaries, nil
}
