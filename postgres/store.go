// Package postgres provides a CheckpointStore backed by PostgreSQL via
// jackc/pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepnoodle-ai/stateflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	node_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	sequence      BIGINT NOT NULL,
	cancelled     BOOLEAN NOT NULL DEFAULT FALSE,
	data          JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
`

// Store is a PostgreSQL-backed checkpoint store. The sequence column is the
// optimistic version: a stale write updates zero rows and is rejected.
type Store struct {
	pool *pgxpool.Pool
}

// New creates the store, applying the schema if needed. The caller owns the
// pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying checkpoint schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pool from a DSN and creates the store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	store, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(ctx context.Context, threadID string) (*stateflow.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &stateflow.NotFoundError{Kind: "thread", Name: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
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

	if checkpoint.Sequence == 1 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO checkpoints (thread_id, workflow_name, node_name, status, sequence, cancelled, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (thread_id) DO NOTHING`,
			checkpoint.ThreadID, checkpoint.WorkflowName, checkpoint.NodeName,
			string(checkpoint.Status), checkpoint.Sequence, checkpoint.Cancelled, data, checkpoint.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.conflict(ctx, checkpoint)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints SET
			workflow_name = $2,
			node_name     = $3,
			status        = $4,
			sequence      = $5,
			cancelled     = $6,
			data          = $7,
			updated_at    = $8
		WHERE thread_id = $1 AND sequence = $5 - 1`,
		checkpoint.ThreadID, checkpoint.WorkflowName, checkpoint.NodeName,
		string(checkpoint.Status), checkpoint.Sequence, checkpoint.Cancelled, data, checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("updating checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, checkpoint)
	}
	return nil
}

func (s *Store) conflict(ctx context.Context, checkpoint *stateflow.Checkpoint) error {
	var current int64
	err := s.pool.QueryRow(ctx,
		`SELECT sequence FROM checkpoints WHERE thread_id = $1`, checkpoint.ThreadID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("querying current sequence: %w", err)
	}
	return &stateflow.ConflictError{
		ThreadID: checkpoint.ThreadID,
		Expected: checkpoint.Sequence,
		Actual:   current,
	}
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

// ListThreads returns summaries of all threads, newest first.
func (s *Store) ListThreads(ctx context.Context) ([]*stateflow.ThreadSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var summaries []*stateflow.ThreadSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		var checkpoint stateflow.Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	return summaries, rows.Err()
}
