// Package sqlite provides a CheckpointStore backed by a SQLite database,
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stateflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	node_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	cancelled     INTEGER NOT NULL DEFAULT 0,
	data          TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
`

// Store is a SQLite-backed checkpoint store. One row holds the current
// checkpoint per thread; the sequence column carries the optimistic version.
type Store struct {
	db *sql.DB
}

// New creates the store, applying the schema if needed. The caller owns the
// *sql.DB (open it with the "sqlite" driver).
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, threadID string) (*stateflow.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stateflow.NotFoundError{Kind: "thread", Name: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	var checkpoint stateflow.Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *Store) Put(ctx context.Context, checkpoint *stateflow.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT sequence FROM checkpoints WHERE thread_id = ?`, checkpoint.ThreadID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("querying current sequence: %w", err)
	}
	if checkpoint.Sequence != current+1 {
		return &stateflow.ConflictError{
			ThreadID: checkpoint.ThreadID,
			Expected: checkpoint.Sequence,
			Actual:   current,
		}
	}

	cancelled := 0
	if checkpoint.Cancelled {
		cancelled = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, workflow_name, node_name, status, sequence, cancelled, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			node_name     = excluded.node_name,
			status        = excluded.status,
			sequence      = excluded.sequence,
			cancelled     = excluded.cancelled,
			data          = excluded.data,
			updated_at    = excluded.updated_at`,
		checkpoint.ThreadID, checkpoint.WorkflowName, checkpoint.NodeName,
		string(checkpoint.Status), checkpoint.Sequence, cancelled, string(data), checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

// ListThreads returns summaries of all threads, newest first.
func (s *Store) ListThreads(ctx context.Context) ([]*stateflow.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, updated_at FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var summaries []*stateflow.ThreadSummary
	for rows.Next() {
		var data string
		var updatedAt time.Time
		if err := rows.Scan(&data, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		var checkpoint stateflow.Checkpoint
		if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	return summaries, rows.Err()
}
