package stateflow

import "context"

// CheckpointStore is the durable key-value store of execution snapshots,
// keyed by thread ID. Implementations must support concurrent access across
// threads; per-thread write ordering is enforced by the sequence check.
type CheckpointStore interface {
	// Get returns the current checkpoint for a thread, or a NotFoundError
	// if the thread is unknown.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)

	// Put writes a checkpoint, superseding the prior one for the thread.
	// The checkpoint's sequence must be exactly one past the stored
	// sequence (or 1 for a new thread); otherwise Put fails with a
	// ConflictError and the stored checkpoint is left untouched.
	Put(ctx context.Context, checkpoint *Checkpoint) error

	// Delete removes all checkpoint data for a thread. Deleting an unknown
	// thread is a no-op.
	Delete(ctx context.Context, threadID string) error
}

// ThreadLister is an optional store capability for enumerating threads.
type ThreadLister interface {
	// ListThreads returns summaries of all known threads, newest first.
	ListThreads(ctx context.Context) ([]*ThreadSummary, error)
}
