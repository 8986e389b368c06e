package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testutil.StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	store, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func checkpoint(threadID string, sequence int64) *stateflow.Checkpoint {
	state := stateflow.NewExecutionState(map[string]any{"amount": float64(99)})
	state.CurrentNode = "gate"
	state.PendingApproval = true
	return &stateflow.Checkpoint{
		ThreadID:     threadID,
		WorkflowName: "expense_approval",
		NodeName:     "gate",
		Status:       stateflow.StatusPaused,
		State:        state,
		Sequence:     sequence,
		Interrupt:    &stateflow.ApprovalRequest{Operation: "manager_signoff"},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, checkpoint("rt-1", 1)))

		got, err := store.Get(ctx, "rt-1")
		require.NoError(t, err)
		require.Equal(t, "expense_approval", got.WorkflowName)
		require.Equal(t, int64(1), got.Sequence)
		require.Equal(t, float64(99), got.State.Fields["amount"])
		require.Equal(t, "manager_signoff", got.Interrupt.Operation)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		require.True(t, stateflow.IsNotFound(err))
	})

	t.Run("sequence conflict", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, checkpoint("seq-1", 1)))
		require.NoError(t, store.Put(ctx, checkpoint("seq-1", 2)))

		require.True(t, stateflow.IsConflict(store.Put(ctx, checkpoint("seq-1", 2))))
		require.True(t, stateflow.IsConflict(store.Put(ctx, checkpoint("seq-1", 9))))
		require.True(t, stateflow.IsConflict(store.Put(ctx, checkpoint("seq-2", 4))))

		got, err := store.Get(ctx, "seq-1")
		require.NoError(t, err)
		require.Equal(t, int64(2), got.Sequence)
	})

	t.Run("duplicate first write", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, checkpoint("dup-1", 1)))
		require.True(t, stateflow.IsConflict(store.Put(ctx, checkpoint("dup-1", 1))))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, checkpoint("del-1", 1)))
		require.NoError(t, store.Delete(ctx, "del-1"))
		_, err := store.Get(ctx, "del-1")
		require.True(t, stateflow.IsNotFound(err))
		require.NoError(t, store.Delete(ctx, "del-1"))
	})

	t.Run("list threads", func(t *testing.T) {
		old := checkpoint("list-a", 1)
		old.CreatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.Put(ctx, old))
		require.NoError(t, store.Put(ctx, checkpoint("list-b", 1)))

		summaries, err := store.ListThreads(ctx)
		require.NoError(t, err)

		var ids []string
		for _, s := range summaries {
			ids = append(ids, s.ThreadID)
		}
		require.Contains(t, ids, "list-a")
		require.Contains(t, ids, "list-b")
	})
}
