package stateflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storeContract exercises the behavior every CheckpointStore must share.
func storeContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()

	t.Run("get missing thread", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		require.True(t, IsNotFound(err))
	})

	t.Run("put and get round trip", func(t *testing.T) {
		state := NewExecutionState(map[string]any{"amount": float64(42)})
		state.CurrentNode = "gate"
		state.PendingApproval = true
		state.recordStep("validate")

		cp := &Checkpoint{
			ThreadID:     "rt-1",
			WorkflowName: "expense_approval",
			NodeName:     "gate",
			Status:       StatusPaused,
			State:        state,
			Sequence:     1,
			Interrupt: &ApprovalRequest{
				Operation: "manager_signoff",
				RiskLevel: RiskMedium,
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.Put(ctx, cp))

		got, err := store.Get(ctx, "rt-1")
		require.NoError(t, err)
		require.Equal(t, "expense_approval", got.WorkflowName)
		require.Equal(t, StatusPaused, got.Status)
		require.Equal(t, int64(1), got.Sequence)
		require.Equal(t, "gate", got.State.CurrentNode)
		require.True(t, got.State.PendingApproval)
		require.Equal(t, []string{"validate"}, got.State.StepsCompleted)
		require.Equal(t, float64(42), got.State.Fields["amount"])
		require.NotNil(t, got.Interrupt)
		require.Equal(t, "manager_signoff", got.Interrupt.Operation)
	})

	t.Run("sequence conflict", func(t *testing.T) {
		cp := &Checkpoint{
			ThreadID: "seq-1",
			State:    NewExecutionState(nil),
			Sequence: 1,
		}
		require.NoError(t, store.Put(ctx, cp))

		next := cp.Copy()
		next.Sequence = 2
		require.NoError(t, store.Put(ctx, next))

		// Re-writing sequence 2 conflicts: the version moved on.
		stale := cp.Copy()
		stale.Sequence = 2
		err := store.Put(ctx, stale)
		require.True(t, IsConflict(err))

		// Skipping ahead conflicts too.
		ahead := cp.Copy()
		ahead.Sequence = 5
		require.True(t, IsConflict(store.Put(ctx, ahead)))

		got, err := store.Get(ctx, "seq-1")
		require.NoError(t, err)
		require.Equal(t, int64(2), got.Sequence)
	})

	t.Run("first write must be sequence one", func(t *testing.T) {
		err := store.Put(ctx, &Checkpoint{
			ThreadID: "seq-2",
			State:    NewExecutionState(nil),
			Sequence: 3,
		})
		require.True(t, IsConflict(err))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, &Checkpoint{
			ThreadID: "del-1",
			State:    NewExecutionState(nil),
			Sequence: 1,
		}))
		require.NoError(t, store.Delete(ctx, "del-1"))
		_, err := store.Get(ctx, "del-1")
		require.True(t, IsNotFound(err))

		// Deleting a missing thread is not an error.
		require.NoError(t, store.Delete(ctx, "del-1"))
	})
}

func TestMemoryCheckpointStore(t *testing.T) {
	storeContract(t, NewMemoryCheckpointStore())
}

func TestFileCheckpointStore(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	storeContract(t, store)
}

func TestMemoryCheckpointStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := NewExecutionState(map[string]any{"n": 1})
	cp := &Checkpoint{ThreadID: "iso-1", State: state, Sequence: 1}
	require.NoError(t, store.Put(ctx, cp))

	// The store holds a copy: later mutation of the caller's state must not
	// leak into the persisted checkpoint.
	state.Fields["n"] = 2
	got, err := store.Get(ctx, "iso-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.State.Fields["n"])

	// And mutating what Get returned must not alter the stored copy.
	got.State.Fields["n"] = 3
	again, err := store.Get(ctx, "iso-1")
	require.NoError(t, err)
	require.Equal(t, 1, again.State.Fields["n"])
}

func TestFileCheckpointStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, &Checkpoint{
		ThreadID:     "persist-1",
		WorkflowName: "expense_approval",
		Status:       StatusPaused,
		State:        NewExecutionState(map[string]any{"amount": float64(10)}),
		Sequence:     1,
	}))

	reopened, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "persist-1")
	require.NoError(t, err)
	require.Equal(t, "expense_approval", got.WorkflowName)
	require.Equal(t, float64(10), got.State.Fields["amount"])

	// The sequence check holds across processes.
	stale := got.Copy()
	require.True(t, IsConflict(reopened.Put(ctx, stale)))
}

func TestListThreads(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, store CheckpointStore, lister ThreadLister) {
		for i, id := range []string{"list-a", "list-b", "list-c"} {
			require.NoError(t, store.Put(ctx, &Checkpoint{
				ThreadID:     id,
				WorkflowName: "expense_approval",
				Status:       StatusPaused,
				State:        NewExecutionState(nil),
				Sequence:     1,
				CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
			}))
		}

		summaries, err := lister.ListThreads(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 3)
		// Newest first.
		require.Equal(t, "list-c", summaries[0].ThreadID)
		require.Equal(t, "list-a", summaries[2].ThreadID)
	}

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryCheckpointStore()
		run(t, store, store)
	})

	t.Run("file", func(t *testing.T) {
		store, err := NewFileCheckpointStore(t.TempDir())
		require.NoError(t, err)
		run(t, store, store)
	})
}
