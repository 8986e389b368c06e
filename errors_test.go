package stateflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{
		Workflow: "expense_approval",
		Missing:  []string{"amount", "requester"},
		Invalid:  map[string]string{"priority": "expected number, got string"},
	}
	msg := err.Error()
	require.Contains(t, msg, "expense_approval")
	require.Contains(t, msg, "missing fields: amount, requester")
	require.Contains(t, msg, "invalid fields: priority")

	empty := &ValidationError{Workflow: "w"}
	require.Contains(t, empty.Error(), "invalid initial state")
}

func TestErrorHelpers(t *testing.T) {
	notFound := &NotFoundError{Kind: "thread", Name: "t1"}
	require.True(t, IsNotFound(notFound))
	require.True(t, IsNotFound(fmt.Errorf("wrapped: %w", notFound)))
	require.False(t, IsNotFound(fmt.Errorf("plain")))
	require.False(t, IsNotFound(nil))

	conflict := &ConflictError{ThreadID: "t1", Expected: 3, Actual: 5}
	require.True(t, IsConflict(conflict))
	require.True(t, IsConflict(fmt.Errorf("wrapped: %w", conflict)))
	require.False(t, IsConflict(notFound))
	require.Contains(t, conflict.Error(), "expected sequence 3, found 5")
}

func TestNodeExecutionErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := &NodeExecutionError{Node: "pay", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), `node "pay" failed`)
}

func TestCheckpointPersistenceErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := &CheckpointPersistenceError{Op: "put", ThreadID: "t1", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "checkpoint put failed")
	require.Contains(t, err.Error(), "t1")
}

func TestInvalidResumeErrorMessage(t *testing.T) {
	err := &InvalidResumeError{ThreadID: "t1", Reason: "thread is not suspended at an approval"}
	require.Contains(t, err.Error(), "t1")
	require.Contains(t, err.Error(), "not suspended")
}
