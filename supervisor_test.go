package stateflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pausedCheckpoint(threadID string, age, timeout time.Duration) *Checkpoint {
	state := NewExecutionState(nil)
	state.PendingApproval = true
	return &Checkpoint{
		ThreadID:     threadID,
		WorkflowName: "expense_approval",
		NodeName:     "manager_gate",
		Status:       StatusPaused,
		State:        state,
		Sequence:     1,
		Interrupt: &ApprovalRequest{
			Operation:       "manager_signoff",
			RiskLevel:       RiskMedium,
			DecisionTimeout: timeout,
		},
		CreatedAt: time.Now().Add(-age),
	}
}

func TestNewSupervisorValidation(t *testing.T) {
	store := NewMemoryCheckpointStore()
	notifier := NewMemoryNotifier()

	_, err := NewSupervisor(SupervisorOptions{Notifier: notifier, Recipient: "ops"})
	require.Error(t, err)

	_, err = NewSupervisor(SupervisorOptions{Store: store, Recipient: "ops"})
	require.Error(t, err)

	_, err = NewSupervisor(SupervisorOptions{Store: store, Notifier: notifier})
	require.Error(t, err)

	_, err = NewSupervisor(SupervisorOptions{Store: store, Notifier: notifier, Recipient: "ops"})
	require.NoError(t, err)
}

func TestSupervisorEscalatesOverdueApprovals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	notifier := NewMemoryNotifier()

	require.NoError(t, store.Put(ctx, pausedCheckpoint("overdue", time.Hour, time.Minute)))
	require.NoError(t, store.Put(ctx, pausedCheckpoint("fresh", time.Second, time.Minute)))
	require.NoError(t, store.Put(ctx, pausedCheckpoint("no-timeout", time.Hour, 0)))

	supervisor, err := NewSupervisor(SupervisorOptions{
		Store:     store,
		Notifier:  notifier,
		Recipient: "approvals-oncall",
	})
	require.NoError(t, err)

	count, err := supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "approvals-oncall", sent[0].Recipient)
	require.Equal(t, "overdue", sent[0].Payload["thread_id"])
	require.Equal(t, "manager_signoff", sent[0].Payload["operation"])
}

func TestSupervisorEscalatesOncePerSuspension(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	notifier := NewMemoryNotifier()

	require.NoError(t, store.Put(ctx, pausedCheckpoint("t1", time.Hour, time.Minute)))

	supervisor, err := NewSupervisor(SupervisorOptions{
		Store:     store,
		Notifier:  notifier,
		Recipient: "ops",
	})
	require.NoError(t, err)

	count, err := supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// A second scan over the same suspension stays quiet.
	count, err = supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Len(t, notifier.Sent(), 1)

	// A fresh suspension of the same thread escalates again.
	cp := pausedCheckpoint("t1", time.Hour, time.Minute)
	cp.Sequence = 2
	require.NoError(t, store.Put(ctx, cp))

	count, err = supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSupervisorDefaultTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	notifier := NewMemoryNotifier()

	// The gate declared no window; the supervisor's default applies.
	require.NoError(t, store.Put(ctx, pausedCheckpoint("t1", time.Hour, 0)))

	supervisor, err := NewSupervisor(SupervisorOptions{
		Store:          store,
		Notifier:       notifier,
		Recipient:      "ops",
		DefaultTimeout: 10 * time.Minute,
	})
	require.NoError(t, err)

	count, err := supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSupervisorIgnoresNonPausedThreads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	notifier := NewMemoryNotifier()

	done := pausedCheckpoint("done", time.Hour, time.Minute)
	done.Status = StatusCompleted
	done.State.PendingApproval = false
	done.Interrupt = nil
	require.NoError(t, store.Put(ctx, done))

	cancelled := pausedCheckpoint("cancelled", time.Hour, time.Minute)
	cancelled.Cancelled = true
	require.NoError(t, store.Put(ctx, cancelled))

	supervisor, err := NewSupervisor(SupervisorOptions{
		Store:     store,
		Notifier:  notifier,
		Recipient: "ops",
	})
	require.NoError(t, err)

	count, err := supervisor.CheckOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Empty(t, notifier.Sent())
}
