package stateflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// SupervisorOptions configures an approval-timeout supervisor.
type SupervisorOptions struct {
	// Store must also implement ThreadLister so paused threads can be
	// discovered.
	Store CheckpointStore

	// Notifier receives escalation notifications for overdue approvals.
	Notifier Notifier

	// Recipient receives the escalations.
	Recipient string

	// DefaultTimeout applies to gates that declared no decision timeout.
	// Zero means such gates never escalate.
	DefaultTimeout time.Duration

	// Interval between scans in Run. Defaults to one minute.
	Interval time.Duration

	Logger *slog.Logger
}

// Supervisor watches for threads suspended past their approval gate's
// decision window and escalates them through the notification collaborator.
// It never decides on the caller's behalf: an overdue approval stays paused
// until a human resumes or cancels it.
type Supervisor struct {
	store          CheckpointStore
	lister         ThreadLister
	notifier       Notifier
	recipient      string
	defaultTimeout time.Duration
	interval       time.Duration
	logger         *slog.Logger
	escalated      map[string]int64 // threadID -> checkpoint sequence already escalated
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	lister, ok := opts.Store.(ThreadLister)
	if !ok {
		return nil, fmt.Errorf("store does not support listing threads")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if opts.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		store:          opts.Store,
		lister:         lister,
		notifier:       opts.Notifier,
		recipient:      opts.Recipient,
		defaultTimeout: opts.DefaultTimeout,
		interval:       opts.Interval,
		logger:         opts.Logger,
		escalated:      map[string]int64{},
	}, nil
}

// CheckOnce scans for overdue approvals and escalates each at most once per
// suspension. It returns the number of escalations raised.
func (s *Supervisor) CheckOnce(ctx context.Context) (int, error) {
	summaries, err := s.lister.ListThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing threads: %w", err)
	}

	count := 0
	now := time.Now()
	for _, summary := range summaries {
		if summary.Status != StatusPaused || !summary.PendingApproval {
			continue
		}
		cp, err := s.store.Get(ctx, summary.ThreadID)
		if err != nil {
			s.logger.Warn("failed to load paused thread", "thread_id", summary.ThreadID, "error", err)
			continue
		}
		if cp.Interrupt == nil || cp.Cancelled {
			continue
		}
		timeout := cp.Interrupt.DecisionTimeout
		if timeout <= 0 {
			timeout = s.defaultTimeout
		}
		if timeout <= 0 || now.Sub(cp.CreatedAt) < timeout {
			continue
		}
		if s.escalated[cp.ThreadID] == cp.Sequence {
			continue
		}

		payload := map[string]any{
			"thread_id":  cp.ThreadID,
			"workflow":   cp.WorkflowName,
			"node":       cp.NodeName,
			"operation":  cp.Interrupt.Operation,
			"risk_level": string(cp.Interrupt.RiskLevel),
			"waiting":    now.Sub(cp.CreatedAt).String(),
		}
		if err := s.notifier.Notify(ctx, s.recipient, payload); err != nil {
			s.logger.Error("failed to escalate overdue approval",
				"thread_id", cp.ThreadID, "error", err)
			continue
		}
		s.escalated[cp.ThreadID] = cp.Sequence
		s.logger.Warn("escalated overdue approval",
			"thread_id", cp.ThreadID, "operation", cp.Interrupt.Operation)
		count++
	}
	return count, nil
}

// Run scans periodically until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.CheckOnce(ctx); err != nil {
				s.logger.Error("supervisor scan failed", "error", err)
			}
		}
	}
}
