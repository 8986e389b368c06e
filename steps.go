package stateflow

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stateflow/retry"
)

// JitterStrategy defines the jitter strategy for retry delays.
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// RetryPolicy configures retry behavior for a wrapped node.
type RetryPolicy struct {
	MaxAttempts    int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay      time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay       time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate    float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	JitterStrategy JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.BackoffRate <= 0 {
		p.BackoffRate = 2.0
	}
	return p
}

// RetryOptions configures the retry wrapper around a node.
type RetryOptions struct {
	Policy RetryPolicy

	// Classify reports whether a failure is transient (retryable). Defaults
	// to retry.IsTransient. Fatal failures short-circuit to escalation.
	Classify func(error) bool

	// EscalateTo names the node routed to when attempts are exhausted or a
	// fatal failure occurs. Empty converts the failure into Terminal(error).
	EscalateTo string
}

// WithRetry wraps a node so transient failures are retried with exponential
// backoff before the outcome is surfaced. The wrapped node's attempt count
// is recorded into state under "<node>_attempts".
func WithRetry(node NodeFunc, opts RetryOptions) NodeFunc {
	policy := opts.Policy.withDefaults()
	classify := opts.Classify
	if classify == nil {
		classify = retry.IsTransient
	}

	return func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		var outcome Outcome
		var err error
		attempts := 0

		for attempts < policy.MaxAttempts {
			attempts++
			outcome, err = node(ctx, nc)
			if err == nil {
				return recordAttempts(outcome, nc.NodeName(), attempts), nil
			}
			if !classify(err) {
				// Fatal: no point retrying.
				break
			}
			if attempts >= policy.MaxAttempts {
				break
			}
			wait := retry.Delay(attempts-1, policy.BaseDelay, policy.MaxDelay,
				policy.BackoffRate, policy.JitterStrategy == JitterFull)
			nc.Logger().Warn("node failed, retrying",
				"node", nc.NodeName(), "attempt", attempts, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		failure := fmt.Sprintf("failed after %d attempts: %v", attempts, err)
		if opts.EscalateTo != "" {
			out := Continue(opts.EscalateTo).WithError(failure)
			return recordAttempts(out, nc.NodeName(), attempts), nil
		}
		out := Terminal(StatusError).WithError(failure)
		return recordAttempts(out, nc.NodeName(), attempts), nil
	}
}

func recordAttempts(out Outcome, node string, attempts int) Outcome {
	patch := copyMap(out.patch)
	patch[node+"_attempts"] = attempts
	out.patch = patch
	return out
}

// EscalateOptions configures an escalation node.
type EscalateOptions struct {
	// Recipient receives the escalation notification.
	Recipient string

	// Reason renders the escalation reason from state. Defaults to a
	// generic message naming the node.
	Reason func(state map[string]any) string

	// Next routes execution onward after escalating. Exactly one of Next
	// and End must be set.
	Next string

	// End terminates the thread with this status after escalating.
	End Status
}

// NewEscalateNode builds a node that emits a structured notification to the
// external notification collaborator and records the escalation in state.
// It does not itself resolve the failure.
func NewEscalateNode(opts EscalateOptions) (NodeFunc, error) {
	if opts.Recipient == "" {
		return nil, fmt.Errorf("escalate: recipient required")
	}
	if (opts.Next == "") == (opts.End == "") {
		return nil, fmt.Errorf("escalate: exactly one of Next and End required")
	}
	if opts.End != "" && !opts.End.IsTerminal() {
		return nil, fmt.Errorf("escalate: %q is not a terminal status", opts.End)
	}

	return func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		reason := fmt.Sprintf("escalation raised at node %q", nc.NodeName())
		if opts.Reason != nil {
			reason = opts.Reason(nc.State())
		}
		payload := map[string]any{
			"thread_id": nc.ThreadID(),
			"node":      nc.NodeName(),
			"reason":    reason,
		}
		if nc.Notifier() == nil {
			return Outcome{}, fmt.Errorf("escalate at %q: no notifier configured", nc.NodeName())
		}
		if err := nc.Notifier().Notify(ctx, opts.Recipient, payload); err != nil {
			return Outcome{}, fmt.Errorf("escalate at %q: %w", nc.NodeName(), err)
		}

		escalations := appendToList(nc.State()["escalations"], map[string]any{
			"node":      nc.NodeName(),
			"recipient": opts.Recipient,
			"reason":    reason,
		})
		patch := map[string]any{"escalations": escalations}
		note := fmt.Sprintf("escalated to %s: %s", opts.Recipient, reason)
		if opts.Next != "" {
			return Continue(opts.Next).WithPatch(patch).WithNote(note), nil
		}
		return Terminal(opts.End).WithPatch(patch).WithNote(note), nil
	}, nil
}

// NotifyOptions configures an informational notify node.
type NotifyOptions struct {
	// Message renders the lifecycle message from state.
	Message func(state map[string]any) string

	// Next routes execution onward; notify never alters control flow beyond
	// declaring its successor. Exactly one of Next and End must be set.
	Next string

	// End terminates the thread with this status after notifying.
	End Status

	// Recipient optionally receives an external notification as well as the
	// progress event.
	Recipient string
}

// NewNotifyNode builds a node that emits an informational progress event
// (and optionally an external notification) without suspending.
func NewNotifyNode(opts NotifyOptions) (NodeFunc, error) {
	if opts.Message == nil {
		return nil, fmt.Errorf("notify: message required")
	}
	if (opts.Next == "") == (opts.End == "") {
		return nil, fmt.Errorf("notify: exactly one of Next and End required")
	}
	if opts.End != "" && !opts.End.IsTerminal() {
		return nil, fmt.Errorf("notify: %q is not a terminal status", opts.End)
	}

	return func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		message := opts.Message(nc.State())
		if opts.Recipient != "" && nc.Notifier() != nil {
			payload := map[string]any{
				"thread_id": nc.ThreadID(),
				"message":   message,
			}
			if err := nc.Notifier().Notify(ctx, opts.Recipient, payload); err != nil {
				return Outcome{}, fmt.Errorf("notify at %q: %w", nc.NodeName(), err)
			}
		}
		if opts.Next != "" {
			return Continue(opts.Next).WithNote(message), nil
		}
		return Terminal(opts.End).WithNote(message), nil
	}, nil
}

func appendToList(existing any, item any) []any {
	list, _ := existing.([]any)
	out := make([]any, len(list), len(list)+1)
	copy(out, list)
	return append(out, item)
}
