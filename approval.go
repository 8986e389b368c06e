package stateflow

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RiskLevel classifies how sensitive a guarded operation is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// Below reports whether r ranks strictly below other. Unknown levels rank
// as high.
func (r RiskLevel) Below(other RiskLevel) bool {
	ri, ok := riskRank[r]
	if !ok {
		ri = riskRank[RiskHigh]
	}
	oi, ok := riskRank[other]
	if !ok {
		oi = riskRank[RiskHigh]
	}
	return ri < oi
}

// Decision is a human approval verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRequest describes the operation a thread is suspended on. It is
// ephemeral: it exists in the paused checkpoint and the execution result
// only while the thread is suspended.
type ApprovalRequest struct {
	Operation        string         `json:"operation"`
	Preview          string         `json:"preview"`
	Details          map[string]any `json:"details,omitempty"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	AllowedDecisions []Decision     `json:"allowed_decisions"`
	DecisionTimeout  time.Duration  `json:"decision_timeout,omitempty"`
}

// ApprovalDecision is the verdict supplied on resume. It is consumed exactly
// once per suspension.
type ApprovalDecision struct {
	ThreadID string   `json:"thread_id"`
	Decision Decision `json:"decision"`
	Comment  string   `json:"comment,omitempty"`
}

// Validate checks the decision is well formed.
func (d *ApprovalDecision) Validate() error {
	switch d.Decision {
	case DecisionApprove, DecisionReject:
		return nil
	}
	return fmt.Errorf("unknown decision %q", d.Decision)
}

// GateOptions configures an approval gate node.
type GateOptions struct {
	// Operation names the guarded operation, e.g. "create_invoice".
	Operation string

	// Preview renders a human-readable summary of what approval would allow.
	Preview func(state map[string]any) string

	// Details supplies structured request details. Optional.
	Details func(state map[string]any) map[string]any

	// Risk computes the risk level from the current state. Exactly one of
	// Risk and RiskRule must be set.
	Risk func(state map[string]any) RiskLevel

	// RiskRule is an expr expression evaluated against the workflow fields.
	// It must produce one of "low", "medium", "high".
	RiskRule string

	// AutoApproveBelow makes approval conditional: when the computed risk is
	// strictly below this level the gate continues to the approved successor
	// without suspending. Empty disables auto-approval.
	AutoApproveBelow RiskLevel

	// Approved and Rejected name the successor nodes for each verdict.
	Approved string
	Rejected string

	// ApprovedPatch and RejectedPatch optionally compute state patches
	// applied on the corresponding route.
	ApprovedPatch func(state map[string]any) map[string]any
	RejectedPatch func(state map[string]any) map[string]any

	// DecisionTimeout is an advisory wall-clock window carried on the
	// request. A supervisor may escalate suspensions older than this.
	DecisionTimeout time.Duration
}

// NewApprovalGate builds a node that suspends pending a human decision
// before its guarded operation. The gate itself never performs the
// operation: the side effect lives in the approved successor, so nothing
// mutates until a decision is recorded and durably checkpointed.
func NewApprovalGate(opts GateOptions) (NodeFunc, error) {
	if opts.Operation == "" {
		return nil, fmt.Errorf("gate operation required")
	}
	if opts.Approved == "" || opts.Rejected == "" {
		return nil, fmt.Errorf("gate %q: approved and rejected successors required", opts.Operation)
	}
	if (opts.Risk == nil) == (opts.RiskRule == "") {
		return nil, fmt.Errorf("gate %q: exactly one of Risk and RiskRule required", opts.Operation)
	}

	var program *vm.Program
	if opts.RiskRule != "" {
		var err error
		program, err = expr.Compile(opts.RiskRule)
		if err != nil {
			return nil, fmt.Errorf("gate %q: compiling risk rule: %w", opts.Operation, err)
		}
	}

	computeRisk := func(state map[string]any) (RiskLevel, error) {
		if opts.Risk != nil {
			return opts.Risk(state), nil
		}
		out, err := expr.Run(program, state)
		if err != nil {
			return "", fmt.Errorf("evaluating risk rule: %w", err)
		}
		level, ok := out.(string)
		if !ok {
			return "", fmt.Errorf("risk rule produced %T, want string", out)
		}
		switch RiskLevel(level) {
		case RiskLow, RiskMedium, RiskHigh:
			return RiskLevel(level), nil
		}
		return "", fmt.Errorf("risk rule produced unknown level %q", level)
	}

	return func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		state := nc.State()

		if decision := nc.Decision(); decision != nil {
			// Continuation: the decision has been recorded and the paused
			// checkpoint is durable, so it is safe to route.
			switch decision.Decision {
			case DecisionApprove:
				out := Continue(opts.Approved)
				if opts.ApprovedPatch != nil {
					out = out.WithPatch(opts.ApprovedPatch(state))
				}
				return out, nil
			case DecisionReject:
				reason := decision.Comment
				if reason == "" {
					reason = fmt.Sprintf("operation %q rejected", opts.Operation)
				}
				out := Continue(opts.Rejected).WithError(reason)
				if opts.RejectedPatch != nil {
					out = out.WithPatch(opts.RejectedPatch(state))
				}
				return out, nil
			}
			return Outcome{}, fmt.Errorf("gate %q: unknown decision %q", opts.Operation, decision.Decision)
		}

		risk, err := computeRisk(state)
		if err != nil {
			return Outcome{}, err
		}

		if opts.AutoApproveBelow != "" && risk.Below(opts.AutoApproveBelow) {
			out := Continue(opts.Approved).WithNote(
				fmt.Sprintf("operation %q auto-approved at %s risk", opts.Operation, risk))
			if opts.ApprovedPatch != nil {
				out = out.WithPatch(opts.ApprovedPatch(state))
			}
			return out, nil
		}

		preview := ""
		if opts.Preview != nil {
			preview = opts.Preview(state)
		}
		var details map[string]any
		if opts.Details != nil {
			details = opts.Details(state)
		}
		return Suspend(&ApprovalRequest{
			Operation:        opts.Operation,
			Preview:          preview,
			Details:          details,
			RiskLevel:        risk,
			AllowedDecisions: []Decision{DecisionApprove, DecisionReject},
			DecisionTimeout:  opts.DecisionTimeout,
		}), nil
	}, nil
}
