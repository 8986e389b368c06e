package stateflow

import (
	"context"
	"log/slog"
)

// NodeFunc is a single workflow step. It reads the current state through the
// NodeContext and returns an Outcome deciding what happens next. Nodes never
// mutate shared state directly: all mutation travels in the outcome's patch,
// which the engine merges after the node returns.
type NodeFunc func(ctx context.Context, nc *NodeContext) (Outcome, error)

// NodeContext carries everything a node may read during one invocation.
type NodeContext struct {
	threadID string
	node     string
	fields   map[string]any
	decision *ApprovalDecision
	logger   *slog.Logger
	docs     DocumentClient
	notifier Notifier
	session  map[string]any
}

// ThreadID returns the executing thread's ID.
func (nc *NodeContext) ThreadID() string { return nc.threadID }

// NodeName returns the name of the node being executed.
func (nc *NodeContext) NodeName() string { return nc.node }

// State returns the workflow fields visible to this invocation. The map is a
// copy; writing to it has no effect on the thread's state.
func (nc *NodeContext) State() map[string]any { return nc.fields }

// Get returns a single workflow field.
func (nc *NodeContext) Get(key string) (any, bool) {
	v, ok := nc.fields[key]
	return v, ok
}

// Decision returns the approval decision being fed into this node, or nil
// when the node is running as part of normal forward execution. It is
// non-nil exactly once per suspension, on the resume invocation.
func (nc *NodeContext) Decision() *ApprovalDecision { return nc.decision }

// Logger returns a logger scoped to the thread.
func (nc *NodeContext) Logger() *slog.Logger { return nc.logger }

// Documents returns the document-operation collaborator, or nil when none
// was configured.
func (nc *NodeContext) Documents() DocumentClient { return nc.docs }

// Notifier returns the notification collaborator, or nil when none was
// configured.
func (nc *NodeContext) Notifier() Notifier { return nc.notifier }

// Session returns the opaque identity/session context supplied by the
// caller. The engine passes it through without interpreting it.
func (nc *NodeContext) Session() map[string]any { return nc.session }

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspend
	outcomeTerminal
)

// Outcome is the closed set of results a node can produce: Continue to a
// named successor, Suspend pending an approval decision, or Terminal ending
// the thread.
type Outcome struct {
	kind    outcomeKind
	next    string
	status  Status
	patch   map[string]any
	request *ApprovalRequest
	errs    []NodeError
	notes   []string
}

// Continue routes execution to the named successor node.
func Continue(next string) Outcome {
	return Outcome{kind: outcomeContinue, next: next}
}

// Suspend pauses the thread pending a decision on the given approval
// request. The thread is checkpointed before control returns to the caller.
func Suspend(request *ApprovalRequest) Outcome {
	return Outcome{kind: outcomeSuspend, request: request}
}

// Terminal ends the thread with the given status. The status must be
// terminal (completed, rejected, error, or cancelled).
func Terminal(status Status) Outcome {
	return Outcome{kind: outcomeTerminal, status: status}
}

// WithPatch attaches a state patch the engine merges into the workflow
// fields after the node completes.
func (o Outcome) WithPatch(patch map[string]any) Outcome {
	o.patch = patch
	return o
}

// WithError records a business failure in the state's error list without
// failing the node. The engine fills in the node name.
func (o Outcome) WithError(message string) Outcome {
	o.errs = append(o.errs, NodeError{Message: message})
	return o
}

// WithNote attaches an informational message emitted as a notify progress
// event. Notes never alter control flow.
func (o Outcome) WithNote(message string) Outcome {
	o.notes = append(o.notes, message)
	return o
}

// Next returns the successor node for a Continue outcome.
func (o Outcome) Next() string { return o.next }

// Request returns the approval request for a Suspend outcome.
func (o Outcome) Request() *ApprovalRequest { return o.request }

// TerminalStatus returns the status for a Terminal outcome.
func (o Outcome) TerminalStatus() Status { return o.status }
