package stateflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError indicates an initial state that does not satisfy the
// workflow's declared schema. Execution is rejected before it starts.
type ValidationError struct {
	Workflow string            `json:"workflow"`
	Missing  []string          `json:"missing_fields,omitempty"`
	Invalid  map[string]string `json:"invalid_fields,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing fields: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		fields := make([]string, 0, len(e.Invalid))
		for name := range e.Invalid {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		parts = append(parts, fmt.Sprintf("invalid fields: %s", strings.Join(fields, ", ")))
	}
	if len(parts) == 0 {
		parts = append(parts, "invalid initial state")
	}
	return fmt.Sprintf("workflow %q: %s", e.Workflow, strings.Join(parts, "; "))
}

// NotFoundError indicates an unknown workflow name or an unknown thread ID.
type NotFoundError struct {
	Kind string `json:"kind"` // "workflow" or "thread"
	Name string `json:"name"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// InvalidResumeError indicates a resume call against a thread that is not
// suspended at an approval, or a malformed decision.
type InvalidResumeError struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason"`
}

func (e *InvalidResumeError) Error() string {
	return fmt.Sprintf("cannot resume thread %q: %s", e.ThreadID, e.Reason)
}

// ConflictError indicates a checkpoint write raced with another writer for
// the same thread. The stale write is rejected rather than applied.
type ConflictError struct {
	ThreadID string `json:"thread_id"`
	Expected int64  `json:"expected_sequence"`
	Actual   int64  `json:"actual_sequence"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint conflict for thread %q: expected sequence %d, found %d",
		e.ThreadID, e.Expected, e.Actual)
}

// RecursionLimitError indicates the node-visit guard tripped, protecting
// against cyclic or runaway workflow definitions.
type RecursionLimitError struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit"`
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("thread %q exceeded the maximum of %d node visits", e.ThreadID, e.Limit)
}

// NodeExecutionError wraps a business logic failure inside a node. These are
// recoverable: they are recorded into the state's error list and either
// retried, escalated, or routed to a rejection path.
type NodeExecutionError struct {
	Node string
	Err  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// CheckpointPersistenceError wraps a checkpoint store failure. These are
// fatal to the in-flight call: execution never proceeds without a durable
// checkpoint.
type CheckpointPersistenceError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *CheckpointPersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for thread %q: %v", e.Op, e.ThreadID, e.Err)
}

func (e *CheckpointPersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
