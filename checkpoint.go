package stateflow

import "time"

// Checkpoint is the durable snapshot of a thread's state and position.
// Exactly one checkpoint is current per thread; writing a new one supersedes
// the prior one. Sequence doubles as the optimistic version: a Put whose
// sequence is not exactly one past the stored sequence fails with a
// ConflictError.
type Checkpoint struct {
	ThreadID     string           `json:"thread_id"`
	WorkflowName string           `json:"workflow_name"`
	NodeName     string           `json:"node_name"`
	Status       Status           `json:"status"`
	State        *ExecutionState  `json:"state"`
	Sequence     int64            `json:"sequence"`
	Interrupt    *ApprovalRequest `json:"interrupt,omitempty"`
	Cancelled    bool             `json:"cancelled,omitempty"`

	// MaxNodeVisits carries the execution's configured recursion guard so a
	// resume honors the same limit the thread was started with.
	MaxNodeVisits int       `json:"max_node_visits,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Copy returns an isolated copy safe to hand across store boundaries.
func (c *Checkpoint) Copy() *Checkpoint {
	out := *c
	if c.State != nil {
		out.State = c.State.Copy()
	}
	if c.Interrupt != nil {
		req := *c.Interrupt
		out.Interrupt = &req
	}
	return &out
}

// ThreadSummary is a listing view over a thread's current checkpoint.
type ThreadSummary struct {
	ThreadID        string    `json:"thread_id"`
	WorkflowName    string    `json:"workflow_name"`
	Status          Status    `json:"status"`
	NodeName        string    `json:"node_name"`
	PendingApproval bool      `json:"pending_approval"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summary derives the listing view from a checkpoint.
func (c *Checkpoint) Summary() *ThreadSummary {
	pending := false
	if c.State != nil {
		pending = c.State.PendingApproval
	}
	return &ThreadSummary{
		ThreadID:        c.ThreadID,
		WorkflowName:    c.WorkflowName,
		Status:          c.Status,
		NodeName:        c.NodeName,
		PendingApproval: pending,
		UpdatedAt:       c.CreatedAt,
	}
}
