package stateflow

// Status represents the lifecycle status of a workflow thread.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status permits no further execution.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusError, StatusCancelled:
		return true
	}
	return false
}

// NodeError records a business failure attributed to a single node.
type NodeError struct {
	Node    string `json:"node"`
	Message string `json:"message"`
}

// ExecutionState holds everything a workflow thread knows: the
// workflow-specific fields plus the control fields the engine maintains.
// It is designed to be fully JSON serializable for checkpointing.
//
// Fields are mutated only by applying node patches; the engine's routing
// logic never writes workflow fields directly.
type ExecutionState struct {
	Fields          map[string]any `json:"fields"`
	CurrentNode     string         `json:"current_node"`
	StepsCompleted  []string       `json:"steps_completed"`
	Errors          []NodeError    `json:"errors"`
	PendingApproval bool           `json:"pending_approval"`
}

// NewExecutionState returns a state initialized with the given workflow
// fields and empty control fields.
func NewExecutionState(fields map[string]any) *ExecutionState {
	return &ExecutionState{
		Fields:         copyMap(fields),
		StepsCompleted: []string{},
		Errors:         []NodeError{},
	}
}

// Copy returns a deep enough copy for checkpoint isolation: the field map,
// step list, and error list are copied; field values are shared.
func (s *ExecutionState) Copy() *ExecutionState {
	steps := make([]string, len(s.StepsCompleted))
	copy(steps, s.StepsCompleted)
	errs := make([]NodeError, len(s.Errors))
	copy(errs, s.Errors)
	return &ExecutionState{
		Fields:          copyMap(s.Fields),
		CurrentNode:     s.CurrentNode,
		StepsCompleted:  steps,
		Errors:          errs,
		PendingApproval: s.PendingApproval,
	}
}

// Apply merges a node's state patch into the workflow fields.
func (s *ExecutionState) Apply(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	for k, v := range patch {
		s.Fields[k] = v
	}
}

// recordStep appends a completed node name. StepsCompleted is append-only.
func (s *ExecutionState) recordStep(node string) {
	s.StepsCompleted = append(s.StepsCompleted, node)
}

// recordError appends a node failure to the error list.
func (s *ExecutionState) recordError(node, message string) {
	s.Errors = append(s.Errors, NodeError{Node: node, Message: message})
}

// Get returns a workflow field value.
func (s *ExecutionState) Get(key string) (any, bool) {
	v, ok := s.Fields[key]
	return v, ok
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
