package stateflow

import (
	"fmt"
	"sort"
)

// FieldSpec declares one field of a workflow's state schema.
type FieldSpec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Schema maps field names to their declared specs.
type Schema map[string]FieldSpec

// Options are used to configure a workflow definition.
type Options struct {
	Name        string
	Description string
	Tags        []string
	Schema      Schema
	Entry       string
	Nodes       map[string]NodeFunc
}

// WorkflowDefinition is a named graph of nodes operating over a typed state.
// Definitions are immutable once registered.
type WorkflowDefinition struct {
	name        string
	description string
	tags        []string
	schema      Schema
	entry       string
	nodes       map[string]NodeFunc
}

// NewDefinition returns a validated workflow definition.
func NewDefinition(opts Options) (*WorkflowDefinition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("workflow %q: nodes required", opts.Name)
	}
	if opts.Entry == "" {
		return nil, fmt.Errorf("workflow %q: entry node required", opts.Name)
	}
	if _, ok := opts.Nodes[opts.Entry]; !ok {
		return nil, fmt.Errorf("workflow %q: entry node %q not found", opts.Name, opts.Entry)
	}
	for name, fn := range opts.Nodes {
		if name == "" {
			return nil, fmt.Errorf("workflow %q: node name cannot be empty", opts.Name)
		}
		if fn == nil {
			return nil, fmt.Errorf("workflow %q: node %q has no function", opts.Name, name)
		}
	}
	schema := opts.Schema
	if schema == nil {
		schema = Schema{}
	}
	return &WorkflowDefinition{
		name:        opts.Name,
		description: opts.Description,
		tags:        opts.Tags,
		schema:      schema,
		entry:       opts.Entry,
		nodes:       opts.Nodes,
	}, nil
}

// Name returns the workflow name.
func (w *WorkflowDefinition) Name() string { return w.name }

// Description returns the workflow description.
func (w *WorkflowDefinition) Description() string { return w.description }

// Tags returns the workflow tags.
func (w *WorkflowDefinition) Tags() []string { return w.tags }

// Schema returns the declared state schema.
func (w *WorkflowDefinition) Schema() Schema { return w.schema }

// Entry returns the entry node name.
func (w *WorkflowDefinition) Entry() string { return w.entry }

// Node returns a node function by name.
func (w *WorkflowDefinition) Node(name string) (NodeFunc, bool) {
	fn, ok := w.nodes[name]
	return fn, ok
}

// NodeNames returns the names of all nodes, sorted.
func (w *WorkflowDefinition) NodeNames() []string {
	names := make([]string, 0, len(w.nodes))
	for name := range w.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimatedSteps returns the declared node count, used as the step estimate
// in workflow summaries.
func (w *WorkflowDefinition) EstimatedSteps() int { return len(w.nodes) }

// HasTag reports whether the definition carries the given tag.
func (w *WorkflowDefinition) HasTag(tag string) bool {
	for _, t := range w.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ValidateState checks an initial state against the declared schema,
// populating defaults for unset optional fields. It returns a fresh
// ExecutionState or a ValidationError.
func (w *WorkflowDefinition) ValidateState(initial map[string]any) (*ExecutionState, error) {
	verr := &ValidationError{Workflow: w.name, Invalid: map[string]string{}}
	fields := make(map[string]any, len(w.schema))

	names := make([]string, 0, len(w.schema))
	for name := range w.schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := w.schema[name]
		value, ok := initial[name]
		if !ok {
			if spec.Required {
				verr.Missing = append(verr.Missing, name)
				continue
			}
			fields[name] = defaultValue(spec)
			continue
		}
		if !typeMatches(spec.Type, value) {
			verr.Invalid[name] = fmt.Sprintf("expected %s, got %T", spec.Type, value)
			continue
		}
		fields[name] = value
	}
	for name, value := range initial {
		if _, declared := w.schema[name]; !declared {
			// Undeclared fields pass through untouched; the schema
			// constrains what it declares, not what else a caller carries.
			fields[name] = value
		}
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return nil, verr
	}
	return NewExecutionState(fields), nil
}

func defaultValue(spec FieldSpec) any {
	if spec.Default != nil {
		return spec.Default
	}
	switch spec.Type {
	case "list":
		return []any{}
	case "map":
		return map[string]any{}
	case "string":
		return ""
	case "number":
		return float64(0)
	case "bool":
		return false
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "list":
		switch value.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	case "map":
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}
