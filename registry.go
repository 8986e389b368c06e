package stateflow

import (
	"fmt"
	"sort"
	"sync"
)

// WorkflowSummary is the listing view of a registered workflow.
type WorkflowSummary struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Schema         Schema   `json:"declared_schema"`
	EstimatedSteps int      `json:"estimated_steps"`
}

// ListFilter narrows a registry listing. The zero value matches everything.
type ListFilter struct {
	Tag string
}

// Registry holds named workflow definitions. Registration happens at
// process start; reads are safe for concurrent use during executions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*WorkflowDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: map[string]*WorkflowDefinition{}}
}

// Register adds a definition. Registering a duplicate name is an error.
func (r *Registry) Register(def *WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name())
	}
	r.defs[def.Name()] = def
	return nil
}

// Load returns a definition by name, or a NotFoundError.
func (r *Registry) Load(name string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, &NotFoundError{Kind: "workflow", Name: name}
	}
	return def, nil
}

// Validate checks an initial state against the named workflow's schema and
// returns a fresh ExecutionState with defaults populated.
func (r *Registry) Validate(name string, initial map[string]any) (*ExecutionState, error) {
	def, err := r.Load(name)
	if err != nil {
		return nil, err
	}
	return def.ValidateState(initial)
}

// List returns summaries of registered workflows matching the filter,
// sorted by name.
func (r *Registry) List(filter ListFilter) []WorkflowSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]WorkflowSummary, 0, len(r.defs))
	for _, def := range r.defs {
		if filter.Tag != "" && !def.HasTag(filter.Tag) {
			continue
		}
		summaries = append(summaries, WorkflowSummary{
			Name:           def.Name(),
			Description:    def.Description(),
			Tags:           def.Tags(),
			Schema:         def.Schema(),
			EstimatedSteps: def.EstimatedSteps(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}
