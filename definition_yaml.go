package stateflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Handler is the pluggable business logic behind a declarative node. It
// receives the node's static parameters from the definition file and
// returns a state patch. Routing is declared in the file, not in the
// handler.
type Handler func(ctx context.Context, nc *NodeContext, params map[string]any) (map[string]any, error)

// HandlerRegistry maps handler names used in definition files to their
// implementations.
type HandlerRegistry map[string]Handler

// fileDefinition mirrors the YAML document shape.
type fileDefinition struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tags        []string   `yaml:"tags,omitempty"`
	Schema      Schema     `yaml:"schema,omitempty"`
	Entry       string     `yaml:"entry"`
	Nodes       []fileNode `yaml:"nodes"`
}

type fileNode struct {
	Name     string         `yaml:"name"`
	Handler  string         `yaml:"handler,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
	Next     []fileEdge     `yaml:"next,omitempty"`
	End      string         `yaml:"end,omitempty"`
	Gate     *fileGate      `yaml:"gate,omitempty"`
	Retry    *RetryPolicy   `yaml:"retry,omitempty"`
	Escalate *fileEscalate  `yaml:"escalate,omitempty"`
	Notify   *fileNotify    `yaml:"notify,omitempty"`
}

type fileEdge struct {
	Node string `yaml:"node"`
	When string `yaml:"when,omitempty"`
}

type fileGate struct {
	Operation        string        `yaml:"operation"`
	Preview          string        `yaml:"preview,omitempty"` // expr producing a string
	RiskRule         string        `yaml:"risk_rule"`
	AutoApproveBelow RiskLevel     `yaml:"auto_approve_below,omitempty"`
	Approved         string        `yaml:"approved"`
	Rejected         string        `yaml:"rejected"`
	DecisionTimeout  time.Duration `yaml:"decision_timeout,omitempty"`
}

type fileEscalate struct {
	Recipient string `yaml:"recipient"`
	Reason    string `yaml:"reason,omitempty"` // expr producing a string
	Next      string `yaml:"next,omitempty"`
	End       string `yaml:"end,omitempty"`
}

type fileNotify struct {
	Message   string `yaml:"message"` // expr producing a string
	Recipient string `yaml:"recipient,omitempty"`
	Next      string `yaml:"next,omitempty"`
	End       string `yaml:"end,omitempty"`
}

// LoadDefinitionFile loads a workflow definition from a YAML file, binding
// declarative nodes to handlers from the registry.
func LoadDefinitionFile(path string, handlers HandlerRegistry) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadDefinitionString(string(data), handlers)
}

// LoadDefinitionString loads a workflow definition from YAML text.
func LoadDefinitionString(data string, handlers HandlerRegistry) (*WorkflowDefinition, error) {
	var doc fileDefinition
	if err := yaml.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}

	nodes := make(map[string]NodeFunc, len(doc.Nodes))
	for _, spec := range doc.Nodes {
		if spec.Name == "" {
			return nil, fmt.Errorf("workflow %q: node name required", doc.Name)
		}
		fn, err := buildFileNode(doc.Name, spec, handlers)
		if err != nil {
			return nil, err
		}
		nodes[spec.Name] = fn
	}

	def, err := NewDefinition(Options{
		Name:        doc.Name,
		Description: doc.Description,
		Tags:        doc.Tags,
		Schema:      doc.Schema,
		Entry:       doc.Entry,
		Nodes:       nodes,
	})
	if err != nil {
		return nil, err
	}
	// Edges can be validated statically; handler-internal routing cannot.
	for _, spec := range doc.Nodes {
		for _, edge := range spec.Next {
			if _, ok := nodes[edge.Node]; !ok {
				return nil, fmt.Errorf("workflow %q: node %q routes to unknown node %q",
					doc.Name, spec.Name, edge.Node)
			}
		}
	}
	return def, nil
}

func buildFileNode(workflow string, spec fileNode, handlers HandlerRegistry) (NodeFunc, error) {
	switch {
	case spec.Gate != nil:
		return buildFileGate(workflow, spec)
	case spec.Escalate != nil:
		return buildFileEscalate(workflow, spec)
	case spec.Notify != nil:
		return buildFileNotify(workflow, spec)
	}

	var handler Handler
	if spec.Handler != "" {
		var ok bool
		handler, ok = handlers[spec.Handler]
		if !ok {
			return nil, fmt.Errorf("workflow %q: node %q references unknown handler %q",
				workflow, spec.Name, spec.Handler)
		}
	}
	router, err := buildRouter(workflow, spec)
	if err != nil {
		return nil, err
	}

	params := spec.Params
	fn := func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		var patch map[string]any
		if handler != nil {
			var err error
			patch, err = handler(ctx, nc, params)
			if err != nil {
				return Outcome{}, err
			}
		}
		// Route against the post-patch view of the state.
		view := copyMap(nc.State())
		for k, v := range patch {
			view[k] = v
		}
		out, err := router(view)
		if err != nil {
			return Outcome{}, err
		}
		return out.WithPatch(patch), nil
	}

	if spec.Retry != nil {
		fn = WithRetry(fn, RetryOptions{Policy: *spec.Retry})
	}
	return fn, nil
}

// buildRouter compiles a node's declared edges into a routing function.
// Edges are evaluated in order; the first whose condition holds wins. A
// node with no matching edge ends the thread with its declared end status.
func buildRouter(workflow string, spec fileNode) (func(state map[string]any) (Outcome, error), error) {
	type compiledEdge struct {
		node    string
		program *vm.Program
	}
	edges := make([]compiledEdge, 0, len(spec.Next))
	for _, edge := range spec.Next {
		ce := compiledEdge{node: edge.Node}
		if edge.When != "" {
			program, err := expr.Compile(edge.When)
			if err != nil {
				return nil, fmt.Errorf("workflow %q: node %q: compiling condition %q: %w",
					workflow, spec.Name, edge.When, err)
			}
			ce.program = program
		}
		edges = append(edges, ce)
	}

	end := Status(spec.End)
	if spec.End != "" && !end.IsTerminal() {
		return nil, fmt.Errorf("workflow %q: node %q: %q is not a terminal status",
			workflow, spec.Name, spec.End)
	}
	if len(edges) == 0 && spec.End == "" {
		return nil, fmt.Errorf("workflow %q: node %q has no edges and no end status",
			workflow, spec.Name)
	}

	return func(state map[string]any) (Outcome, error) {
		for _, edge := range edges {
			if edge.program == nil {
				return Continue(edge.node), nil
			}
			out, err := expr.Run(edge.program, state)
			if err != nil {
				return Outcome{}, fmt.Errorf("node %q: evaluating edge condition: %w", spec.Name, err)
			}
			matched, ok := out.(bool)
			if !ok {
				return Outcome{}, fmt.Errorf("node %q: edge condition produced %T, want bool", spec.Name, out)
			}
			if matched {
				return Continue(edge.node), nil
			}
		}
		if spec.End != "" {
			return Terminal(end), nil
		}
		return Outcome{}, fmt.Errorf("node %q: no edge condition matched", spec.Name)
	}, nil
}

func buildFileGate(workflow string, spec fileNode) (NodeFunc, error) {
	gate := spec.Gate
	opts := GateOptions{
		Operation:        gate.Operation,
		RiskRule:         gate.RiskRule,
		AutoApproveBelow: gate.AutoApproveBelow,
		Approved:         gate.Approved,
		Rejected:         gate.Rejected,
		DecisionTimeout:  gate.DecisionTimeout,
	}
	if gate.Preview != "" {
		program, err := expr.Compile(gate.Preview)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: node %q: compiling preview: %w", workflow, spec.Name, err)
		}
		opts.Preview = func(state map[string]any) string {
			out, err := expr.Run(program, state)
			if err != nil {
				return gate.Operation
			}
			s, _ := out.(string)
			return s
		}
	}
	fn, err := NewApprovalGate(opts)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: node %q: %w", workflow, spec.Name, err)
	}
	return fn, nil
}

// fileRouting resolves a notify or escalate node's successor. The inner
// block's next/end wins; otherwise the node-level shape handler nodes use
// applies, accepting a single unconditional edge or an end status.
func fileRouting(spec fileNode, next, end string) (string, Status) {
	if next == "" && end == "" {
		if len(spec.Next) == 1 && spec.Next[0].When == "" {
			next = spec.Next[0].Node
		}
		end = spec.End
	}
	return next, Status(end)
}

func buildFileEscalate(workflow string, spec fileNode) (NodeFunc, error) {
	esc := spec.Escalate
	next, end := fileRouting(spec, esc.Next, esc.End)
	opts := EscalateOptions{
		Recipient: esc.Recipient,
		Next:      next,
		End:       end,
	}
	if esc.Reason != "" {
		program, err := expr.Compile(esc.Reason)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: node %q: compiling reason: %w", workflow, spec.Name, err)
		}
		opts.Reason = func(state map[string]any) string {
			out, err := expr.Run(program, state)
			if err != nil {
				return esc.Reason
			}
			s, _ := out.(string)
			return s
		}
	}
	fn, err := NewEscalateNode(opts)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: node %q: %w", workflow, spec.Name, err)
	}
	return fn, nil
}

func buildFileNotify(workflow string, spec fileNode) (NodeFunc, error) {
	ntf := spec.Notify
	program, err := expr.Compile(ntf.Message)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: node %q: compiling message: %w", workflow, spec.Name, err)
	}
	next, end := fileRouting(spec, ntf.Next, ntf.End)
	fn, err := NewNotifyNode(NotifyOptions{
		Recipient: ntf.Recipient,
		Next:      next,
		End:       end,
		Message: func(state map[string]any) string {
			out, err := expr.Run(program, state)
			if err != nil {
				return ntf.Message
			}
			s, _ := out.(string)
			return s
		},
	})
	if err != nil {
		return nil, fmt.Errorf("workflow %q: node %q: %w", workflow, spec.Name, err)
	}
	return fn, nil
}
