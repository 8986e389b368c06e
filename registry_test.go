package stateflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func terminalNode(status Status) NodeFunc {
	return func(ctx context.Context, nc *NodeContext) (Outcome, error) {
		return Terminal(status), nil
	}
}

func simpleDefinition(t *testing.T, name string, tags ...string) *WorkflowDefinition {
	t.Helper()
	def, err := NewDefinition(Options{
		Name:  name,
		Tags:  tags,
		Entry: "done",
		Nodes: map[string]NodeFunc{"done": terminalNode(StatusCompleted)},
	})
	require.NoError(t, err)
	return def
}

func TestRegistryRegisterAndLoad(t *testing.T) {
	registry := NewRegistry()
	def := simpleDefinition(t, "expense_approval")
	require.NoError(t, registry.Register(def))

	loaded, err := registry.Load("expense_approval")
	require.NoError(t, err)
	require.Equal(t, def, loaded)

	t.Run("duplicate name", func(t *testing.T) {
		err := registry.Register(simpleDefinition(t, "expense_approval"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "already registered")
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := registry.Load("nope")
		require.True(t, IsNotFound(err))
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		require.Equal(t, "workflow", nf.Kind)
	})
}

func TestRegistryList(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(simpleDefinition(t, "b_flow", "finance")))
	require.NoError(t, registry.Register(simpleDefinition(t, "a_flow", "finance", "hr")))
	require.NoError(t, registry.Register(simpleDefinition(t, "c_flow")))

	all := registry.List(ListFilter{})
	require.Len(t, all, 3)
	require.Equal(t, "a_flow", all[0].Name)
	require.Equal(t, "b_flow", all[1].Name)
	require.Equal(t, "c_flow", all[2].Name)

	finance := registry.List(ListFilter{Tag: "finance"})
	require.Len(t, finance, 2)

	hr := registry.List(ListFilter{Tag: "hr"})
	require.Len(t, hr, 1)
	require.Equal(t, "a_flow", hr[0].Name)

	require.Empty(t, registry.List(ListFilter{Tag: "legal"}))
}

func TestRegistryValidate(t *testing.T) {
	registry := NewRegistry()
	def, err := NewDefinition(Options{
		Name:  "typed",
		Entry: "done",
		Schema: Schema{
			"amount":   {Type: "number", Required: true},
			"approver": {Type: "string", Default: "manager"},
			"items":    {Type: "list"},
		},
		Nodes: map[string]NodeFunc{"done": terminalNode(StatusCompleted)},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(def))

	t.Run("valid state with defaults", func(t *testing.T) {
		state, err := registry.Validate("typed", map[string]any{"amount": 100})
		require.NoError(t, err)
		require.Equal(t, 100, state.Fields["amount"])
		require.Equal(t, "manager", state.Fields["approver"])
		require.Equal(t, []any{}, state.Fields["items"])
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := registry.Validate("typed", map[string]any{})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, []string{"amount"}, verr.Missing)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := registry.Validate("typed", map[string]any{"amount": "lots"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Contains(t, verr.Invalid, "amount")
	})

	t.Run("undeclared fields pass through", func(t *testing.T) {
		state, err := registry.Validate("typed", map[string]any{"amount": 1, "extra": "kept"})
		require.NoError(t, err)
		require.Equal(t, "kept", state.Fields["extra"])
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := registry.Validate("nope", nil)
		require.True(t, IsNotFound(err))
	})
}

func TestNewDefinitionValidation(t *testing.T) {
	nodes := map[string]NodeFunc{"start": terminalNode(StatusCompleted)}

	t.Run("missing name", func(t *testing.T) {
		_, err := NewDefinition(Options{Entry: "start", Nodes: nodes})
		require.Error(t, err)
	})

	t.Run("missing nodes", func(t *testing.T) {
		_, err := NewDefinition(Options{Name: "w", Entry: "start"})
		require.Error(t, err)
	})

	t.Run("missing entry", func(t *testing.T) {
		_, err := NewDefinition(Options{Name: "w", Nodes: nodes})
		require.Error(t, err)
	})

	t.Run("entry not a node", func(t *testing.T) {
		_, err := NewDefinition(Options{Name: "w", Entry: "missing", Nodes: nodes})
		require.Error(t, err)
		require.Contains(t, err.Error(), `entry node "missing" not found`)
	})

	t.Run("nil node function", func(t *testing.T) {
		_, err := NewDefinition(Options{
			Name:  "w",
			Entry: "start",
			Nodes: map[string]NodeFunc{"start": terminalNode(StatusCompleted), "broken": nil},
		})
		require.Error(t, err)
	})
}

func TestWorkflowDefinitionAccessors(t *testing.T) {
	def, err := NewDefinition(Options{
		Name:        "invoice",
		Description: "invoice approval",
		Tags:        []string{"finance"},
		Entry:       "a",
		Nodes: map[string]NodeFunc{
			"a": terminalNode(StatusCompleted),
			"b": terminalNode(StatusCompleted),
		},
	})
	require.NoError(t, err)

	require.Equal(t, "invoice", def.Name())
	require.Equal(t, "invoice approval", def.Description())
	require.Equal(t, "a", def.Entry())
	require.Equal(t, 2, def.EstimatedSteps())
	require.Equal(t, []string{"a", "b"}, def.NodeNames())
	require.True(t, def.HasTag("finance"))
	require.False(t, def.HasTag("hr"))

	_, ok := def.Node("a")
	require.True(t, ok)
	_, ok = def.Node("z")
	require.False(t, ok)
}

func TestValidateStateTypeMatching(t *testing.T) {
	def, err := NewDefinition(Options{
		Name:  "types",
		Entry: "done",
		Schema: Schema{
			"s": {Type: "string"},
			"n": {Type: "number"},
			"b": {Type: "bool"},
			"l": {Type: "list"},
			"m": {Type: "map"},
			"a": {Type: "any"},
		},
		Nodes: map[string]NodeFunc{"done": terminalNode(StatusCompleted)},
	})
	require.NoError(t, err)

	t.Run("all types accepted", func(t *testing.T) {
		state, err := def.ValidateState(map[string]any{
			"s": "text",
			"n": 3.14,
			"b": true,
			"l": []any{"x"},
			"m": map[string]any{"k": "v"},
			"a": struct{}{},
		})
		require.NoError(t, err)
		require.Equal(t, 3.14, state.Fields["n"])
	})

	t.Run("integers count as numbers", func(t *testing.T) {
		_, err := def.ValidateState(map[string]any{"n": int64(7)})
		require.NoError(t, err)
	})

	t.Run("mismatches reported together", func(t *testing.T) {
		_, err := def.ValidateState(map[string]any{"s": 1, "b": "yes"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Len(t, verr.Invalid, 2)
	})
}
