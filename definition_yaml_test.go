package stateflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const purchaseYAML = `
name: purchase_approval
description: Purchase requests above the threshold need a sign-off.
tags: [finance]
schema:
  amount:
    type: number
    required: true
  approved:
    type: bool
    default: false
entry: classify
nodes:
  - name: classify
    handler: set
    params:
      classified: true
    next:
      - node: small_purchase
        when: amount < 100
      - node: approval_gate
  - name: small_purchase
    handler: set
    params:
      approved: true
    end: completed
  - name: approval_gate
    gate:
      operation: purchase_signoff
      preview: '"purchase for " + string(amount)'
      risk_rule: 'amount > 10000 ? "high" : "medium"'
      approved: record
      rejected: declined
  - name: record
    handler: set
    params:
      approved: true
    next:
      - node: announce
  - name: announce
    notify:
      message: '"purchase of " + string(amount) + " approved"'
    end: completed
  - name: declined
    end: rejected
`

func testHandlers() HandlerRegistry {
	return HandlerRegistry{
		"set": func(ctx context.Context, nc *NodeContext, params map[string]any) (map[string]any, error) {
			return params, nil
		},
	}
}

func TestLoadDefinitionString(t *testing.T) {
	def, err := LoadDefinitionString(purchaseYAML, testHandlers())
	require.NoError(t, err)
	require.Equal(t, "purchase_approval", def.Name())
	require.Equal(t, "classify", def.Entry())
	require.True(t, def.HasTag("finance"))
	require.Equal(t, 6, def.EstimatedSteps())
	require.Equal(t, "number", def.Schema()["amount"].Type)
}

func TestLoadDefinitionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purchase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(purchaseYAML), 0644))

	def, err := LoadDefinitionFile(path, testHandlers())
	require.NoError(t, err)
	require.Equal(t, "purchase_approval", def.Name())

	_, err = LoadDefinitionFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestLoadDefinitionErrors(t *testing.T) {
	t.Run("not yaml", func(t *testing.T) {
		_, err := LoadDefinitionString(`{{nope`, nil)
		require.Error(t, err)
	})

	t.Run("unknown handler", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    handler: nonexistent
    end: completed
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), `unknown handler "nonexistent"`)
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    next:
      - node: ghost
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), `unknown node "ghost"`)
	})

	t.Run("no edges and no end", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), "no edges and no end status")
	})

	t.Run("non-terminal end status", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    end: running
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), "not a terminal status")
	})

	t.Run("bad edge condition", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    next:
      - node: b
        when: "amount >"
  - name: b
    end: completed
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), "compiling condition")
	})
}

func TestNotifyAndEscalateNodeLevelRouting(t *testing.T) {
	// Notify and escalate nodes may declare their successor the same way
	// handler nodes do, at the node level, instead of inside the block.
	const yamlDoc = `
name: handoff
entry: announce
nodes:
  - name: announce
    notify:
      message: '"starting"'
    next:
      - node: page_oncall
  - name: page_oncall
    escalate:
      recipient: oncall
      reason: '"needs eyes"'
    end: completed
`
	def, err := LoadDefinitionString(yamlDoc, testHandlers())
	require.NoError(t, err)

	notifier := NewMemoryNotifier()
	engine, registry, _ := newTestEngine(t, EngineOptions{Notifier: notifier})
	require.NoError(t, registry.Register(def))

	result, err := engine.Execute(context.Background(), def, NewExecutionState(nil), ExecuteConfig{ThreadID: "route-1"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, []string{"announce", "page_oncall"}, result.FinalState.StepsCompleted)
	require.Len(t, notifier.Sent(), 1)

	t.Run("inner block still wins", func(t *testing.T) {
		// Both shapes present: the inner end is used, so the node-level
		// edge does not trip the exactly-one validation.
		def, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    notify:
      message: '"hi"'
      end: completed
    next:
      - node: b
  - name: b
    end: completed
`, testHandlers())
		require.NoError(t, err)

		engine, registry, _ := newTestEngine(t, EngineOptions{})
		require.NoError(t, registry.Register(def))
		result, err := engine.Execute(context.Background(), def, NewExecutionState(nil), ExecuteConfig{ThreadID: "route-2"})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status)
		require.Equal(t, []string{"a"}, result.FinalState.StepsCompleted)
	})

	t.Run("no routing anywhere still fails", func(t *testing.T) {
		_, err := LoadDefinitionString(`
name: w
entry: a
nodes:
  - name: a
    notify:
      message: '"hi"'
`, testHandlers())
		require.Error(t, err)
		require.Contains(t, err.Error(), "exactly one of Next and End")
	})
}

func TestFileDefinitionExecution(t *testing.T) {
	ctx := context.Background()
	def, err := LoadDefinitionString(purchaseYAML, testHandlers())
	require.NoError(t, err)

	engine, registry, _ := newTestEngine(t, EngineOptions{})
	require.NoError(t, registry.Register(def))

	t.Run("small purchase skips the gate", func(t *testing.T) {
		state, err := def.ValidateState(map[string]any{"amount": 50})
		require.NoError(t, err)
		result, err := engine.Execute(ctx, def, state, ExecuteConfig{ThreadID: "yaml-1"})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status)
		require.Equal(t, true, result.FinalState.Fields["approved"])
		require.NotContains(t, result.FinalState.StepsCompleted, "approval_gate")
	})

	t.Run("large purchase pauses and resumes", func(t *testing.T) {
		state, err := def.ValidateState(map[string]any{"amount": 5000})
		require.NoError(t, err)
		result, err := engine.Execute(ctx, def, state, ExecuteConfig{ThreadID: "yaml-2"})
		require.NoError(t, err)
		require.Equal(t, StatusPaused, result.Status)
		require.Equal(t, "purchase_signoff", result.InterruptData.Operation)
		require.Equal(t, "purchase for 5000", result.InterruptData.Preview)
		require.Equal(t, RiskMedium, result.InterruptData.RiskLevel)

		result, err = engine.Resume(ctx, "yaml-2", ApprovalDecision{Decision: DecisionApprove})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status)
		require.Equal(t, true, result.FinalState.Fields["approved"])
	})

	t.Run("rejection routes to declined", func(t *testing.T) {
		state, err := def.ValidateState(map[string]any{"amount": 5000})
		require.NoError(t, err)
		_, err = engine.Execute(ctx, def, state, ExecuteConfig{ThreadID: "yaml-3"})
		require.NoError(t, err)

		result, err := engine.Resume(ctx, "yaml-3", ApprovalDecision{Decision: DecisionReject, Comment: "no budget"})
		require.NoError(t, err)
		require.Equal(t, StatusRejected, result.Status)
		require.Equal(t, false, result.FinalState.Fields["approved"])
	})
}
