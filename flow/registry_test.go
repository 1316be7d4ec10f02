package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopServices struct{}

func (nopServices) EmitEvent(string, map[string]any) {}
func (nopServices) DebugLog(string)                  {}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	nt, ok := r.Lookup(TypeNoop)
	require.True(t, ok)
	assert.Equal(t, TypeNoop, nt.TypeID)

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	err := r.Register(NodeType{TypeID: TypeNoop, Behavior: noopBehavior})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterRejectsMissingBehavior(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(NodeType{TypeID: "bare"}))
}

func TestValidateInputAgainstSchema(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	require.NoError(t, r.Register(NodeType{
		TypeID:   "typed",
		Inputs:   []PortSpec{{ID: "in", Schema: schema}},
		Outputs:  []PortSpec{{ID: "out"}},
		Behavior: noopBehavior,
	}))

	nt, ok := r.Lookup("typed")
	require.True(t, ok)

	require.NoError(t, nt.ValidateInput("in", map[string]any{"name": "ok"}))
	require.Error(t, nt.ValidateInput("in", map[string]any{"wrong": true}))
	// Ports without a schema accept anything.
	require.NoError(t, nt.ValidateInput("other", 42))
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(NodeType{
		TypeID:   "broken",
		Inputs:   []PortSpec{{ID: "in", Schema: json.RawMessage(`{"type":`)}},
		Behavior: noopBehavior,
	})
	require.Error(t, err)
}

func TestValidateFlowFillsPorts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	f := &Flow{ID: "f1", Nodes: []*Node{{ID: "a", TypeID: TypeNoop}}}
	require.NoError(t, r.ValidateFlow(f))
	require.Len(t, f.Nodes[0].Inputs, 1)
	require.Len(t, f.Nodes[0].Outputs, 1)
	assert.Equal(t, "in", f.Nodes[0].Inputs[0].ID)
}

func TestValidateFlowRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	f := &Flow{ID: "f1", Nodes: []*Node{{ID: "a", TypeID: "nope"}}}
	err := r.ValidateFlow(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered type")
}

func TestBuiltinBehaviors(t *testing.T) {
	ctx := context.Background()

	t.Run("noop forwards input", func(t *testing.T) {
		res, err := noopBehavior(ctx, Invocation{
			Node:   &Node{ID: "n"},
			Inputs: map[string]any{"in": "hello"},
		}, nopServices{})
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Outputs["out"])
	})

	t.Run("noop falls back to configured value", func(t *testing.T) {
		res, err := noopBehavior(ctx, Invocation{
			Node:   &Node{ID: "n", Config: map[string]any{"value": 7}},
			Inputs: map[string]any{},
		}, nopServices{})
		require.NoError(t, err)
		assert.Equal(t, 7, res.Outputs["out"])
	})

	t.Run("fail returns configured message", func(t *testing.T) {
		_, err := failBehavior(ctx, Invocation{
			Node: &Node{ID: "n", Config: map[string]any{"message": "boom"}},
		}, nopServices{})
		require.EqualError(t, err, "boom")
	})

	t.Run("emit requires event name", func(t *testing.T) {
		_, err := emitBehavior(ctx, Invocation{Node: &Node{ID: "n"}}, nopServices{})
		require.Error(t, err)
	})
}
