package flow

import (
	"context"
	"fmt"
	"time"
)

// Built-in node type IDs. The orchestrator ships only these trivial
// behaviors; real node types register from the embedding application.
const (
	TypeNoop  = "noop"
	TypeDelay = "delay"
	TypeFail  = "fail"
	TypeEmit  = "emit"
)

// RegisterBuiltins adds the built-in node types to r.
func RegisterBuiltins(r *Registry) error {
	types := []NodeType{
		{
			TypeID:   TypeNoop,
			Inputs:   []PortSpec{{ID: "in"}},
			Outputs:  []PortSpec{{ID: "out"}},
			Behavior: noopBehavior,
		},
		{
			TypeID:   TypeDelay,
			Inputs:   []PortSpec{{ID: "in"}},
			Outputs:  []PortSpec{{ID: "out"}},
			Behavior: delayBehavior,
		},
		{
			TypeID:   TypeFail,
			Inputs:   []PortSpec{{ID: "in"}},
			Outputs:  []PortSpec{{ID: "out"}},
			Behavior: failBehavior,
		},
		{
			TypeID:   TypeEmit,
			Inputs:   []PortSpec{{ID: "in"}},
			Outputs:  []PortSpec{{ID: "out"}},
			Behavior: emitBehavior,
		},
	}
	for _, nt := range types {
		if err := r.Register(nt); err != nil {
			return err
		}
	}
	return nil
}

// noopBehavior forwards its input, or the configured "value" when the node
// has no incoming value (typical for seed nodes).
func noopBehavior(_ context.Context, inv Invocation, _ Services) (Result, error) {
	out, ok := inv.Inputs["in"]
	if !ok {
		out = inv.Node.Config["value"]
	}
	return Result{Outputs: map[string]any{"out": out}}, nil
}

// delayBehavior sleeps for the configured "durationMs" before forwarding.
func delayBehavior(ctx context.Context, inv Invocation, _ Services) (Result, error) {
	ms, _ := inv.Node.Config["durationMs"].(float64)
	if ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{Outputs: map[string]any{"out": inv.Inputs["in"]}}, nil
}

// failBehavior always errors with the configured "message".
func failBehavior(_ context.Context, inv Invocation, _ Services) (Result, error) {
	msg, _ := inv.Node.Config["message"].(string)
	if msg == "" {
		msg = "node failed"
	}
	return Result{}, fmt.Errorf("%s", msg)
}

// emitBehavior emits the configured "eventName" with the configured
// "payload" and forwards its input.
func emitBehavior(_ context.Context, inv Invocation, svc Services) (Result, error) {
	name, _ := inv.Node.Config["eventName"].(string)
	if name == "" {
		return Result{}, fmt.Errorf("emit node %s has no eventName", inv.Node.ID)
	}
	payload, _ := inv.Node.Config["payload"].(map[string]any)
	svc.EmitEvent(name, payload)
	return Result{Outputs: map[string]any{"out": inv.Inputs["in"]}}, nil
}
