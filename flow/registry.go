package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// NodeType describes a registered node kind: its port surface, optional
	// JSON Schemas constraining port values, and the behavior invoked by the
	// engine. Node-type implementations live outside the orchestrator; they
	// register here at startup.
	NodeType struct {
		TypeID  string
		Inputs  []PortSpec
		Outputs []PortSpec
		// Behavior runs the node. Nil behaviors are rejected at registration.
		Behavior Behavior

		inputSchemas map[string]*jsonschema.Schema
	}

	// PortSpec declares one port of a node type. Schema, when present, is a
	// JSON Schema document validated against values transferred to the port.
	PortSpec struct {
		ID     string
		Schema json.RawMessage
	}

	// Invocation is everything a behavior receives about the node it runs.
	Invocation struct {
		Node   *Node
		Inputs map[string]any
		// Event is non-nil in child executions and carries the emitted event
		// that spawned them.
		Event *EventData
	}

	// EventData is an emitted domain event. Within a child execution it is
	// the event the child was spawned for.
	EventData struct {
		ID      string         `json:"id"`
		Name    string         `json:"name"`
		Payload map[string]any `json:"payload,omitempty"`
		// EmitterNodeID identifies the node that emitted the event.
		EmitterNodeID string `json:"emitterNodeId,omitempty"`
	}

	// Services exposes the engine facilities a behavior may use while
	// running. Implementations are provided by the engine per node.
	Services interface {
		// EmitEvent appends a domain event to the execution context. Events
		// unprocessed at flow completion spawn child executions.
		EmitEvent(name string, payload map[string]any)
		// DebugLog publishes a DEBUG_LOG_STRING event to subscribers.
		DebugLog(message string)
	}

	// Result is what a behavior returns on success.
	Result struct {
		// Outputs maps output port IDs to values transferred along edges.
		Outputs map[string]any
		// BackgroundActions continue after the node is marked backgrounding;
		// downstream nodes proceed while they run.
		BackgroundActions []BackgroundAction
	}

	// BackgroundAction is deferred node work scheduled on the engine pool.
	BackgroundAction func(ctx context.Context) error

	// Behavior executes one node.
	Behavior func(ctx context.Context, inv Invocation, svc Services) (Result, error)

	// Registry is the process-wide map from type ID to NodeType.
	Registry struct {
		mu    sync.RWMutex
		types map[string]*NodeType
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*NodeType)}
}

// Register adds a node type, compiling any port schemas. Registering a type
// ID twice or a type without behavior is an error.
func (r *Registry) Register(nt NodeType) error {
	if nt.TypeID == "" {
		return fmt.Errorf("node type has no id")
	}
	if nt.Behavior == nil {
		return fmt.Errorf("node type %s has no behavior", nt.TypeID)
	}
	compiled := make(map[string]*jsonschema.Schema)
	for _, p := range nt.Inputs {
		if len(p.Schema) == 0 {
			continue
		}
		sch, err := compileSchema(nt.TypeID, p.ID, p.Schema)
		if err != nil {
			return err
		}
		compiled[p.ID] = sch
	}
	nt.inputSchemas = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[nt.TypeID]; dup {
		return fmt.Errorf("node type %s already registered", nt.TypeID)
	}
	r.types[nt.TypeID] = &nt
	return nil
}

// Lookup returns the node type registered under typeID.
func (r *Registry) Lookup(typeID string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[typeID]
	return nt, ok
}

// ValidateFlow checks that every node references a registered type and only
// declares ports the type knows about. Nodes that declare no ports inherit
// the type's port surface in place.
func (r *Registry) ValidateFlow(f *Flow) error {
	for _, n := range f.Nodes {
		nt, ok := r.Lookup(n.TypeID)
		if !ok {
			return fmt.Errorf("flow %s: node %s uses unregistered type %s", f.ID, n.ID, n.TypeID)
		}
		if len(n.Inputs) == 0 {
			n.Inputs = specPorts(nt.Inputs)
		} else if err := portsSubset(n.Inputs, nt.Inputs); err != nil {
			return fmt.Errorf("flow %s: node %s inputs: %w", f.ID, n.ID, err)
		}
		if len(n.Outputs) == 0 {
			n.Outputs = specPorts(nt.Outputs)
		} else if err := portsSubset(n.Outputs, nt.Outputs); err != nil {
			return fmt.Errorf("flow %s: node %s outputs: %w", f.ID, n.ID, err)
		}
	}
	return nil
}

// ValidateInput validates a value arriving on an input port against the
// port's schema, when one was registered. Values are normalized through JSON
// so that behaviors and subscribers agree on what was transferred.
func (nt *NodeType) ValidateInput(portID string, value any) error {
	sch, ok := nt.inputSchemas[portID]
	if !ok {
		return nil
	}
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("port %s: %w", portID, err)
	}
	if err := sch.Validate(normalized); err != nil {
		return fmt.Errorf("port %s: %w", portID, err)
	}
	return nil
}

func compileSchema(typeID, portID string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("node type %s port %s: unmarshal schema: %w", typeID, portID, err)
	}
	c := jsonschema.NewCompiler()
	name := fmt.Sprintf("%s_%s.json", typeID, portID)
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("node type %s port %s: add schema resource: %w", typeID, portID, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("node type %s port %s: compile schema: %w", typeID, portID, err)
	}
	return sch, nil
}

func normalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return doc, nil
}

func specPorts(specs []PortSpec) []Port {
	ports := make([]Port, len(specs))
	for i, s := range specs {
		ports[i] = Port{ID: s.ID}
	}
	return ports
}

func portsSubset(ports []Port, specs []PortSpec) error {
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		known[s.ID] = true
	}
	for _, p := range ports {
		if !known[p.ID] {
			return fmt.Errorf("port %s not declared by node type", p.ID)
		}
	}
	return nil
}
