// Package flow holds the directed-acyclic graph model the engine executes:
// nodes with typed input and output ports, edges connecting a source port to
// a target port, and the node-type registry that binds behaviors to nodes.
//
// Port connections are (nodeID, portID) value pairs rather than pointers, so
// cloning a flow is a plain value copy and the engine can hold read-only
// views without owning the graph.
package flow

import (
	"encoding/json"
	"fmt"
)

type (
	// Flow is an authored graph of nodes and edges.
	Flow struct {
		ID    string  `json:"id"`
		Name  string  `json:"name,omitempty"`
		Nodes []*Node `json:"nodes"`
		Edges []*Edge `json:"edges"`
	}

	// Node is a unit of computation with typed ports. Config carries
	// behavior-specific parameters opaque to the engine.
	Node struct {
		ID       string         `json:"id"`
		TypeID   string         `json:"type"`
		Name     string         `json:"name,omitempty"`
		Config   map[string]any `json:"config,omitempty"`
		Metadata Metadata       `json:"metadata,omitempty"`
		Inputs   []Port         `json:"inputs,omitempty"`
		Outputs  []Port         `json:"outputs,omitempty"`
	}

	// Metadata carries the scheduling flags read by the engine.
	Metadata struct {
		// DisabledAutoExecution marks an event listener: the node never
		// starts itself in a root execution and only runs in child
		// executions whose event matches EventName.
		DisabledAutoExecution bool   `json:"disabledAutoExecution,omitempty"`
		EventName             string `json:"eventName,omitempty"`
	}

	// Port is an input or output slot on a node.
	Port struct {
		ID string `json:"id"`
	}

	// Endpoint addresses one port of one node.
	Endpoint struct {
		NodeID string `json:"nodeId"`
		PortID string `json:"portId"`
	}

	// Edge is a directed connection from a source port to a target port.
	Edge struct {
		ID     string   `json:"id"`
		Source Endpoint `json:"source"`
		Target Endpoint `json:"target"`
	}
)

// Parse decodes a flow definition from JSON and validates its structure.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks structural integrity: non-empty ID, unique node and edge
// IDs, edges referencing existing nodes and ports, and acyclicity.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flow has no id")
	}
	nodes := make(map[string]*Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flow %s: node with empty id", f.ID)
		}
		if n.TypeID == "" {
			return fmt.Errorf("flow %s: node %s has no type", f.ID, n.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("flow %s: duplicate node id %s", f.ID, n.ID)
		}
		nodes[n.ID] = n
	}
	edgeIDs := make(map[string]bool, len(f.Edges))
	for _, e := range f.Edges {
		if e.ID == "" {
			return fmt.Errorf("flow %s: edge with empty id", f.ID)
		}
		if edgeIDs[e.ID] {
			return fmt.Errorf("flow %s: duplicate edge id %s", f.ID, e.ID)
		}
		edgeIDs[e.ID] = true
		src, ok := nodes[e.Source.NodeID]
		if !ok {
			return fmt.Errorf("flow %s: edge %s references unknown source node %s", f.ID, e.ID, e.Source.NodeID)
		}
		if !hasPort(src.Outputs, e.Source.PortID) {
			return fmt.Errorf("flow %s: edge %s references unknown output port %s.%s", f.ID, e.ID, e.Source.NodeID, e.Source.PortID)
		}
		tgt, ok := nodes[e.Target.NodeID]
		if !ok {
			return fmt.Errorf("flow %s: edge %s references unknown target node %s", f.ID, e.ID, e.Target.NodeID)
		}
		if !hasPort(tgt.Inputs, e.Target.PortID) {
			return fmt.Errorf("flow %s: edge %s references unknown input port %s.%s", f.ID, e.ID, e.Target.NodeID, e.Target.PortID)
		}
	}
	if cyclic(f) {
		return fmt.Errorf("flow %s: graph contains a cycle", f.ID)
	}
	return nil
}

// Node returns the node with the given ID, or nil.
func (f *Flow) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Incoming returns the edges whose target is the given node.
func (f *Flow) Incoming(nodeID string) []*Edge {
	var edges []*Edge
	for _, e := range f.Edges {
		if e.Target.NodeID == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Outgoing returns the edges whose source is the given node.
func (f *Flow) Outgoing(nodeID string) []*Edge {
	var edges []*Edge
	for _, e := range f.Edges {
		if e.Source.NodeID == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Clone returns a deep copy. The engine executes clones so that one flow
// definition can back many concurrent executions.
func (f *Flow) Clone() *Flow {
	cp := &Flow{ID: f.ID, Name: f.Name}
	cp.Nodes = make([]*Node, len(f.Nodes))
	for i, n := range f.Nodes {
		nn := *n
		nn.Config = cloneMap(n.Config)
		nn.Inputs = append([]Port(nil), n.Inputs...)
		nn.Outputs = append([]Port(nil), n.Outputs...)
		cp.Nodes[i] = &nn
	}
	cp.Edges = make([]*Edge, len(f.Edges))
	for i, e := range f.Edges {
		ee := *e
		cp.Edges[i] = &ee
	}
	return cp
}

func hasPort(ports []Port, id string) bool {
	for _, p := range ports {
		if p.ID == id {
			return true
		}
	}
	return false
}

func cyclic(f *Flow) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(f.Nodes))
	adj := make(map[string][]string, len(f.Nodes))
	for _, e := range f.Edges {
		adj[e.Source.NodeID] = append(adj[e.Source.NodeID], e.Target.NodeID)
	}
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}
	for _, n := range f.Nodes {
		if state[n.ID] == unvisited && visit(n.ID) {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = cloneValue(v)
	}
	return cp
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}
