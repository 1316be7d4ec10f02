package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cascadeflow/cascade/flow"
)

type (
	// ExecutionContext is the per-run state shared between the engine, the
	// node behaviors and the enclosing workflow. Identity fields are
	// immutable after construction; the mutable maps are guarded.
	ExecutionContext struct {
		ExecutionID       string
		FlowID            string
		OwnerID           string
		RootExecutionID   string
		ParentExecutionID string
		Depth             int
		Integration       map[string]any
		// Event is the emitted event this child execution was spawned for.
		// Nil in root executions.
		Event *flow.EventData

		abort *AbortController

		mu       sync.Mutex
		statuses map[string]NodeStatus
		outputs  map[flow.Endpoint]any
		emitted  []*EmittedEvent
	}

	// ContextParams configures NewExecutionContext. Root and parent linkage
	// is validated at construction so the two cannot be swapped silently.
	ContextParams struct {
		ExecutionID       string
		FlowID            string
		OwnerID           string
		RootExecutionID   string
		ParentExecutionID string
		Depth             int
		Integration       map[string]any
		Event             *flow.EventData
		Abort             *AbortController
	}

	// EmittedEvent is a domain event produced by a node during the run.
	// Unprocessed events spawn child executions.
	EmittedEvent struct {
		ID            string
		Name          string
		Payload       map[string]any
		EmitterNodeID string
		Processed     bool
	}

	// AbortController signals premature termination of one run. The first
	// abort wins; later calls are no-ops.
	AbortController struct {
		mu     sync.Mutex
		done   chan struct{}
		reason string
		err    error
	}
)

// NewExecutionContext validates the identity linkage and returns a context.
// A root execution must be its own root at depth zero; a child must name
// both its parent and its root.
func NewExecutionContext(p ContextParams) (*ExecutionContext, error) {
	if p.ExecutionID == "" {
		return nil, fmt.Errorf("engine: execution id is required")
	}
	if p.ParentExecutionID == "" {
		if p.RootExecutionID == "" {
			p.RootExecutionID = p.ExecutionID
		}
		if p.RootExecutionID != p.ExecutionID {
			return nil, fmt.Errorf("engine: root execution %s must be its own root, got %s", p.ExecutionID, p.RootExecutionID)
		}
		if p.Depth != 0 {
			return nil, fmt.Errorf("engine: root execution %s must have depth 0, got %d", p.ExecutionID, p.Depth)
		}
	} else {
		if p.RootExecutionID == "" {
			return nil, fmt.Errorf("engine: child execution %s has no root execution id", p.ExecutionID)
		}
		if p.Depth < 1 {
			return nil, fmt.Errorf("engine: child execution %s must have depth >= 1, got %d", p.ExecutionID, p.Depth)
		}
	}
	if p.Abort == nil {
		p.Abort = NewAbortController()
	}
	return &ExecutionContext{
		ExecutionID:       p.ExecutionID,
		FlowID:            p.FlowID,
		OwnerID:           p.OwnerID,
		RootExecutionID:   p.RootExecutionID,
		ParentExecutionID: p.ParentExecutionID,
		Depth:             p.Depth,
		Integration:       p.Integration,
		Event:             p.Event,
		abort:             p.Abort,
		statuses:          make(map[string]NodeStatus),
		outputs:           make(map[flow.Endpoint]any),
	}, nil
}

// Abort returns the run's abort controller.
func (ec *ExecutionContext) Abort() *AbortController { return ec.abort }

// Status returns the node's current status, idle when never touched.
func (ec *ExecutionContext) Status(nodeID string) NodeStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if s, ok := ec.statuses[nodeID]; ok {
		return s
	}
	return NodeIdle
}

// setStatus records the node's status and returns the previous one.
func (ec *ExecutionContext) setStatus(nodeID string, s NodeStatus) NodeStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	prev, ok := ec.statuses[nodeID]
	if !ok {
		prev = NodeIdle
	}
	ec.statuses[nodeID] = s
	return prev
}

// moveAll transitions every node currently in from to to, returning the
// affected IDs sorted.
func (ec *ExecutionContext) moveAll(from, to NodeStatus) []string {
	ec.mu.Lock()
	var ids []string
	for id, s := range ec.statuses {
		if s == from {
			ec.statuses[id] = to
			ids = append(ids, id)
		}
	}
	ec.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Statuses returns a snapshot of every touched node's status.
func (ec *ExecutionContext) Statuses() map[string]NodeStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]NodeStatus, len(ec.statuses))
	for id, s := range ec.statuses {
		out[id] = s
	}
	return out
}

// setOutputs stores the node's output port values.
func (ec *ExecutionContext) setOutputs(nodeID string, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for portID, v := range outputs {
		ec.outputs[flow.Endpoint{NodeID: nodeID, PortID: portID}] = v
	}
}

// Output returns the value a node placed on one of its output ports.
func (ec *ExecutionContext) Output(nodeID, portID string) any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.outputs[flow.Endpoint{NodeID: nodeID, PortID: portID}]
}

// EmitEvent appends a domain event with a fresh ID and an unset processed
// flag.
func (ec *ExecutionContext) EmitEvent(name string, payload map[string]any, emitterNodeID string) *EmittedEvent {
	ev := &EmittedEvent{
		ID:            uuid.NewString(),
		Name:          name,
		Payload:       payload,
		EmitterNodeID: emitterNodeID,
	}
	ec.mu.Lock()
	ec.emitted = append(ec.emitted, ev)
	ec.mu.Unlock()
	return ev
}

// UnprocessedEvents returns value copies of the events not yet marked
// processed, in emission order.
func (ec *ExecutionContext) UnprocessedEvents() []EmittedEvent {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var out []EmittedEvent
	for _, ev := range ec.emitted {
		if !ev.Processed {
			out = append(out, *ev)
		}
	}
	return out
}

// MarkProcessed flips the processed flag of the event with the given ID.
func (ec *ExecutionContext) MarkProcessed(eventID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, ev := range ec.emitted {
		if ev.ID == eventID {
			ev.Processed = true
			return
		}
	}
}

// NewAbortController returns an idle controller.
func NewAbortController() *AbortController {
	return &AbortController{done: make(chan struct{})}
}

// Abort terminates the run as a cancellation with the given reason.
func (a *AbortController) Abort(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.reason = reason
	close(a.done)
}

// Fail terminates the run as a failure.
func (a *AbortController) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.err = err
	close(a.done)
}

// Done is closed once the controller fired.
func (a *AbortController) Done() <-chan struct{} { return a.done }

// Aborted reports whether the controller fired.
func (a *AbortController) Aborted() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Cause returns the cancellation reason or the failure. Both are zero while
// the controller has not fired.
func (a *AbortController) Cause() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason, a.err
}
