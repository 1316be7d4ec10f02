// Package event defines the engine event vocabulary and the wire envelope
// used to transport execution progress to subscribers.
//
// Every event carries a dense, monotonically increasing index scoped to one
// execution, a type tag, a UTC timestamp and a type-specific payload. The
// envelope round-trips through JSON unchanged so that values read back from
// a stream compare equal to the values written by the engine.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of event carried by an Envelope.
type EventType string

// Flow lifecycle events.
const (
	FlowSubscribed EventType = "FLOW_SUBSCRIBED" // first event of every stream, carries execution metadata
	FlowStarted    EventType = "FLOW_STARTED"
	FlowCompleted  EventType = "FLOW_COMPLETED"
	FlowFailed     EventType = "FLOW_FAILED"
	FlowCancelled  EventType = "FLOW_CANCELLED"
	FlowPaused     EventType = "FLOW_PAUSED"
	FlowResumed    EventType = "FLOW_RESUMED"
)

// Node lifecycle events.
const (
	NodeStarted       EventType = "NODE_STARTED"
	NodeBackgrounded  EventType = "NODE_BACKGROUNDED"
	NodeCompleted     EventType = "NODE_COMPLETED"
	NodeFailed        EventType = "NODE_FAILED"
	NodeSkipped       EventType = "NODE_SKIPPED"
	NodeStatusChanged EventType = "NODE_STATUS_CHANGED"
	DebugLogString    EventType = "DEBUG_LOG_STRING"
)

// Edge transfer events.
const (
	EdgeTransferStarted   EventType = "EDGE_TRANSFER_STARTED"
	EdgeTransferCompleted EventType = "EDGE_TRANSFER_COMPLETED"
	EdgeTransferFailed    EventType = "EDGE_TRANSFER_FAILED"
)

// Child execution events.
const (
	ChildExecutionSpawned   EventType = "CHILD_EXECUTION_SPAWNED"
	ChildExecutionCompleted EventType = "CHILD_EXECUTION_COMPLETED"
	ChildExecutionFailed    EventType = "CHILD_EXECUTION_FAILED"
)

// Debugger events.
const (
	DebugBreakpointHit EventType = "DEBUG_BREAKPOINT_HIT"
)

// MetaIndex is the envelope index of the FLOW_SUBSCRIBED event written
// during workflow initialization. It precedes the engine's own index space,
// which starts at zero, so late subscribers can always distinguish the
// metadata event from engine output.
const MetaIndex int64 = -1

// Envelope is the wire representation of a single event.
type Envelope struct {
	Index     int64           `json:"index"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with the given index and type, marshaling payload
// into the data blob. The timestamp is the current UTC time.
func New(index int64, t EventType, payload any) (Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		data = b
	}
	return Envelope{Index: index, Type: t, Timestamp: time.Now().UTC(), Data: data}, nil
}

// Decode unmarshals the envelope data blob into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event %d has no data", e.Type, e.Index)
	}
	return json.Unmarshal(e.Data, v)
}

// ExecutionMeta is the payload of FLOW_SUBSCRIBED. It mirrors the execution
// row attributes a subscriber needs before any engine event arrives.
type ExecutionMeta struct {
	ExecutionID       string         `json:"executionId"`
	FlowID            string         `json:"flowId"`
	OwnerID           string         `json:"ownerId"`
	RootExecutionID   string         `json:"rootExecutionId"`
	ParentExecutionID *string        `json:"parentExecutionId,omitempty"`
	ExecutionDepth    int            `json:"executionDepth"`
	Integration       map[string]any `json:"integration,omitempty"`
}

// FlowData is the payload of the FLOW_* lifecycle events.
type FlowData struct {
	ExecutionID string `json:"executionId"`
	FlowID      string `json:"flowId,omitempty"`
	Status      string `json:"status,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// NodeData is the payload of the NODE_* lifecycle events.
type NodeData struct {
	NodeID     string `json:"nodeId"`
	NodeName   string `json:"nodeName,omitempty"`
	NodeType   string `json:"nodeType,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// StatusChangeData is the payload of NODE_STATUS_CHANGED.
type StatusChangeData struct {
	NodeID string `json:"nodeId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// EdgeData is the payload of the EDGE_TRANSFER_* events.
type EdgeData struct {
	EdgeID       string `json:"edgeId"`
	SourceNodeID string `json:"sourceNodeId"`
	SourcePortID string `json:"sourcePortId"`
	TargetNodeID string `json:"targetNodeId"`
	TargetPortID string `json:"targetPortId"`
	Error        string `json:"error,omitempty"`
}

// ChildData is the payload of the CHILD_EXECUTION_* events.
type ChildData struct {
	ChildExecutionID  string `json:"childExecutionId"`
	ParentExecutionID string `json:"parentExecutionId"`
	EventName         string `json:"eventName"`
	EmitterNodeID     string `json:"emitterNodeId,omitempty"`
	ExecutionDepth    int    `json:"executionDepth"`
	Status            string `json:"status,omitempty"`
	Error             string `json:"error,omitempty"`
}

// DebugLogData is the payload of DEBUG_LOG_STRING.
type DebugLogData struct {
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// BreakpointData is the payload of DEBUG_BREAKPOINT_HIT.
type BreakpointData struct {
	NodeID string `json:"nodeId"`
}

// Sink consumes engine events in emission order.
//
// Send must not be called concurrently for the same execution; the engine
// serializes emission through its publisher. Send blocks until the event is
// accepted or ctx is done. Close flushes buffered events and releases
// resources; after Close returns, Send fails.
type Sink interface {
	Send(ctx context.Context, ev Envelope) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to the Sink interface with a no-op Close.
type SinkFunc func(ctx context.Context, ev Envelope) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev Envelope) error { return f(ctx, ev) }

// Close returns nil.
func (f SinkFunc) Close(context.Context) error { return nil }
