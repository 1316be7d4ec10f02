// Package store persists execution rows: identity, status transitions, the
// parent/child tree, and the legacy claim bookkeeping used by the
// compatibility recovery path. The durable-workflow path keeps its own
// records in package sysdb; this store is the client-facing source of truth
// for execution state.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxDepth bounds the execution tree. Spawning below this depth fails the
// emitting node.
const MaxDepth = 100

// ErrDepthExceeded is returned when a child would exceed MaxDepth. The text
// is part of the client-visible contract.
var ErrDepthExceeded = errors.New("Maximum execution depth exceeded")

// Sentinel errors surfaced by Store implementations.
var (
	ErrNotFound          = errors.New("execution not found")
	ErrTerminal          = errors.New("execution already terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of an execution row.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// transitions lists the allowed moves of the execution state machine.
var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusStopped, StatusPaused},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusStopped},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which to is reachable. Backends
// use it to make UpdateStatus a single conditional write.
func TransitionSources(to Status) []Status {
	var from []Status
	for src, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, src)
				break
			}
		}
	}
	return from
}

type (
	// Execution is one run of a flow. Identity is immutable; the rest is
	// mutated only through Store operations.
	Execution struct {
		ID                string
		FlowID            string
		OwnerID           string
		RootExecutionID   string
		ParentExecutionID *string
		Status            Status
		CreatedAt         time.Time
		UpdatedAt         time.Time
		StartedAt         *time.Time
		CompletedAt       *time.Time
		ErrorMessage      string
		ErrorNodeID       string
		ExecutionDepth    int
		Options           map[string]any
		Integration       map[string]any
		ExternalEvents    []ExternalEvent
		FailureCount      int
		LastFailureReason string
		LastFailureAt     *time.Time
		// Legacy processing bookkeeping, maintained by the claim path only.
		ProcessingStartedAt *time.Time
		ProcessingWorkerID  string
	}

	// ExternalEvent is a client-supplied event delivered to the execution.
	ExternalEvent struct {
		Name    string         `json:"name"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Params carries the attributes needed to construct an execution row.
	// Root executions leave RootExecutionID and ParentExecutionID empty.
	Params struct {
		FlowID            string
		OwnerID           string
		RootExecutionID   string
		ParentExecutionID string
		ExecutionDepth    int
		Options           map[string]any
		Integration       map[string]any
		ExternalEvents    []ExternalEvent
	}

	// StatusUpdate is one atomic status transition.
	StatusUpdate struct {
		ID           string
		Status       Status
		StartedAt    *time.Time
		CompletedAt  *time.Time
		ErrorMessage string
		ErrorNodeID  string
	}

	// RootExecution is a root row plus tree aggregates: Levels counts the
	// depth levels present under the root (1 for a childless root) and
	// TotalNested counts its descendants.
	RootExecution struct {
		Execution
		Levels      int
		TotalNested int
	}

	// TreeEntry is one element of the BFS-ordered flattened tree.
	TreeEntry struct {
		ID       string
		ParentID *string
		Level    int
		Row      *Execution
	}

	// Claim is the legacy recovery lease on one execution.
	Claim struct {
		ExecutionID string
		WorkerID    string
		ClaimedAt   time.Time
		ExpiresAt   time.Time
		HeartbeatAt time.Time
		Status      ClaimStatus
	}

	// ClaimStatus is the lease state.
	ClaimStatus string
)

// Claim states.
const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
	ClaimExpired  ClaimStatus = "expired"
)

// New builds an execution row, generating its ID and validating the tree
// invariants: a root has no parent and depth zero; a descendant has both a
// root and a parent and positive depth bounded by MaxDepth.
func New(p Params) (*Execution, error) {
	if p.FlowID == "" {
		return nil, fmt.Errorf("execution requires a flow id")
	}
	if p.ExecutionDepth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrDepthExceeded, p.ExecutionDepth)
	}
	id := "exec_" + uuid.NewString()
	root := p.RootExecutionID
	var parent *string
	switch {
	case p.ParentExecutionID == "" && root == "":
		if p.ExecutionDepth != 0 {
			return nil, fmt.Errorf("root execution must have depth 0, got %d", p.ExecutionDepth)
		}
		root = id
	case p.ParentExecutionID != "" && root != "":
		if p.ExecutionDepth < 1 {
			return nil, fmt.Errorf("child execution must have depth >= 1, got %d", p.ExecutionDepth)
		}
		parent = &p.ParentExecutionID
	default:
		return nil, fmt.Errorf("rootExecutionId and parentExecutionId must both be set or both be empty")
	}
	now := time.Now().UTC()
	return &Execution{
		ID:                id,
		FlowID:            p.FlowID,
		OwnerID:           p.OwnerID,
		RootExecutionID:   root,
		ParentExecutionID: parent,
		Status:            StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExecutionDepth:    p.ExecutionDepth,
		Options:           p.Options,
		Integration:       p.Integration,
		ExternalEvents:    p.ExternalEvents,
	}, nil
}

// IsRoot reports whether e is the top of its tree.
func (e *Execution) IsRoot() bool { return e.ParentExecutionID == nil }

// BuildTree flattens rows sharing one root into BFS order. Implementations
// fetch the rows in a single query and delegate the traversal here.
func BuildTree(rows []*Execution, rootID string) []TreeEntry {
	children := make(map[string][]*Execution)
	var root *Execution
	for _, r := range rows {
		if r.ID == rootID {
			root = r
			continue
		}
		if r.ParentExecutionID != nil {
			children[*r.ParentExecutionID] = append(children[*r.ParentExecutionID], r)
		}
	}
	if root == nil {
		return nil
	}
	type frame struct {
		row   *Execution
		level int
	}
	queue := []frame{{root, 0}}
	var out []TreeEntry
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		out = append(out, TreeEntry{
			ID:       f.row.ID,
			ParentID: f.row.ParentExecutionID,
			Level:    f.level,
			Row:      f.row,
		})
		for _, c := range children[f.row.ID] {
			queue = append(queue, frame{c, f.level + 1})
		}
	}
	return out
}

// Clone returns a deep copy of the execution row.
func (e *Execution) Clone() *Execution {
	cp := *e
	if e.ParentExecutionID != nil {
		v := *e.ParentExecutionID
		cp.ParentExecutionID = &v
	}
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	cp.LastFailureAt = cloneTime(e.LastFailureAt)
	cp.ProcessingStartedAt = cloneTime(e.ProcessingStartedAt)
	cp.Options = cloneJSONMap(e.Options)
	cp.Integration = cloneJSONMap(e.Integration)
	if e.ExternalEvents != nil {
		cp.ExternalEvents = make([]ExternalEvent, len(e.ExternalEvents))
		for i, ev := range e.ExternalEvents {
			cp.ExternalEvents[i] = ExternalEvent{Name: ev.Name, Payload: cloneJSONMap(ev.Payload)}
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			cp[k] = cloneJSONMap(val)
		case []any:
			s := make([]any, len(val))
			copy(s, val)
			cp[k] = s
		default:
			cp[k] = v
		}
	}
	return cp
}
