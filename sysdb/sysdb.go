// Package sysdb persists the workflow runtime's system records: workflow
// status rows, step checkpoints, per-workflow streams, and inter-workflow
// notifications. These tables are the source of truth for resumption after
// a crash; execution rows live in package store and are application state.
package sysdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors surfaced by Store implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrStreamClosed     = errors.New("stream closed")
)

// Status is the lifecycle state of a workflow row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the workflow can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

type (
	// Workflow is one durable workflow row.
	Workflow struct {
		ID               string
		Name             string
		Status           Status
		QueueName        string
		AppVersion       string
		ExecutorID       string
		Input            json.RawMessage
		Output           json.RawMessage
		Error            string
		RecoveryAttempts int
		CreatedAt        time.Time
		UpdatedAt        time.Time
		StartedAt        *time.Time
		HeartbeatAt      *time.Time
	}

	// StepResult is one checkpoint: the persisted outcome of the function at
	// FunctionID within a workflow. Replay returns it without re-invoking
	// the function.
	StepResult struct {
		WorkflowID      string
		FunctionID      int64
		FunctionName    string
		Output          json.RawMessage
		Error           string
		ChildWorkflowID string
	}

	// StreamEntry is one row of a per-workflow stream. Closed marks the
	// end-of-stream sentinel; its offset is the close offset and it carries
	// no value.
	StreamEntry struct {
		WorkflowID string
		Key        string
		Offset     int64
		Value      json.RawMessage
		Closed     bool
	}

	// Notification is one inter-workflow message. SenderID and SenderStep
	// deduplicate sends replayed after a crash.
	Notification struct {
		RecipientID string
		Topic       string
		SenderID    string
		SenderStep  int64
		Payload     json.RawMessage
	}

	// WorkflowFilter narrows ListWorkflows.
	WorkflowFilter struct {
		Name     string
		Queue    string
		Executor string
		Statuses []Status
		Limit    int
	}
)

// Store is the system database. Two implementations exist: sysdb/postgres
// for deployments and sysdb/memory for tests and single-process runs.
type Store interface {
	// InsertWorkflow creates the row and reports whether it was created.
	// A row with the same ID already present, terminal or not, leaves the
	// store unchanged; enqueue is idempotent on the workflow ID.
	InsertWorkflow(ctx context.Context, wf *Workflow) (bool, error)

	// GetWorkflow returns the row or ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows returns rows matching the filter, newest first.
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error)

	// CountWorkflows counts rows on the queue with the given status.
	CountWorkflows(ctx context.Context, queue string, status Status) (int, error)

	// ClaimEnqueued atomically moves up to limit enqueued rows of the queue
	// to running, pinned to the executor. Only rows whose application
	// version matches are eligible; concurrent claimers never receive the
	// same row.
	ClaimEnqueued(ctx context.Context, queue, appVersion, executorID string, limit int) ([]*Workflow, error)

	// MarkTerminal flips the row to a terminal status and closes its open
	// streams in the same atomic action. Rows already terminal are left
	// unchanged (streams are still closed if open). Reports whether the
	// status changed.
	MarkTerminal(ctx context.Context, id string, status Status, output json.RawMessage, errMsg string) (bool, error)

	// GetStep returns the checkpoint for (workflow, functionID), or nil
	// when the step has not completed yet.
	GetStep(ctx context.Context, workflowID string, functionID int64) (*StepResult, error)

	// SaveStep persists a checkpoint. The first write wins; duplicates from
	// replay are ignored.
	SaveStep(ctx context.Context, step *StepResult) error

	// ListSteps returns every checkpoint of the workflow ordered by
	// function index.
	ListSteps(ctx context.Context, workflowID string) ([]*StepResult, error)

	// WriteStream appends value at the next dense offset of the stream and
	// returns that offset. Writing to a closed stream fails.
	WriteStream(ctx context.Context, workflowID, key string, value json.RawMessage) (int64, error)

	// ReadStream returns entries with offset >= fromOffset in offset order,
	// including the close sentinel if present. limit <= 0 means no limit.
	ReadStream(ctx context.Context, workflowID, key string, fromOffset int64, limit int) ([]StreamEntry, error)

	// SendNotification delivers a message. Messages carrying a sender are
	// deduplicated on (recipient, topic, sender, senderStep).
	SendNotification(ctx context.Context, n *Notification) error

	// ConsumeNotification removes and returns the oldest undelivered
	// message for (recipient, topic). The second result reports whether a
	// message was present.
	ConsumeNotification(ctx context.Context, recipientID, topic string) (json.RawMessage, bool, error)

	// Heartbeat refreshes the liveness timestamp of every running workflow
	// owned by the executor and returns how many rows were touched.
	Heartbeat(ctx context.Context, executorID string) (int, error)

	// StaleWorkflows returns running rows whose heartbeat is older than
	// cutoff, up to limit.
	StaleWorkflows(ctx context.Context, cutoff time.Time, limit int) ([]*Workflow, error)

	// Requeue moves a running row back to enqueued for recovery, clears its
	// executor, and bumps the recovery counter. It reports the new attempt
	// count and whether the row was requeued.
	Requeue(ctx context.Context, id string) (int, bool, error)

	// TryRecoveryLock acquires the cluster-wide recovery lock. When
	// acquired, release must be called exactly once.
	TryRecoveryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// StreamWaker signals that a stream may have new rows. Implementations wake
// watchers on every append and on close; spurious wakes are allowed.
type StreamWaker interface {
	WatchStream(ctx context.Context, workflowID, key string) (wake <-chan struct{}, cancel func(), err error)
}

// NotificationWaker signals that a recipient/topic pair may have a new
// message. Spurious wakes are allowed.
type NotificationWaker interface {
	WatchNotifications(ctx context.Context, recipientID, topic string) (wake <-chan struct{}, cancel func(), err error)
}
