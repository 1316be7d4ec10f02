package store

import (
	"context"
	"time"
)

// Store persists execution rows and the legacy claim leases. Two
// implementations exist: store/postgres for deployments and store/memory for
// tests and single-process runs.
type Store interface {
	// Create inserts the row. A row with the same ID already present is not
	// an error; creation is idempotent on the execution ID.
	Create(ctx context.Context, e *Execution) error

	// Get returns the row or ErrNotFound.
	Get(ctx context.Context, id string) (*Execution, error)

	// Delete removes the row and its claim. Deleting a missing row is a
	// no-op.
	Delete(ctx context.Context, id string) error

	// UpdateStatus applies one transition atomically. It fails with
	// ErrTerminal when the row is already terminal and ErrInvalidTransition
	// when the state machine forbids the move.
	UpdateStatus(ctx context.Context, u StatusUpdate) error

	// RootExecutions pages root rows of a flow newest-first, with tree
	// aggregates computed per row. Pass after to continue past a page.
	RootExecutions(ctx context.Context, flowID string, limit int, after *time.Time) ([]*RootExecution, error)

	// ChildExecutions returns the direct children of an execution.
	ChildExecutions(ctx context.Context, parentID string) ([]*Execution, error)

	// ExecutionTree returns the BFS-flattened tree rooted at rootID.
	ExecutionTree(ctx context.Context, rootID string) ([]TreeEntry, error)

	// AcquireClaim takes the legacy lease for workerID, refreshing leases it
	// already holds and taking over released or expired ones. It reports
	// false when another worker holds an active lease.
	AcquireClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error)

	// HeartbeatClaims extends every active lease held by workerID and
	// returns how many were extended.
	HeartbeatClaims(ctx context.Context, workerID string, ttl time.Duration) (int, error)

	// ReleaseClaim marks the lease released.
	ReleaseClaim(ctx context.Context, executionID string) error

	// ExpireStaleClaims marks overdue active leases expired and returns the
	// execution IDs they covered, up to limit.
	ExpireStaleClaims(ctx context.Context, limit int) ([]string, error)

	// MarkProcessing records which worker is processing the execution.
	MarkProcessing(ctx context.Context, executionID, workerID string) error

	// RecordFailure bumps the failure counter with the reason and returns
	// the new count.
	RecordFailure(ctx context.Context, executionID, reason string) (int, error)
}
