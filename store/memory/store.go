// Package memory provides an in-memory Store for tests and single-process
// runs. All rows are deep-copied on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cascadeflow/cascade/store"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu     sync.RWMutex
	rows   map[string]*store.Execution
	claims map[string]*store.Claim
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		rows:   make(map[string]*store.Execution),
		claims: make(map[string]*store.Claim),
	}
}

// Create inserts the row; an existing row with the same ID is left as is.
func (s *Store) Create(_ context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[e.ID]; exists {
		return nil
	}
	s.rows[e.ID] = e.Clone()
	return nil
}

// Get returns a copy of the row.
func (s *Store) Get(_ context.Context, id string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return row.Clone(), nil
}

// Delete removes the row and its claim.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	delete(s.claims, id)
	return nil
}

// UpdateStatus applies one transition atomically.
func (s *Store) UpdateStatus(_ context.Context, u store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[u.ID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, u.ID)
	}
	if row.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", store.ErrTerminal, u.ID, row.Status)
	}
	if !store.CanTransition(row.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, row.Status, u.Status)
	}
	row.Status = u.Status
	row.UpdatedAt = time.Now().UTC()
	if u.StartedAt != nil {
		t := *u.StartedAt
		row.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		row.CompletedAt = &t
	}
	if u.ErrorMessage != "" {
		row.ErrorMessage = u.ErrorMessage
	}
	if u.ErrorNodeID != "" {
		row.ErrorNodeID = u.ErrorNodeID
	}
	return nil
}

// RootExecutions pages roots newest-first with tree aggregates.
func (s *Store) RootExecutions(_ context.Context, flowID string, limit int, after *time.Time) ([]*store.RootExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roots []*store.Execution
	for _, row := range s.rows {
		if row.FlowID != flowID || row.ExecutionDepth != 0 {
			continue
		}
		if after != nil && !row.CreatedAt.Before(*after) {
			continue
		}
		roots = append(roots, row)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	if limit > 0 && len(roots) > limit {
		roots = roots[:limit]
	}
	out := make([]*store.RootExecution, len(roots))
	for i, root := range roots {
		maxDepth, nested := root.ExecutionDepth, 0
		for _, row := range s.rows {
			if row.RootExecutionID != root.ID || row.ID == root.ID {
				continue
			}
			nested++
			if row.ExecutionDepth > maxDepth {
				maxDepth = row.ExecutionDepth
			}
		}
		out[i] = &store.RootExecution{
			Execution:   *root.Clone(),
			Levels:      maxDepth + 1,
			TotalNested: nested,
		}
	}
	return out, nil
}

// ChildExecutions returns direct children ordered by creation time.
func (s *Store) ChildExecutions(_ context.Context, parentID string) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Execution
	for _, row := range s.rows {
		if row.ParentExecutionID != nil && *row.ParentExecutionID == parentID {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExecutionTree returns the BFS-flattened tree rooted at rootID.
func (s *Store) ExecutionTree(_ context.Context, rootID string) ([]store.TreeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*store.Execution
	for _, row := range s.rows {
		if row.RootExecutionID == rootID {
			rows = append(rows, row.Clone())
		}
	}
	// Stable child order within a level.
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return store.BuildTree(rows, rootID), nil
}

// AcquireClaim takes or refreshes the legacy lease.
func (s *Store) AcquireClaim(_ context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c, ok := s.claims[executionID]
	if ok && c.Status == store.ClaimActive && c.WorkerID != workerID && c.ExpiresAt.After(now) {
		return false, nil
	}
	s.claims[executionID] = &store.Claim{
		ExecutionID: executionID,
		WorkerID:    workerID,
		ClaimedAt:   now,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
		Status:      store.ClaimActive,
	}
	return true, nil
}

// HeartbeatClaims extends the worker's active leases.
func (s *Store) HeartbeatClaims(_ context.Context, workerID string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, c := range s.claims {
		if c.WorkerID == workerID && c.Status == store.ClaimActive {
			c.HeartbeatAt = now
			c.ExpiresAt = now.Add(ttl)
			n++
		}
	}
	return n, nil
}

// ReleaseClaim marks the lease released.
func (s *Store) ReleaseClaim(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[executionID]; ok {
		c.Status = store.ClaimReleased
	}
	return nil
}

// ExpireStaleClaims marks overdue leases expired and returns their
// execution IDs.
func (s *Store) ExpireStaleClaims(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var ids []string
	for id, c := range s.claims {
		if c.Status == store.ClaimActive && c.ExpiresAt.Before(now) {
			c.Status = store.ClaimExpired
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkProcessing records the worker handling the execution.
func (s *Store) MarkProcessing(_ context.Context, executionID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, executionID)
	}
	now := time.Now().UTC()
	row.ProcessingStartedAt = &now
	row.ProcessingWorkerID = workerID
	row.UpdatedAt = now
	return nil
}

// RecordFailure bumps the failure counter.
func (s *Store) RecordFailure(_ context.Context, executionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrNotFound, executionID)
	}
	now := time.Now().UTC()
	row.FailureCount++
	row.LastFailureReason = reason
	row.LastFailureAt = &now
	row.UpdatedAt = now
	return row.FailureCount, nil
}
