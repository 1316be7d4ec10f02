// Package postgres implements store.Store on PostgreSQL via pgx. Status
// transitions are single conditional UPDATEs so concurrent writers cannot
// race a row out of the state machine, and claim leases ride on upserts
// keyed by execution ID.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascadeflow/cascade/store"
)

// execColumns is the scan order shared by every SELECT on executions.
const execColumns = `id, flow_id, COALESCE(owner_id, ''), status, root_execution_id,
	parent_execution_id, execution_depth,
	COALESCE(options, 'null'::jsonb), COALESCE(integration, 'null'::jsonb),
	COALESCE(external_events, 'null'::jsonb),
	COALESCE(error_message, ''), COALESCE(error_node_id, ''),
	failure_count, COALESCE(last_failure_reason, ''), last_failure_at,
	processing_started_at, COALESCE(processing_worker_id, ''),
	created_at, updated_at, started_at, completed_at`

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing connection pool. The schema must already be in
// place; see package migrations.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return "executions-database" }

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Create inserts the row, ignoring duplicates of the same ID.
func (s *Store) Create(ctx context.Context, e *store.Execution) error {
	options, err := encodeMap(e.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	integration, err := encodeMap(e.Integration)
	if err != nil {
		return fmt.Errorf("encode integration: %w", err)
	}
	events, err := encodeEvents(e.ExternalEvents)
	if err != nil {
		return fmt.Errorf("encode external events: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, flow_id, owner_id, status, root_execution_id,
			parent_execution_id, execution_depth, options, integration,
			external_events, failure_count, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.FlowID, e.OwnerID, e.Status, e.RootExecutionID,
		e.ParentExecutionID, e.ExecutionDepth, options, integration,
		events, e.FailureCount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Get returns the row or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*store.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+execColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// Delete removes the row and its claim.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM execution_claims WHERE execution_id = $1`, id); err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// UpdateStatus applies one transition with a conditional UPDATE. The status
// list in the WHERE clause carries the state machine, so a lost race shows
// up as zero affected rows and is diagnosed with a follow-up read.
func (s *Store) UpdateStatus(ctx context.Context, u store.StatusUpdate) error {
	sources := store.TransitionSources(u.Status)
	from := make([]string, len(sources))
	for i, src := range sources {
		from[i] = string(src)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $2,
			updated_at = now(),
			started_at = COALESCE($3, started_at),
			completed_at = COALESCE($4, completed_at),
			error_message = COALESCE(NULLIF($5, ''), error_message),
			error_node_id = COALESCE(NULLIF($6, ''), error_node_id)
		WHERE id = $1 AND status = ANY($7)`,
		u.ID, u.Status, u.StartedAt, u.CompletedAt, u.ErrorMessage, u.ErrorNodeID, from)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current store.Status
	err = s.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, u.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, u.ID)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", store.ErrTerminal, u.ID, current)
	}
	return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, u.Status)
}

// RootExecutions pages roots newest-first. Levels and TotalNested are
// computed per root with scalar subqueries over root_execution_id, which
// the (root_execution_id) index serves.
func (s *Store) RootExecutions(ctx context.Context, flowID string, limit int, after *time.Time) ([]*store.RootExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+execColumns+`,
			(SELECT COALESCE(MAX(t.execution_depth), 0) + 1 FROM executions t WHERE t.root_execution_id = executions.id),
			(SELECT COUNT(*) - 1 FROM executions t WHERE t.root_execution_id = executions.id)
		FROM executions
		WHERE flow_id = $1 AND parent_execution_id IS NULL
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`,
		flowID, limit, after)
	if err != nil {
		return nil, fmt.Errorf("list root executions: %w", err)
	}
	defer rows.Close()
	var out []*store.RootExecution
	for rows.Next() {
		var (
			re     store.RootExecution
			opts   []byte
			integ  []byte
			events []byte
		)
		dests := append(execDests(&re.Execution, &opts, &integ, &events), &re.Levels, &re.TotalNested)
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan root execution: %w", err)
		}
		if err := decodeExecutionJSON(&re.Execution, opts, integ, events); err != nil {
			return nil, err
		}
		out = append(out, &re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list root executions: %w", err)
	}
	return out, nil
}

// ChildExecutions returns direct children in creation order.
func (s *Store) ChildExecutions(ctx context.Context, parentID string) ([]*store.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execColumns+` FROM executions WHERE parent_execution_id = $1 ORDER BY created_at`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("list child executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ExecutionTree fetches every row of the tree in one query and flattens it
// in BFS order.
func (s *Store) ExecutionTree(ctx context.Context, rootID string) ([]store.TreeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execColumns+` FROM executions WHERE root_execution_id = $1 ORDER BY created_at`,
		rootID)
	if err != nil {
		return nil, fmt.Errorf("load execution tree: %w", err)
	}
	defer rows.Close()
	all, err := collectExecutions(rows)
	if err != nil {
		return nil, err
	}
	return store.BuildTree(all, rootID), nil
}

// AcquireClaim upserts the lease. The conditional DO UPDATE only fires when
// the worker already owns the lease or the previous one lapsed, so a live
// lease held elsewhere yields zero affected rows.
func (s *Store) AcquireClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO execution_claims (execution_id, worker_id, claimed_at, expires_at, heartbeat_at, status)
		VALUES ($1, $2, $3, $4, $3, 'active')
		ON CONFLICT (execution_id) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			claimed_at = EXCLUDED.claimed_at,
			expires_at = EXCLUDED.expires_at,
			heartbeat_at = EXCLUDED.heartbeat_at,
			status = 'active'
		WHERE execution_claims.worker_id = EXCLUDED.worker_id
			OR execution_claims.status <> 'active'
			OR execution_claims.expires_at <= EXCLUDED.claimed_at`,
		executionID, workerID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire claim: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HeartbeatClaims extends every active lease held by the worker.
func (s *Store) HeartbeatClaims(ctx context.Context, workerID string, ttl time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE execution_claims SET heartbeat_at = $2, expires_at = $3 WHERE worker_id = $1 AND status = 'active'`,
		workerID, now, now.Add(ttl))
	if err != nil {
		return 0, fmt.Errorf("heartbeat claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseClaim marks the lease released.
func (s *Store) ReleaseClaim(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE execution_claims SET status = 'released' WHERE execution_id = $1`,
		executionID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ExpireStaleClaims flips overdue leases to expired. SKIP LOCKED keeps
// concurrent sweepers from expiring the same batch.
func (s *Store) ExpireStaleClaims(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE execution_claims SET status = 'expired'
		WHERE execution_id IN (
			SELECT execution_id FROM execution_claims
			WHERE status = 'active' AND expires_at < now()
			ORDER BY expires_at
			LIMIT NULLIF($1, 0)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING execution_id`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("expire stale claims: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire stale claims: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire stale claims: %w", err)
	}
	return ids, nil
}

// MarkProcessing records the worker handling the execution.
func (s *Store) MarkProcessing(ctx context.Context, executionID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET processing_started_at = now(), processing_worker_id = $2, updated_at = now()
		WHERE id = $1`,
		executionID, workerID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, executionID)
	}
	return nil
}

// RecordFailure bumps the failure counter and returns the new count.
func (s *Store) RecordFailure(ctx context.Context, executionID, reason string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE executions SET
			failure_count = failure_count + 1,
			last_failure_reason = NULLIF($2, ''),
			last_failure_at = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING failure_count`,
		executionID, reason).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", store.ErrNotFound, executionID)
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return count, nil
}

// execDests returns the scan destinations matching execColumns.
func execDests(e *store.Execution, options, integration, events *[]byte) []any {
	return []any{
		&e.ID, &e.FlowID, &e.OwnerID, &e.Status, &e.RootExecutionID,
		&e.ParentExecutionID, &e.ExecutionDepth,
		options, integration, events,
		&e.ErrorMessage, &e.ErrorNodeID,
		&e.FailureCount, &e.LastFailureReason, &e.LastFailureAt,
		&e.ProcessingStartedAt, &e.ProcessingWorkerID,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.CompletedAt,
	}
}

func scanExecution(row pgx.Row) (*store.Execution, error) {
	var (
		e      store.Execution
		opts   []byte
		integ  []byte
		events []byte
	)
	if err := row.Scan(execDests(&e, &opts, &integ, &events)...); err != nil {
		return nil, err
	}
	if err := decodeExecutionJSON(&e, opts, integ, events); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectExecutions(rows pgx.Rows) ([]*store.Execution, error) {
	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func decodeExecutionJSON(e *store.Execution, options, integration, events []byte) error {
	if err := json.Unmarshal(options, &e.Options); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(integration, &e.Integration); err != nil {
		return fmt.Errorf("decode integration: %w", err)
	}
	if err := json.Unmarshal(events, &e.ExternalEvents); err != nil {
		return fmt.Errorf("decode external events: %w", err)
	}
	return nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func encodeEvents(evs []store.ExternalEvent) ([]byte, error) {
	if evs == nil {
		return nil, nil
	}
	return json.Marshal(evs)
}
