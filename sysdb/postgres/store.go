// Package postgres implements the system database on PostgreSQL via pgx.
// Queue claims use FOR UPDATE SKIP LOCKED so concurrent workers never pick
// the same workflow, stream offsets stay dense through an insert-select with
// bounded retry on offset collisions, and the terminal transition closes
// streams in the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascadeflow/cascade/sysdb"
)

// wfColumns is the scan order shared by every SELECT on workflow_status.
const wfColumns = `workflow_id, name, status, COALESCE(queue_name, ''),
	COALESCE(application_version, ''), COALESCE(executor_id, ''),
	input, output, COALESCE(error, ''), recovery_attempts,
	created_at, updated_at, started_at, heartbeat_at`

// recoveryLockID keys the cluster-wide advisory lock held while sweeping for
// stale workflows.
const recoveryLockID int64 = 0xCA5CADE

// writeStreamRetries bounds the offset-collision retry loop when several
// writers append to the same stream.
const writeStreamRetries = 16

// Store is the PostgreSQL implementation of sysdb.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ sysdb.Store = (*Store)(nil)

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return "system-database" }

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// InsertWorkflow creates the row if absent.
func (s *Store) InsertWorkflow(ctx context.Context, wf *sysdb.Workflow) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_status (
			workflow_id, name, status, queue_name, application_version,
			executor_id, input, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, now(), now())
		ON CONFLICT (workflow_id) DO NOTHING`,
		wf.ID, wf.Name, wf.Status, wf.QueueName, wf.AppVersion, wf.ExecutorID, wf.Input)
	if err != nil {
		return false, fmt.Errorf("insert workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetWorkflow returns the row or sysdb.ErrWorkflowNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*sysdb.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+wfColumns+` FROM workflow_status WHERE workflow_id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns matching rows, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f sysdb.WorkflowFilter) ([]*sysdb.Workflow, error) {
	q := `SELECT ` + wfColumns + ` FROM workflow_status`
	var (
		conds []string
		args  []any
	)
	if f.Name != "" {
		args = append(args, f.Name)
		conds = append(conds, fmt.Sprintf("name = $%d", len(args)))
	}
	if f.Queue != "" {
		args = append(args, f.Queue)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if f.Executor != "" {
		args = append(args, f.Executor)
		conds = append(conds, fmt.Sprintf("executor_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// CountWorkflows counts rows on the queue with the status.
func (s *Store) CountWorkflows(ctx context.Context, queue string, status sysdb.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_status WHERE queue_name = $1 AND status = $2`,
		queue, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return n, nil
}

// ClaimEnqueued moves up to limit enqueued rows of the queue to running,
// pinned to the executor. SKIP LOCKED makes concurrent claims disjoint.
func (s *Store) ClaimEnqueued(ctx context.Context, queue, appVersion, executorID string, limit int) ([]*sysdb.Workflow, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT workflow_id FROM workflow_status
			WHERE queue_name = $1 AND status = 'enqueued' AND application_version = $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE workflow_status w SET
				status = 'running',
				executor_id = $4,
				started_at = COALESCE(w.started_at, now()),
				heartbeat_at = now(),
				updated_at = now()
			FROM picked
			WHERE w.workflow_id = picked.workflow_id
			RETURNING w.*
		)
		SELECT `+wfColumns+` FROM claimed ORDER BY created_at`,
		queue, appVersion, executorID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim enqueued workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// MarkTerminal flips the row to a terminal status and closes every open
// stream of the workflow in the same transaction. The stream close sentinel
// is a row with a SQL NULL value at the next dense offset; the insert fires
// the stream trigger so live subscribers wake up.
func (s *Store) MarkTerminal(ctx context.Context, id string, status sysdb.Status, output json.RawMessage, errMsg string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_status SET
			status = $2,
			output = $3,
			error = NULLIF($4, ''),
			updated_at = now()
		WHERE workflow_id = $1 AND status NOT IN ('success', 'error', 'cancelled')`,
		id, status, output, errMsg)
	if err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	changed := tag.RowsAffected() > 0
	if !changed {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_status WHERE workflow_id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("mark terminal: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO streams (workflow_id, key, "offset", value)
		SELECT workflow_id, key, MAX("offset") + 1, NULL
		FROM streams WHERE workflow_id = $1
		GROUP BY workflow_id, key
		HAVING NOT bool_or(value IS NULL)`,
		id); err != nil {
		return false, fmt.Errorf("close streams: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	return changed, nil
}

// GetStep returns the checkpoint or nil when the step has not completed.
func (s *Store) GetStep(ctx context.Context, workflowID string, functionID int64) (*sysdb.StepResult, error) {
	var st sysdb.StepResult
	var output []byte
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, function_id, function_name, output, COALESCE(error, ''), COALESCE(child_workflow_id, '')
		FROM workflow_steps WHERE workflow_id = $1 AND function_id = $2`,
		workflowID, functionID).
		Scan(&st.WorkflowID, &st.FunctionID, &st.FunctionName, &output, &st.Error, &st.ChildWorkflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	st.Output = output
	return &st, nil
}

// SaveStep persists the checkpoint; duplicates from replay are ignored.
func (s *Store) SaveStep(ctx context.Context, step *sysdb.StepResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (workflow_id, function_id, function_name, output, error, child_workflow_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (workflow_id, function_id) DO NOTHING`,
		step.WorkflowID, step.FunctionID, step.FunctionName, step.Output, step.Error, step.ChildWorkflowID)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// ListSteps returns checkpoints ordered by function index.
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*sysdb.StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, function_id, function_name, output, COALESCE(error, ''), COALESCE(child_workflow_id, '')
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY function_id`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []*sysdb.StepResult
	for rows.Next() {
		var st sysdb.StepResult
		var output []byte
		if err := rows.Scan(&st.WorkflowID, &st.FunctionID, &st.FunctionName, &output, &st.Error, &st.ChildWorkflowID); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Output = output
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return out, nil
}

// WriteStream appends value at the next dense offset. Concurrent appenders
// may compute the same offset; the primary key rejects the loser and the
// write retries with a fresh read.
func (s *Store) WriteStream(ctx context.Context, workflowID, key string, value json.RawMessage) (int64, error) {
	if len(value) == 0 {
		// SQL NULL is reserved for the close sentinel.
		value = json.RawMessage("null")
	}
	for attempt := 0; attempt < writeStreamRetries; attempt++ {
		var offset int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO streams (workflow_id, key, "offset", value)
			SELECT $1, $2, COALESCE(MAX("offset") + 1, 0), $3::jsonb
			FROM streams WHERE workflow_id = $1 AND key = $2
			HAVING COALESCE(bool_or(value IS NULL), false) = false
			RETURNING "offset"`,
			workflowID, key, value).Scan(&offset)
		if err == nil {
			return offset, nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s/%s", sysdb.ErrStreamClosed, workflowID, key)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return 0, fmt.Errorf("write stream: %w", err)
	}
	return 0, fmt.Errorf("write stream %s/%s: offset contention persisted after %d attempts", workflowID, key, writeStreamRetries)
}

// ReadStream returns entries with offset >= fromOffset in offset order.
func (s *Store) ReadStream(ctx context.Context, workflowID, key string, fromOffset int64, limit int) ([]sysdb.StreamEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, key, "offset", value FROM streams
		WHERE workflow_id = $1 AND key = $2 AND "offset" >= $3
		ORDER BY "offset"
		LIMIT NULLIF($4, 0)`,
		workflowID, key, fromOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer rows.Close()
	var out []sysdb.StreamEntry
	for rows.Next() {
		var e sysdb.StreamEntry
		var value []byte
		if err := rows.Scan(&e.WorkflowID, &e.Key, &e.Offset, &value); err != nil {
			return nil, fmt.Errorf("scan stream entry: %w", err)
		}
		if value == nil {
			e.Closed = true
		} else {
			e.Value = value
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return out, nil
}

// SendNotification appends the message. Sends that carry a sender identity
// hit the dedup index on replay and become no-ops.
func (s *Store) SendNotification(ctx context.Context, n *sysdb.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (recipient_id, topic, sender_id, sender_step, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (recipient_id, topic, sender_id, sender_step) WHERE sender_id IS NOT NULL DO NOTHING`,
		n.RecipientID, n.Topic, n.SenderID, n.SenderStep, n.Payload)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// ConsumeNotification pops the oldest message for (recipient, topic).
func (s *Store) ConsumeNotification(ctx context.Context, recipientID, topic string) (json.RawMessage, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		DELETE FROM notifications WHERE id = (
			SELECT id FROM notifications
			WHERE recipient_id = $1 AND topic = $2
			ORDER BY enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`,
		recipientID, topic).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("consume notification: %w", err)
	}
	return payload, true, nil
}

// Heartbeat refreshes every running row owned by the executor.
func (s *Store) Heartbeat(ctx context.Context, executorID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_status SET heartbeat_at = now() WHERE executor_id = $1 AND status = 'running'`,
		executorID)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StaleWorkflows returns running rows whose last sign of life predates
// cutoff.
func (s *Store) StaleWorkflows(ctx context.Context, cutoff time.Time, limit int) ([]*sysdb.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+wfColumns+` FROM workflow_status
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < $1
		ORDER BY created_at
		LIMIT NULLIF($2, 0)`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// Requeue moves a running row back to enqueued and bumps the counter.
func (s *Store) Requeue(ctx context.Context, id string) (int, bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE workflow_status SET
			status = 'enqueued',
			executor_id = NULL,
			heartbeat_at = NULL,
			recovery_attempts = recovery_attempts + 1,
			updated_at = now()
		WHERE workflow_id = $1 AND status = 'running'
		RETURNING recovery_attempts`,
		id).Scan(&attempts)
	if err == nil {
		return attempts, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("requeue workflow: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT recovery_attempts FROM workflow_status WHERE workflow_id = $1`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("requeue workflow: %w", err)
	}
	return attempts, false, nil
}

// TryRecoveryLock takes the cluster-wide advisory lock on a pinned
// connection. The connection is held until release is called.
func (s *Store) TryRecoveryLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire recovery lock connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, recoveryLockID).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try recovery lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, recoveryLockID)
		conn.Release()
	}
	return release, true, nil
}

func scanWorkflow(row pgx.Row) (*sysdb.Workflow, error) {
	var wf sysdb.Workflow
	var input, output []byte
	err := row.Scan(
		&wf.ID, &wf.Name, &wf.Status, &wf.QueueName,
		&wf.AppVersion, &wf.ExecutorID,
		&input, &output, &wf.Error, &wf.RecoveryAttempts,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.StartedAt, &wf.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	wf.Input = input
	wf.Output = output
	return &wf, nil
}

func collectWorkflows(rows pgx.Rows) ([]*sysdb.Workflow, error) {
	var out []*sysdb.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}
