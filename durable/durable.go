// Package durable implements the workflow runtime underneath the
// orchestrator: registered workflow functions run to completion exactly once,
// surviving process crashes by checkpointing every operation in the system
// database and replaying from checkpoints on recovery.
//
// Key responsibilities:
//   - Workflow registration and queue-backed starts (enqueue is idempotent
//     on the workflow ID)
//   - Checkpointed steps, messaging, sleeps, and stream writes keyed by a
//     monotonic per-workflow function index
//   - Queue consumption bounded by a per-process worker cap and an optional
//     cluster-wide cap per queue, filtered by the pinned application version
//   - Executor heartbeats and a lock-guarded sweeper that re-enqueues
//     workflows whose executor died
//
// A workflow function must be deterministic given its input and its
// checkpoint history: all I/O belongs in steps. Replay after a crash walks
// the function again from the top; operations whose index already has a
// checkpoint return the persisted result without running.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

// DefaultQueue is the queue used by StartWorkflow when none is named. It is
// always declared and has no cluster-wide cap.
const DefaultQueue = "default"

const (
	defaultWorkerConcurrency    = 5
	defaultPollInterval         = 250 * time.Millisecond
	defaultHeartbeatInterval    = 5 * time.Second
	defaultStaleAfter           = 30 * time.Second
	defaultRecoveryScanInterval = 30 * time.Second
	defaultMaxRecoveryAttempts  = 100
	recoveryBatch               = 100
)

var (
	// ErrInsideStep is returned when a checkpointed runtime operation is
	// invoked from inside a running step. Steps must be pure with respect
	// to their returned value; only WriteStream is permitted within one.
	ErrInsideStep = errors.New("durable: operation not allowed inside a step")

	// ErrWorkflowCancelled is the cancellation cause set by CancelWorkflow.
	// Workflow code observes it from checkpoint boundaries and step
	// contexts once the cancel lands.
	ErrWorkflowCancelled = errors.New("durable: workflow cancelled")

	// ErrShuttingDown is returned from checkpoint boundaries while the
	// runtime quiesces. Affected workflows are re-enqueued, not failed.
	ErrShuttingDown = errors.New("durable: runtime shutting down")

	// ErrUnknownWorkflow is returned by StartWorkflow for names that were
	// never registered.
	ErrUnknownWorkflow = errors.New("durable: workflow not registered")

	// ErrUnknownQueue is returned when a start names a queue that was not
	// declared in Options.
	ErrUnknownQueue = errors.New("durable: queue not declared")
)

type (
	// Runtime owns the executor loops of one process: queue claim loops,
	// the executor heartbeat, and the recovery sweeper. All public methods
	// are safe for concurrent use. Construct with New, then register
	// workflows, then Start.
	Runtime struct {
		db        sysdb.Store
		noteWaker sysdb.NotificationWaker
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		appVersion string
		executorID string

		workerSlots   *semaphore.Weighted
		workerMax     int64
		pollInterval  time.Duration
		heartbeatTick time.Duration
		staleAfter    time.Duration
		recoveryTick  time.Duration
		maxRecovery   int

		mu        sync.RWMutex
		workflows map[string]WorkflowFunc
		queues    map[string]QueueConfig
		nudges    map[string]chan struct{}
		started   bool

		baseCtx    context.Context
		baseCancel context.CancelCauseFunc
		quiesce    chan struct{}
		quiesced   sync.Once

		activeMu sync.Mutex
		active   map[string]context.CancelCauseFunc

		wg sync.WaitGroup
	}

	// Options configures a Runtime. DB is required; every other field has a
	// working default. Noop telemetry is substituted for nil Logger and
	// Metrics.
	Options struct {
		// DB is the system database holding workflow rows, checkpoints,
		// streams, and notifications.
		DB sysdb.Store
		// NotificationWaker wakes blocked Recv calls promptly. When nil,
		// Recv falls back to polling at PollInterval.
		NotificationWaker sysdb.NotificationWaker
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and gauges for runtime operations.
		Metrics telemetry.Metrics
		// AppVersion pins dequeue: an executor only claims workflows
		// enqueued with the same version, so rolling deployments never
		// cross-execute incompatible workflow code. Defaults to "dev".
		AppVersion string
		// ExecutorID identifies this process in workflow rows. Defaults to
		// a fresh UUID; configure a stable ID to make start-up recovery of
		// this executor's own orphans immediate.
		ExecutorID string
		// Queues declares named queues beyond the default one. Starts that
		// name an undeclared queue fail.
		Queues []QueueConfig
		// WorkerConcurrency caps concurrently executing workflows in this
		// process across all queues. Defaults to 5.
		WorkerConcurrency int
		// PollInterval paces queue claims and all polling fallbacks.
		// Defaults to 250ms.
		PollInterval time.Duration
		// HeartbeatInterval is the cadence of executor liveness updates.
		// Defaults to 5s.
		HeartbeatInterval time.Duration
		// StaleAfter is how long a running workflow may go without a
		// heartbeat before the sweeper re-enqueues it. Defaults to 30s.
		StaleAfter time.Duration
		// RecoveryScanInterval is the sweeper cadence. Defaults to 30s.
		RecoveryScanInterval time.Duration
		// MaxRecoveryAttempts bounds how often a workflow is re-enqueued
		// after executor loss before it is marked with status error.
		// Defaults to 100.
		MaxRecoveryAttempts int
	}

	// QueueConfig declares a named queue. GlobalConcurrency caps the number
	// of claimed-but-unfinished workflows across the whole cluster; zero
	// means unbounded.
	QueueConfig struct {
		Name              string
		GlobalConcurrency int
	}

	// StartOptions names the workflow identity and target queue of a start.
	StartOptions struct {
		// WorkflowID is the durable identity. Starting an ID that already
		// exists is a no-op returning a handle to the existing workflow.
		// Empty means a fresh UUID.
		WorkflowID string
		// Queue routes the workflow; empty means DefaultQueue.
		Queue string
	}

	// WorkflowFunc is a registered workflow body. It must be deterministic
	// given input and checkpoint history; all side effects belong in steps.
	WorkflowFunc func(wc *WorkflowContext, input json.RawMessage) (json.RawMessage, error)

	// Handle refers to a started workflow.
	Handle struct {
		rt *Runtime
		id string
	}
)

// New validates the options and returns a Runtime ready for registration.
func New(opts Options) (*Runtime, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("durable: Options.DB is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "dev"
	}
	if opts.ExecutorID == "" {
		opts.ExecutorID = uuid.NewString()
	}
	if opts.WorkerConcurrency <= 0 {
		opts.WorkerConcurrency = defaultWorkerConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.RecoveryScanInterval <= 0 {
		opts.RecoveryScanInterval = defaultRecoveryScanInterval
	}
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}

	queues := map[string]QueueConfig{DefaultQueue: {Name: DefaultQueue}}
	nudges := map[string]chan struct{}{DefaultQueue: make(chan struct{}, 1)}
	for _, q := range opts.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("durable: queue with empty name")
		}
		queues[q.Name] = q
		nudges[q.Name] = make(chan struct{}, 1)
	}

	return &Runtime{
		db:            opts.DB,
		noteWaker:     opts.NotificationWaker,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		appVersion:    opts.AppVersion,
		executorID:    opts.ExecutorID,
		workerSlots:   semaphore.NewWeighted(int64(opts.WorkerConcurrency)),
		workerMax:     int64(opts.WorkerConcurrency),
		pollInterval:  opts.PollInterval,
		heartbeatTick: opts.HeartbeatInterval,
		staleAfter:    opts.StaleAfter,
		recoveryTick:  opts.RecoveryScanInterval,
		maxRecovery:   opts.MaxRecoveryAttempts,
		workflows:     make(map[string]WorkflowFunc),
		queues:        queues,
		nudges:        nudges,
		quiesce:       make(chan struct{}),
		active:        make(map[string]context.CancelCauseFunc),
	}, nil
}

// RegisterWorkflow binds a name to a workflow function. Registration closes
// once Start is called so running claim loops never observe a half-built
// registry.
func (r *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) error {
	if name == "" {
		return fmt.Errorf("durable: workflow name is empty")
	}
	if fn == nil {
		return fmt.Errorf("durable: workflow %q has a nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("durable: cannot register workflow %q after Start", name)
	}
	if _, dup := r.workflows[name]; dup {
		return fmt.Errorf("durable: workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// Start recovers this executor's orphans and launches the claim, heartbeat,
// and recovery loops. The context bounds the runtime's lifetime: cancelling
// it is a hard stop. Calling Start twice is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.baseCtx, r.baseCancel = context.WithCancelCause(ctx)
	queues := make([]QueueConfig, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	if err := r.recoverOwn(ctx); err != nil {
		r.logger.Warn(ctx, "start-up recovery failed", "executor_id", r.executorID, "error", err.Error())
	}

	for _, q := range queues {
		r.wg.Add(1)
		go r.claimLoop(q)
	}
	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.recoveryLoop()

	r.logger.Info(ctx, "durable runtime started",
		"executor_id", r.executorID,
		"app_version", r.appVersion,
		"queues", len(queues),
		"worker_concurrency", r.workerMax)
	return nil
}

// Shutdown quiesces the runtime: claim loops stop, running workflows finish
// their current step and are re-enqueued for another executor, and the call
// returns once everything unwound. If ctx expires first the base context is
// cancelled to abort in-flight steps, and the method waits a short grace
// period before giving up.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return nil
	}
	r.quiesced.Do(func() { close(r.quiesce) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	r.baseCancel(ErrShuttingDown)
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		r.logger.Warn(context.WithoutCancel(ctx), "shutdown grace period expired with workflows still running",
			"executor_id", r.executorID)
		return ctx.Err()
	}
}

// StartWorkflow enqueues a workflow start. The call is idempotent on
// StartOptions.WorkflowID: if that identity already exists in any state the
// existing workflow's handle is returned and nothing is enqueued.
func (r *Runtime) StartWorkflow(ctx context.Context, name string, input json.RawMessage, opts StartOptions) (*Handle, error) {
	r.mu.RLock()
	_, known := r.workflows[name]
	queue, queueKnown := r.queues[queueName(opts.Queue)]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if !queueKnown {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, opts.Queue)
	}

	id := opts.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	created, err := r.db.InsertWorkflow(ctx, &sysdb.Workflow{
		ID:         id,
		Name:       name,
		Status:     sysdb.StatusEnqueued,
		QueueName:  queue.Name,
		AppVersion: r.appVersion,
		Input:      input,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue workflow %s: %w", id, err)
	}
	if created {
		r.nudge(queue.Name)
		r.logger.Debug(ctx, "workflow enqueued", "workflow_id", id, "name", name, "queue", queue.Name)
	}
	return &Handle{rt: r, id: id}, nil
}

// Send delivers a message to a workflow's topic from outside any workflow.
// Control-plane commands use this entry point; for sends from workflow code
// use WorkflowContext.Send, which is checkpointed and deduplicated.
func (r *Runtime) Send(ctx context.Context, destinationID, topic string, payload json.RawMessage) error {
	return r.db.SendNotification(ctx, &sysdb.Notification{
		RecipientID: destinationID,
		Topic:       topic,
		Payload:     payload,
	})
}

// CancelWorkflow cancels a workflow. A workflow running in this process is
// cancelled promptly through its context; the engine layer observes the
// abort and unwinds. A workflow that is enqueued or not local is flipped to
// cancelled directly, which also closes its streams. Cancelling a terminal
// workflow is a no-op.
func (r *Runtime) CancelWorkflow(ctx context.Context, id string) error {
	r.activeMu.Lock()
	cancel, local := r.active[id]
	r.activeMu.Unlock()
	if local {
		cancel(ErrWorkflowCancelled)
		return nil
	}
	wf, err := r.db.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	if _, err := r.db.MarkTerminal(ctx, id, sysdb.StatusCancelled, nil, ""); err != nil {
		return fmt.Errorf("cancel workflow %s: %w", id, err)
	}
	return nil
}

// GetStatus returns the workflow row.
func (r *Runtime) GetStatus(ctx context.Context, id string) (*sysdb.Workflow, error) {
	return r.db.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflow rows matching the filter, newest first.
func (r *Runtime) ListWorkflows(ctx context.Context, f sysdb.WorkflowFilter) ([]*sysdb.Workflow, error) {
	return r.db.ListWorkflows(ctx, f)
}

// ListWorkflowSteps returns the workflow's checkpoints in index order.
func (r *Runtime) ListWorkflowSteps(ctx context.Context, id string) ([]*sysdb.StepResult, error) {
	return r.db.ListSteps(ctx, id)
}

// ReadStream returns stream entries with offset >= fromOffset. The close
// sentinel, when present, is the last entry.
func (r *Runtime) ReadStream(ctx context.Context, workflowID, key string, fromOffset int64, limit int) ([]sysdb.StreamEntry, error) {
	return r.db.ReadStream(ctx, workflowID, key, fromOffset, limit)
}

// ExecutorID returns the identity this process writes into claimed rows.
func (r *Runtime) ExecutorID() string { return r.executorID }

// ID returns the workflow identity.
func (h *Handle) ID() string { return h.id }

// Status returns the current workflow row.
func (h *Handle) Status(ctx context.Context) (*sysdb.Workflow, error) {
	return h.rt.db.GetWorkflow(ctx, h.id)
}

// Result blocks until the workflow reaches a terminal status and returns its
// output. Status error surfaces the recorded message; cancelled surfaces
// ErrWorkflowCancelled.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	ticker := time.NewTicker(h.rt.pollInterval)
	defer ticker.Stop()
	for {
		wf, err := h.rt.db.GetWorkflow(ctx, h.id)
		if err != nil {
			return nil, err
		}
		switch wf.Status {
		case sysdb.StatusSuccess:
			return wf.Output, nil
		case sysdb.StatusError:
			return nil, fmt.Errorf("workflow %s: %s", h.id, wf.Error)
		case sysdb.StatusCancelled:
			return nil, fmt.Errorf("workflow %s: %w", h.id, ErrWorkflowCancelled)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runtime) nudge(queue string) {
	r.mu.RLock()
	ch := r.nudges[queue]
	r.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Runtime) shuttingDown() bool {
	select {
	case <-r.quiesce:
		return true
	default:
		return false
	}
}

func queueName(name string) string {
	if name == "" {
		return DefaultQueue
	}
	return name
}
