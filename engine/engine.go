// Package engine executes one flow graph to completion inside an execution
// workflow's atomic step.
//
// The engine schedules nodes over a bounded worker pool: dependency counters
// are seeded from incoming edges, zero-dependency nodes start immediately,
// and a single orchestrator loop activates dependents as their sources
// resolve. Before a node runs, its incoming edges transfer values in
// parallel; a port left without any successful delivery skips the node
// instead of failing the flow. Emitted domain events accumulate on the
// execution context and are handed to the registered callback after each
// node so the enclosing workflow can spawn child executions.
//
// Flow-level failure is driven exclusively by the abort controller: a node
// error marks that node and skips its dependents, while node timeouts, flow
// timeouts and external aborts terminate the whole run. Aborting with a
// plain reason is a cancellation; aborting with an error is a failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cascadeflow/cascade/event"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/telemetry"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxConcurrency = 10
	DefaultNodeTimeout    = 60 * time.Second
	DefaultFlowTimeout    = 300 * time.Second
)

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodeIdle          NodeStatus = "idle"
	NodeInitialized   NodeStatus = "initialized"
	NodeRunning       NodeStatus = "running"
	NodePaused        NodeStatus = "paused"
	NodeBackgrounding NodeStatus = "backgrounding"
	NodeCompleted     NodeStatus = "completed"
	NodeError         NodeStatus = "error"
	NodeSkipped       NodeStatus = "skipped"
)

// Status is the terminal outcome of one engine run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type (
	// Options configures an Engine.
	Options struct {
		// Registry resolves node types to behaviors. Required.
		Registry *flow.Registry
		// Sink receives the run's event envelopes. Nil discards events.
		Sink event.Sink
		// EventCallback runs after each node resolves, before its completion
		// event, so the caller can consume emitted events. Returning an
		// error fails the node and aborts the run with that error.
		EventCallback func(ctx context.Context, ec *ExecutionContext) error
		// MaxConcurrency caps concurrently running nodes. Defaults to 10.
		MaxConcurrency int
		// NodeTimeout bounds one node's behavior through its context. A
		// node that exceeds it is marked failed and the run aborts.
		// Defaults to 60s.
		NodeTimeout time.Duration
		// FlowTimeout bounds the whole run. Expiry aborts with an error.
		// Defaults to 300s. Negative disables.
		FlowTimeout time.Duration
		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records node executions and durations.
		Metrics telemetry.Metrics
	}

	// Engine drives one flow for one execution context. Execute may be
	// called once.
	Engine struct {
		flow     *flow.Flow
		ec       *ExecutionContext
		reg      *flow.Registry
		pub      *publisher
		debug    *Debugger
		callback func(ctx context.Context, ec *ExecutionContext) error
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		maxConcurrency int
		nodeTimeout    time.Duration
		flowTimeout    time.Duration

		// runnable is the subset of nodes this run may schedule, after
		// event-bound classification against the execution context.
		runnable map[string]bool

		// pubCtx survives the run context so terminal events flush after an
		// abort. Set by Execute.
		pubCtx  context.Context
		started atomic.Bool
	}

	// Result is the outcome Execute reports to the enclosing workflow step.
	Result struct {
		Status   Status        `json:"status"`
		Duration time.Duration `json:"duration"`
		// Error carries the failure message when Status is failed.
		Error string `json:"error,omitempty"`
		// Reason carries the cancellation reason when Status is cancelled.
		Reason string `json:"reason,omitempty"`
	}
)

// New builds an engine for one run of f under ec.
func New(f *flow.Flow, ec *ExecutionContext, opts Options) (*Engine, error) {
	if f == nil {
		return nil, fmt.Errorf("engine: flow is required")
	}
	if ec == nil {
		return nil, fmt.Errorf("engine: execution context is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: Options.Registry is required")
	}
	if opts.Sink == nil {
		opts.Sink = event.SinkFunc(func(context.Context, event.Envelope) error { return nil })
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.NodeTimeout == 0 {
		opts.NodeTimeout = DefaultNodeTimeout
	}
	if opts.FlowTimeout == 0 {
		opts.FlowTimeout = DefaultFlowTimeout
	}

	e := &Engine{
		flow:           f,
		ec:             ec,
		reg:            opts.Registry,
		pub:            &publisher{sink: opts.Sink, logger: opts.Logger},
		callback:       opts.EventCallback,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		maxConcurrency: opts.MaxConcurrency,
		nodeTimeout:    opts.NodeTimeout,
		flowTimeout:    opts.FlowTimeout,
		runnable:       runnableNodes(f, ec.Event),
	}
	e.debug = newDebugger(ec.abort)
	return e, nil
}

// Debugger returns the run's debugger controller.
func (e *Engine) Debugger() *Debugger { return e.debug }

// Pause suspends node entry and marks running nodes paused. It is a no-op
// when the engine is already paused.
func (e *Engine) Pause(reason string) {
	if !e.debug.Pause() {
		return
	}
	ctx := e.publishCtx()
	e.publish(ctx, event.FlowPaused, event.FlowData{
		ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID, Reason: reason,
	})
	for _, id := range e.ec.moveAll(NodeRunning, NodePaused) {
		e.publish(ctx, event.NodeStatusChanged, event.StatusChangeData{
			NodeID: id, From: string(NodeRunning), To: string(NodePaused),
		})
	}
}

// Resume releases paused node entry and marks paused nodes running.
func (e *Engine) Resume() {
	if !e.debug.Continue() {
		return
	}
	ctx := e.publishCtx()
	e.publish(ctx, event.FlowResumed, event.FlowData{
		ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID,
	})
	for _, id := range e.ec.moveAll(NodePaused, NodeRunning) {
		e.publish(ctx, event.NodeStatusChanged, event.StatusChangeData{
			NodeID: id, From: string(NodePaused), To: string(NodeRunning),
		})
	}
}

// Step lets one blocked node through while the engine stays paused.
func (e *Engine) Step() { e.debug.Step() }

// Execute runs the flow to a terminal status. The returned Result reflects
// the abort controller: failed when aborted with an error, cancelled when
// aborted with a plain reason, completed otherwise. Execute returns an
// error only when called twice.
func (e *Engine) Execute(ctx context.Context) (*Result, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, errors.New("engine: execute already called")
	}
	start := time.Now()
	e.pubCtx = context.WithoutCancel(ctx)

	if e.flowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.flowTimeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Translate external termination into an abort cause, then collapse the
	// run context so in-flight nodes observe it.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-e.ec.abort.Done():
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.ec.abort.Fail(fmt.Errorf("flow execution timed out after %s", e.flowTimeout))
			} else {
				e.ec.abort.Abort("execution cancelled")
			}
		case <-runCtx.Done():
			return
		}
		cancelRun()
	}()

	e.publish(e.pubCtx, event.FlowStarted, event.FlowData{
		ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID,
	})

	e.run(runCtx)
	cancelRun()
	<-watchDone

	res := &Result{Duration: time.Since(start)}
	switch reason, failure := e.ec.abort.Cause(); {
	case failure != nil:
		res.Status = StatusFailed
		res.Error = failure.Error()
		e.publish(e.pubCtx, event.FlowFailed, event.FlowData{
			ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID,
			Status: string(StatusFailed), Error: res.Error, DurationMs: res.Duration.Milliseconds(),
		})
	case e.ec.abort.Aborted():
		res.Status = StatusCancelled
		res.Reason = reason
		e.publish(e.pubCtx, event.FlowCancelled, event.FlowData{
			ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID,
			Status: string(StatusCancelled), Reason: reason, DurationMs: res.Duration.Milliseconds(),
		})
	default:
		res.Status = StatusCompleted
		e.publish(e.pubCtx, event.FlowCompleted, event.FlowData{
			ExecutionID: e.ec.ExecutionID, FlowID: e.flow.ID,
			Status: string(StatusCompleted), DurationMs: res.Duration.Milliseconds(),
		})
	}
	return res, nil
}

// Append publishes an out-of-band event into the run's stream, consuming
// the next index in sequence. The orchestration layer uses it to interleave
// child execution events with the engine's own output.
func (e *Engine) Append(t event.EventType, payload any) {
	e.pub.publish(e.publishCtx(), t, payload)
}

func (e *Engine) publish(ctx context.Context, t event.EventType, payload any) {
	e.pub.publish(ctx, t, payload)
}

func (e *Engine) publishCtx() context.Context {
	if e.pubCtx != nil {
		return e.pubCtx
	}
	return context.Background()
}

// runCallback hands accumulated events to the registered callback.
func (e *Engine) runCallback(ctx context.Context) error {
	if e.callback == nil {
		return nil
	}
	return e.callback(ctx, e.ec)
}

// runnableNodes classifies the flow against the execution context. Nodes
// connected to a disabledAutoExecution listener form that listener's
// event-bound cohort: a root run excludes every cohort, a child run includes
// only the cohorts whose listener event matches the spawning event.
func runnableNodes(f *flow.Flow, ev *flow.EventData) map[string]bool {
	adj := make(map[string][]string, len(f.Nodes))
	for _, e := range f.Edges {
		adj[e.Source.NodeID] = append(adj[e.Source.NodeID], e.Target.NodeID)
		adj[e.Target.NodeID] = append(adj[e.Target.NodeID], e.Source.NodeID)
	}
	cohort := func(seed string) map[string]bool {
		seen := map[string]bool{seed: true}
		queue := []string{seed}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, next := range adj[id] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		return seen
	}

	runnable := make(map[string]bool, len(f.Nodes))
	if ev == nil {
		bound := make(map[string]bool)
		for _, n := range f.Nodes {
			if n.Metadata.DisabledAutoExecution {
				for id := range cohort(n.ID) {
					bound[id] = true
				}
			}
		}
		for _, n := range f.Nodes {
			if !bound[n.ID] {
				runnable[n.ID] = true
			}
		}
		return runnable
	}
	for _, n := range f.Nodes {
		if n.Metadata.DisabledAutoExecution && n.Metadata.EventName == ev.Name {
			for id := range cohort(n.ID) {
				runnable[id] = true
			}
		}
	}
	return runnable
}

// sortedIDs returns map keys in a stable order for deterministic event
// emission.
func sortedIDs(m map[string]bool) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
