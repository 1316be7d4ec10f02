// Package orchestrator runs flow executions as durable workflows and exposes
// the control-plane API over them.
//
// Each execution row from package store is driven by one registered workflow:
// it announces itself on its event stream, waits for an explicit start
// signal, then runs three checkpointed steps (mark running, execute the flow
// atomically, mark terminal) and finally starts one sibling workflow per
// child execution spawned during the run. Control commands reach a live
// workflow through the durable runtime's messaging: the workflow polls a
// COMMAND topic every 500ms and shares what it hears with the engine through
// a CommandController that an engine-side timer samples every 100ms. Stops
// bypass that path via workflow cancellation so they take effect within one
// poll period.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/cascadeflow/cascade/durable"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/store"
	"github.com/cascadeflow/cascade/stream"
	"github.com/cascadeflow/cascade/sysdb"
	"github.com/cascadeflow/cascade/telemetry"
)

const (
	// WorkflowName is the durable runtime registration of the execution
	// workflow. Workflow IDs equal execution IDs, so enqueueing is
	// idempotent per execution.
	WorkflowName = "executionWorkflow"

	// TopicStart carries the explicit start signal. Children self-send it;
	// roots receive it from the control plane's Start.
	TopicStart = "START_SIGNAL"

	// TopicCommand carries STOP/PAUSE/RESUME/STEP commands to the owning
	// worker.
	TopicCommand = "COMMAND"

	// StreamKeyEvents is the stream key holding the execution's event
	// envelopes.
	StreamKeyEvents = "events"
)

const (
	// DefaultRootStartTimeout bounds how long a root execution waits for
	// its start signal before failing with ErrStartTimeout's message.
	DefaultRootStartTimeout = 300 * time.Second

	// DefaultChildStartTimeout is the equivalent bound for children, which
	// self-send the signal and so should never get near it.
	DefaultChildStartTimeout = 10 * time.Second

	// DefaultRecoveryScanInterval paces the legacy claim sweeper.
	DefaultRecoveryScanInterval = 30 * time.Second

	// DefaultMaxFailureCount is the legacy recovery budget: once an
	// execution's failure counter reaches it, the row is failed and never
	// re-enqueued.
	DefaultMaxFailureCount = 5

	// commandPollTick is the workflow-level cadence of the COMMAND topic
	// poll.
	commandPollTick = 500 * time.Millisecond

	// engineCommandTick is the engine-side cadence at which the atomic step
	// samples the CommandController.
	engineCommandTick = 100 * time.Millisecond
)

// startTimeoutMessage is the terminal error recorded when no start signal
// arrives in time. The text is part of the client-visible contract.
const startTimeoutMessage = "Execution start timeout"

type (
	// Options configures an Orchestrator. Executions, DB, Flows, Registry,
	// Runtime, and Streams are required; everything else has a working
	// default.
	Options struct {
		// Executions is the client-facing execution row store.
		Executions store.Store
		// DB is the system database shared with the durable runtime. The
		// orchestrator uses it directly for cross-workflow stream appends
		// and the recovery scan lock.
		DB sysdb.Store
		// Flows serves flow definitions by ID.
		Flows flow.Store
		// Registry resolves node types for the engine.
		Registry *flow.Registry
		// Runtime hosts the execution workflows.
		Runtime *durable.Runtime
		// Streams delivers event subscriptions for the control plane.
		Streams *stream.Transport
		// Queue is the durable queue executions run on. Defaults to the
		// runtime's default queue; it must be declared there either way.
		Queue string

		// EngineMaxConcurrency, NodeTimeout, and FlowTimeout configure each
		// engine instance. Zero values use the engine defaults.
		EngineMaxConcurrency int
		NodeTimeout          time.Duration
		FlowTimeout          time.Duration

		// RootStartTimeout and ChildStartTimeout override the start-signal
		// wait bounds. Zero values use the defaults.
		RootStartTimeout  time.Duration
		ChildStartTimeout time.Duration

		// RecoveryScanInterval paces RunClaimSweeper. Defaults to 30s.
		RecoveryScanInterval time.Duration
		// MaxFailureCount is the legacy recovery budget. Defaults to 5.
		MaxFailureCount int

		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records execution outcomes.
		Metrics telemetry.Metrics
	}

	// Orchestrator owns the execution workflow and its ambient loops.
	// Construct with New, call Register before the runtime starts, and use
	// NewService for the control-plane surface.
	Orchestrator struct {
		exec    store.Store
		db      sysdb.Store
		flows   flow.Store
		reg     *flow.Registry
		rt      *durable.Runtime
		streams *stream.Transport
		queue   string

		engineMaxConcurrency int
		nodeTimeout          time.Duration
		flowTimeout          time.Duration
		rootStartTimeout     time.Duration
		childStartTimeout    time.Duration

		recoveryScanInterval time.Duration
		maxFailureCount      int

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// New validates the options and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Executions == nil {
		return nil, fmt.Errorf("orchestrator: Options.Executions is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("orchestrator: Options.DB is required")
	}
	if opts.Flows == nil {
		return nil, fmt.Errorf("orchestrator: Options.Flows is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator: Options.Registry is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("orchestrator: Options.Runtime is required")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("orchestrator: Options.Streams is required")
	}
	if opts.Queue == "" {
		opts.Queue = durable.DefaultQueue
	}
	if opts.RootStartTimeout <= 0 {
		opts.RootStartTimeout = DefaultRootStartTimeout
	}
	if opts.ChildStartTimeout <= 0 {
		opts.ChildStartTimeout = DefaultChildStartTimeout
	}
	if opts.RecoveryScanInterval <= 0 {
		opts.RecoveryScanInterval = DefaultRecoveryScanInterval
	}
	if opts.MaxFailureCount <= 0 {
		opts.MaxFailureCount = DefaultMaxFailureCount
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		exec:                 opts.Executions,
		db:                   opts.DB,
		flows:                opts.Flows,
		reg:                  opts.Registry,
		rt:                   opts.Runtime,
		streams:              opts.Streams,
		queue:                opts.Queue,
		engineMaxConcurrency: opts.EngineMaxConcurrency,
		nodeTimeout:          opts.NodeTimeout,
		flowTimeout:          opts.FlowTimeout,
		rootStartTimeout:     opts.RootStartTimeout,
		childStartTimeout:    opts.ChildStartTimeout,
		recoveryScanInterval: opts.RecoveryScanInterval,
		maxFailureCount:      opts.MaxFailureCount,
		logger:               opts.Logger,
		metrics:              opts.Metrics,
	}, nil
}

// Register binds the execution workflow to the durable runtime. It must run
// before Runtime.Start.
func (o *Orchestrator) Register() error {
	return o.rt.RegisterWorkflow(WorkflowName, durable.Typed(o.run))
}
