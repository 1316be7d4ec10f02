// Package telemetry provides the logging, metrics and tracing seams used
// across the orchestrator. Implementations delegate to goa.design/clue/log
// and the OpenTelemetry APIs; the interfaces stay small so tests can drop in
// lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key-value pairs alternate keys
	// (strings) and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Metrics records orchestrator instrumentation. Tags alternate keys and
	// values, both strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordDuration(name string, d time.Duration, tags ...string)
		SetGauge(name string, delta int64, tags ...string)
	}

	// Tracer starts spans around workflow phases and node execution.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the minimal span surface the orchestrator needs.
	Span interface {
		End()
		RecordError(err error)
	}
)

// Metric names recorded by the orchestrator. Dashboards and tests reference
// these constants rather than string literals.
const (
	MetricExecutionsStarted   = "cascade_executions_started_total"
	MetricExecutionsCompleted = "cascade_executions_completed_total"
	MetricExecutionsFailed    = "cascade_executions_failed_total"
	MetricExecutionsStopped   = "cascade_executions_stopped_total"
	MetricStepsCheckpointed   = "cascade_workflow_steps_checkpointed_total"
	MetricStepsReplayed       = "cascade_workflow_steps_replayed_total"
	MetricWorkflowsFinished   = "cascade_workflows_finished_total"
	MetricEventsPublished     = "cascade_stream_events_published_total"
	MetricNodesExecuted       = "cascade_engine_nodes_executed_total"
	MetricNodeDuration        = "cascade_engine_node_duration_seconds"
	MetricWorkflowsRecovered  = "cascade_workflows_recovered_total"
	MetricActiveWorkflows     = "cascade_active_workflows"
	MetricQueueDequeues       = "cascade_queue_dequeues_total"
)
