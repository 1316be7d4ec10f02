package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scope = "github.com/cascadeflow/cascade"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (log.Context with log.WithFormat and
	// log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records counters, durations and gauges through the global
	// OpenTelemetry MeterProvider.
	OtelMetrics struct {
		meter metric.Meter
	}

	// OtelTracer starts spans through the global TracerProvider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewLogger returns a Logger backed by clue.
func NewLogger() Logger { return ClueLogger{} }

// NewMetrics returns a Metrics recorder backed by the global MeterProvider.
// Configure the provider before the daemon serves traffic; until then the
// recorder is a cheap no-op.
func NewMetrics() Metrics { return &OtelMetrics{meter: otel.Meter(scope)} }

// NewTracer returns a Tracer backed by the global TracerProvider.
func NewTracer() Tracer { return &OtelTracer{tracer: otel.Tracer(scope)} }

// Debug emits a debug-level message with structured fields.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

// Info emits an info-level message with structured fields.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

// Warn emits a warning-level message with structured fields.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fields(msg, keyvals)...)
}

// Error emits an error-level message with structured fields.
func (ClueLogger) Error(ctx context.Context, err error, msg string, keyvals ...any) {
	log.Error(ctx, err, fields(msg, keyvals)...)
}

// IncCounter adds value to the named counter.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

// RecordDuration records d in seconds on the named histogram.
func (m *OtelMetrics) RecordDuration(name string, d time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	hist.Record(context.Background(), d.Seconds(), metric.WithAttributes(attrs(tags)...))
}

// SetGauge applies delta to the named up-down counter.
func (m *OtelMetrics) SetGauge(name string, delta int64, tags ...string) {
	gauge, err := m.meter.Int64UpDownCounter(name)
	if err != nil {
		return
	}
	gauge.Add(context.Background(), delta, metric.WithAttributes(attrs(tags)...))
}

// Start opens a span named name.
func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// fields prefixes the message and converts alternating key-value pairs into
// clue fielders. Non-string keys are dropped.
func fields(msg string, keyvals []any) []log.Fielder {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders
}

func attrs(tags []string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		kvs = append(kvs, attribute.String(tags[i], tags[i+1]))
	}
	return kvs
}
