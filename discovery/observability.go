package discovery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a2a-fabric/core/telemetry"
)

// OperationType identifies the kind of discovery operation for
// observability purposes.
type OperationType string

// Recognized discovery operations.
const (
	OpInitialize OperationType = "initialize"
	OpDiscover   OperationType = "discover"
	OpRegister   OperationType = "register_with_central"
	OpDeregister OperationType = "deregister_from_central"
	OpHeartbeat  OperationType = "heartbeat"
	OpAnnounce   OperationType = "announce"
)

// OperationOutcome is the result of a discovery operation.
type OperationOutcome string

// Recognized outcomes.
const (
	OutcomeSuccess OperationOutcome = "success"
	OutcomeError   OperationOutcome = "error"
)

// OperationEvent is a structured log/metrics event for one discovery
// operation.
type OperationEvent struct {
	Operation OperationType
	Backend   string
	Duration  time.Duration
	Outcome   OperationOutcome
	Error     string
}

// Observability provides structured logging, metrics, and tracing for
// discovery operations.
type Observability struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewObservability constructs an Observability helper, substituting
// noop implementations for any nil argument.
func NewObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Observability {
	o := &Observability{logger: logger, metrics: metrics, tracer: tracer}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	return o
}

// LogOperation emits a structured log line for the event.
func (o *Observability) LogOperation(ctx context.Context, event OperationEvent) {
	keyvals := []any{
		"operation", string(event.Operation),
		"backend", event.Backend,
		"outcome", string(event.Outcome),
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
		o.logger.Error(ctx, "discovery operation failed", keyvals...)
		return
	}
	o.logger.Debug(ctx, "discovery operation completed", keyvals...)
}

// RecordOperationMetrics records duration and outcome counters for the event.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "backend", event.Backend, "outcome", string(event.Outcome)}
	o.metrics.RecordTimer("discovery.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("discovery.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("discovery.operation.error", 1, tags...)
	}
}

// StartSpan starts a trace span for a discovery operation.
func (o *Observability) StartSpan(ctx context.Context, op OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, "discovery."+string(op), opts...)
}

// EndSpan ends a trace span, recording the operation's outcome.
func (o *Observability) EndSpan(span telemetry.Span, outcome OperationOutcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
	span.End()
}
