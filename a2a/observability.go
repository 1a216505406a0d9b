package a2a

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a2a-fabric/core/telemetry"
)

// OperationType identifies the kind of server-level operation for
// observability purposes.
type OperationType string

// Recognized server operations.
const (
	OpMessageSend  OperationType = "message_send"
	OpMessageStream OperationType = "message_stream"
	OpTasksGet     OperationType = "tasks_get"
	OpTasksCancel  OperationType = "tasks_cancel"
)

// OperationOutcome is the result of a server operation.
type OperationOutcome string

// Recognized outcomes.
const (
	OutcomeSuccess OperationOutcome = "success"
	OutcomeError   OperationOutcome = "error"
)

// OperationEvent is a structured log/metrics event for one server operation.
type OperationEvent struct {
	Operation OperationType
	Method    string
	Duration  time.Duration
	Outcome   OperationOutcome
	Error     string
}

// Observability provides structured logging, metrics, and tracing for
// the JSON-RPC server, following the same shape as router.Observability.
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
		"outcome", string(event.Outcome),
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
		o.logger.Error(ctx, "jsonrpc operation failed", keyvals...)
		return
	}
	o.logger.Info(ctx, "jsonrpc operation completed", keyvals...)
}

// RecordOperationMetrics records duration and outcome counters for the event.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "outcome", string(event.Outcome)}
	o.metrics.RecordTimer("server.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("server.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("server.operation.error", 1, tags...)
	}
}

// StartSpan starts a trace span for a server operation.
func (o *Observability) StartSpan(ctx context.Context, op OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, "a2a."+string(op), opts...)
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
