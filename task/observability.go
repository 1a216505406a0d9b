package task

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a2a-fabric/core/telemetry"
)

// OperationType identifies the kind of Task Manager operation for
// observability purposes.
type OperationType string

// Recognized Task Manager operations.
const (
	OpCreateTask      OperationType = "create_task"
	OpCancelTask      OperationType = "cancel_task"
	OpStatusUpdate    OperationType = "status_update"
	OpArtifactUpdate  OperationType = "artifact_update"
	OpSubscribe       OperationType = "subscribe"
	OpTimeout         OperationType = "timeout"
	OpPushNotifConfig OperationType = "push_notification_config"
)

// OperationOutcome is the result of a Task Manager operation.
type OperationOutcome string

// Recognized outcomes.
const (
	OutcomeSuccess OperationOutcome = "success"
	OutcomeError   OperationOutcome = "error"
)

// OperationEvent is a structured log/metrics event for one Task Manager operation.
type OperationEvent struct {
	Operation OperationType
	TaskID    string
	Duration  time.Duration
	Outcome   OperationOutcome
	Error     string
}

// Observability provides structured logging, metrics, and tracing for
// Task Manager operations, following the same shape as registry.Observability.
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
	if event.TaskID != "" {
		keyvals = append(keyvals, "task_id", event.TaskID)
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
		o.logger.Error(ctx, "task operation failed", keyvals...)
		return
	}
	o.logger.Info(ctx, "task operation completed", keyvals...)
}

// RecordOperationMetrics records duration and outcome counters for the event.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "outcome", string(event.Outcome)}
	o.metrics.RecordTimer("task.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("task.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("task.operation.error", 1, tags...)
	}
}

// StartSpan starts a trace span for a Task Manager operation.
func (o *Observability) StartSpan(ctx context.Context, op OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, "task."+string(op), opts...)
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
