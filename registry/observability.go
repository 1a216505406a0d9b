package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a2a-fabric/core/telemetry"
)

// OperationType identifies the kind of registry operation for
// observability purposes.
type OperationType string

// Recognized registry operations.
const (
	OpRegister       OperationType = "register"
	OpUnregister     OperationType = "unregister"
	OpBulkRegister   OperationType = "bulk_register"
	OpUpdate         OperationType = "update"
	OpFindByCap      OperationType = "find_by_capability"
	OpQueryCaps      OperationType = "query_capabilities"
	OpHealthCheck    OperationType = "health_check"
	OpCleanup        OperationType = "cleanup"
	OpTopology       OperationType = "topology"
)

// OperationOutcome is the result of a registry operation.
type OperationOutcome string

// Recognized outcomes.
const (
	OutcomeSuccess OperationOutcome = "success"
	OutcomeError   OperationOutcome = "error"
)

// OperationEvent is a structured log/metrics event for one registry
// operation.
type OperationEvent struct {
	Operation   OperationType
	AgentID     string
	Duration    time.Duration
	Outcome     OperationOutcome
	Error       string
	ResultCount int
}

// Observability provides structured logging, metrics, and tracing for
// registry operations.
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
	if event.AgentID != "" {
		keyvals = append(keyvals, "agent_id", event.AgentID)
	}
	if event.ResultCount > 0 {
		keyvals = append(keyvals, "result_count", event.ResultCount)
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
		o.logger.Error(ctx, "registry operation failed", keyvals...)
		return
	}
	o.logger.Info(ctx, "registry operation completed", keyvals...)
}

// RecordOperationMetrics records duration and outcome counters for the event.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "outcome", string(event.Outcome)}
	o.metrics.RecordTimer("registry.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("registry.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("registry.operation.error", 1, tags...)
	}
	if event.ResultCount > 0 {
		o.metrics.RecordGauge("registry.operation.result_count", float64(event.ResultCount), tags...)
	}
}

// StartSpan starts a trace span for a registry operation.
func (o *Observability) StartSpan(ctx context.Context, op OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, "registry."+string(op), opts...)
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
