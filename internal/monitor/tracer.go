package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safe-code-runner"

// Tracer wraps OpenTelemetry tracing for the runner.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider, which is a no-op until
// SetupTracing installs one.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named coderunner.<name>.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "coderunner."+name, trace.WithAttributes(attrs...))
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrExecID         = attribute.Key("coderunner.execution.id")
	AttrIdentity       = attribute.Key("coderunner.identity_hash")
	AttrCodeHash       = attribute.Key("coderunner.code_hash")
	AttrClassification = attribute.Key("coderunner.classification")
	AttrPolicy         = attribute.Key("coderunner.policy")
	AttrViolations     = attribute.Key("coderunner.violations")
	AttrExitCode       = attribute.Key("coderunner.exit_code")
	AttrDurationMS     = attribute.Key("coderunner.duration_ms")
)
