package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan marks the span as errored or OK depending on err, then ends it.
// Call as `defer observability.EndSpan(span, &err)` style isn't possible
// since span status must be set before End; callers invoke it directly
// once the stage's result is known.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}

// Common attribute keys for vmm spans. One task-level parent span
// (vmm.task) covers a whole analysis; each wrapped pipeline stage
// (prepare, upload, execute, collect, restore, and sysmon_install on
// the Sysmon branch) gets its own child span named vmm.stage.<name>
// carrying these attributes. The wait window has no span.
var (
	AttrTaskID        = attribute.Key("vmm.task.id")
	AttrVMName        = attribute.Key("vmm.vm.name")
	AttrStage         = attribute.Key("vmm.stage")
	AttrFileName      = attribute.Key("vmm.file.name")
	AttrAlertSeverity = attribute.Key("vmm.alert.severity")
	AttrAlertCount    = attribute.Key("vmm.alert.count")
)
