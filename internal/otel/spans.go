package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for queue spans.
var (
	AttrTaskID    = attribute.Key("apiforge.task.id")
	AttrSessionID = attribute.Key("apiforge.session.id")
	AttrWorkerID  = attribute.Key("apiforge.worker.id")
	AttrPriority  = attribute.Key("apiforge.task.priority")
	AttrStatus    = attribute.Key("apiforge.task.status")
	AttrRetry     = attribute.Key("apiforge.task.retry_count")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
