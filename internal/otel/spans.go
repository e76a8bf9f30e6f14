package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for operator spans and metrics.
var (
	AttrCategory   = attribute.Key("oversight.category")
	AttrTaskID     = attribute.Key("oversight.task.id")
	AttrModel      = attribute.Key("oversight.llm.model")
	AttrAttempts   = attribute.Key("oversight.attempts")
	AttrTier       = attribute.Key("oversight.tier")
	AttrErrorClass = attribute.Key("oversight.error.class")
	AttrKind       = attribute.Key("oversight.activity.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the collaborator.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
