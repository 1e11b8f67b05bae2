package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans.
var (
	AttrJobName     = attribute.Key("conductor.job.name")
	AttrExecutionID = attribute.Key("conductor.execution.id")
	AttrBackend     = attribute.Key("conductor.agent.backend")
	AttrModel       = attribute.Key("conductor.llm.model")
	AttrSink        = attribute.Key("conductor.sink.type")
	AttrSource      = attribute.Key("conductor.execution.source")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent invocation, sink delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
