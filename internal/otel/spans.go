package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans and metrics.
var (
	AttrAgentID   = attribute.Key("pulse.agent.id")
	AttrCycle     = attribute.Key("pulse.agent.cycle")
	AttrRunID     = attribute.Key("pulse.run.id")
	AttrSessionID = attribute.Key("pulse.session.id")
	AttrEventKey  = attribute.Key("pulse.event.key")
	AttrOutcome   = attribute.Key("pulse.outcome")
)

// NoopTracer is used when a component is constructed without a tracer.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan starts an internal span (a scheduler fire). A nil tracer yields a
// no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartClientSpan starts a span around a dispatcher call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}

// EndSpan stamps the outcome, marks the span failed when err is non-nil and
// ends it.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
