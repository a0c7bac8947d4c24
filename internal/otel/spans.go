package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for narrative-core spans.
var (
	AttrUserID       = attribute.Key("narrativecore.user.id")
	AttrEventType    = attribute.Key("narrativecore.event.type")
	AttrEventID      = attribute.Key("narrativecore.event.id")
	AttrFragmentID   = attribute.Key("narrativecore.fragment.id")
	AttrMissionID    = attribute.Key("narrativecore.mission.id")
	AttrChannelID    = attribute.Key("narrativecore.channel.id")
	AttrBreakerName  = attribute.Key("narrativecore.breaker.name")
	AttrBreakerState = attribute.Key("narrativecore.breaker.state")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway, Telegram updates).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Telegram API, Redis, the relational store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
