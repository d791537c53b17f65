package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxrelay"

// Span names for the stages of a realtime session and a voice turn.
const (
	SpanUpstreamDial      = "upstream.dial"
	SpanUpstreamConfigure = "upstream.configure"
	SpanVoiceTurn         = "voice.turn"
	SpanTranscribe        = "voice.transcribe"
	SpanGenerate          = "voice.generate"
	SpanSynthesize        = "voice.synthesize"
)

// Span attribute keys.
const (
	KeySessionID = attribute.Key("voxrelay.session_id")
	KeyProvider  = attribute.Key("voxrelay.provider")
	KeyModel     = attribute.Key("voxrelay.model")
)

// Tracer returns the relay tracer from the global provider. It is looked up
// on every call so a provider installed after start-up is honoured.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name as a child of ctx.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartStage starts an internal span for one stage of a session. Empty
// sessionID or provider values are left off the span.
func StartStage(ctx context.Context, name, sessionID, provider string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if sessionID != "" {
		attrs = append(attrs, KeySessionID.String(sessionID))
	}
	if provider != "" {
		attrs = append(attrs, KeyProvider.String(provider))
	}
	return StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// EndSpan ends span, marking it failed when err is non-nil. Cancellation
// is recorded as an event only; the caller went away, the stage did not
// fail.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace id of the span in ctx, or "". HTTP responses
// echo it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default carrying trace_id and span_id when ctx holds
// a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
