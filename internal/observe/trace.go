package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voicesift"

// Attribute keys shared by spans and log lines.
const (
	AttrSession = "session_id"
	AttrSpeaker = "speaker"
	AttrSegment = "segment_id"
)

// Tracer returns the voicesift tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under the voicesift tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSegmentSpan starts a span for work on one segment of one speaker.
// Empty identifiers are left off the span.
func StartSegmentSpan(ctx context.Context, name, sessionID, speakerID, segmentID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 3+len(extra))
	for _, kv := range [...]struct{ k, v string }{
		{AttrSession, sessionID},
		{AttrSpeaker, speakerID},
		{AttrSegment, segmentID},
	} {
		if kv.v != "" {
			attrs = append(attrs, attribute.String(kv.k, kv.v))
		}
	}
	attrs = append(attrs, extra...)
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached
// when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SpeakerLogger is [Logger] with the session and speaker attached. Empty
// values are omitted.
func SpeakerLogger(ctx context.Context, sessionID, speakerID string) *slog.Logger {
	l := Logger(ctx)
	if sessionID != "" {
		l = l.With(slog.String(AttrSession, sessionID))
	}
	if speakerID != "" {
		l = l.With(slog.String(AttrSpeaker, speakerID))
	}
	return l
}
