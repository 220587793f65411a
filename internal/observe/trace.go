package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voicescribe"

// Span attribute keys shared by the capture pipeline.
const (
	AttrGuildID   = attribute.Key("voicescribe.guild_id")
	AttrSpeakerID = attribute.Key("voicescribe.speaker_id")
	AttrSessionID = attribute.Key("voicescribe.session_id")
	AttrChunk     = attribute.Key("voicescribe.chunk")
	AttrFile      = attribute.Key("voicescribe.file")
	AttrBytes     = attribute.Key("voicescribe.bytes")
)

// Tracer returns the voicescribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs. The caller must end it,
// usually through [EndSpan].
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span as failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Logger returns base with the trace_id and span_id of the span in ctx
// attached. base is returned unchanged when ctx carries no span; a nil base
// means the default logger.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
