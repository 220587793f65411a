package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func TestStartSpan_CarriesAttributes(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "segment.transcode",
		AttrSpeakerID.String("alice"),
		AttrChunk.Int(3),
	)
	if traceID(ctx) == "" {
		t.Error("span context has no trace ID")
	}
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["voicescribe.speaker_id"] != "alice" || got["voicescribe.chunk"] != "3" {
		t.Errorf("attributes = %v", got)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "offline.transcribe")
	EndSpan(span, errors.New("whisper: 500"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "whisper: 500" {
		t.Errorf("status = %+v, want error with description", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error event not recorded")
	}
}

func TestLogger_AddsTraceToBase(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("speaker_id", "alice")
	ctx, span := StartSpan(context.Background(), "offline.transcribe")
	defer span.End()

	Logger(ctx, base).Info("line")

	out := buf.String()
	for _, want := range []string{"speaker_id=alice", "trace_id=" + traceID(ctx), "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestLogger_NoSpanReturnsBase(t *testing.T) {
	t.Parallel()
	base := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if got := Logger(context.Background(), base); got != base {
		t.Error("expected the base logger unchanged")
	}
	if Logger(context.Background(), nil) == nil {
		t.Error("nil base must fall back to the default logger")
	}
}
