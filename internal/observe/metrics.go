// Package observe provides application-wide observability primitives for
// voicescribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record* helpers are safe to call on a nil *Metrics, in which case they
// do nothing.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicescribe metrics.
const meterName = "github.com/MrWong99/voicescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture pipeline ---

	// Frames counts classified transport frames. Attribute: class
	// (skipped|invalid|valid).
	Frames metric.Int64Counter

	// DecodeErrors counts Opus payloads that failed to decode.
	DecodeErrors metric.Int64Counter

	// DecoderResets counts codec state recreations after consecutive failures.
	DecoderResets metric.Int64Counter

	// QueueDropped counts items evicted or abandoned by bounded queues.
	// Attribute: stage (transport|decoder).
	QueueDropped metric.Int64Counter

	// --- Batch path ---

	// Segments counts emitted segments. Attribute: status (ok|error).
	Segments metric.Int64Counter

	// TranscodeDuration tracks transcoding engine invocations. Attributes:
	// engine, status.
	TranscodeDuration metric.Float64Histogram

	// OfflineFiles counts files handled by the offline transcription pass.
	// Attribute: status (ok|error).
	OfflineFiles metric.Int64Counter

	// --- Live path ---

	// TranscriptLines counts lines appended to transcript logs. Attribute:
	// kind (turn|marker).
	TranscriptLines metric.Int64Counter

	// RecognizerReconnects counts reconnect attempts of the streaming
	// recognizer. Attribute: status (ok|error).
	RecognizerReconnects metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderDuration tracks provider call latency. Attributes: provider,
	// kind.
	ProviderDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of non-closed voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of joined voice channels.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveTranscodes tracks running engine invocations. Attributes: engine.
	ActiveTranscodes metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operator endpoint latency. Attributes:
	// route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Transcodes
// and offline transcriptions of 20 s segments usually land in the upper half.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Frames, "voicescribe.frames", "Transport frames by validator class."},
		{&met.DecodeErrors, "voicescribe.decode.errors", "Opus payloads that failed to decode."},
		{&met.DecoderResets, "voicescribe.decoder.resets", "Opus decoder recreations after consecutive failures."},
		{&met.QueueDropped, "voicescribe.queue.dropped", "Items dropped by bounded inter-stage queues."},
		{&met.Segments, "voicescribe.segments", "Emitted batch segments by status."},
		{&met.OfflineFiles, "voicescribe.offline.files", "Recorded segments handled by the offline pass."},
		{&met.TranscriptLines, "voicescribe.transcript.lines", "Lines appended to transcript logs."},
		{&met.RecognizerReconnects, "voicescribe.recognizer.reconnects", "Streaming recognizer reconnect attempts."},
		{&met.ProviderRequests, "voicescribe.provider.requests", "Provider API requests by provider, kind, and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.TranscodeDuration, err = m.Float64Histogram("voicescribe.transcode.duration",
		metric.WithDescription("Latency of transcoding engine invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("voicescribe.provider.duration",
		metric.WithDescription("Latency of provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicescribe.active_sessions",
		metric.WithDescription("Number of non-closed voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicescribe.active_connections",
		metric.WithDescription("Number of joined voice channels."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTranscodes, err = m.Int64UpDownCounter("voicescribe.transcode.active",
		metric.WithDescription("Number of running transcoding engine invocations."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicescribe.http.request.duration",
		metric.WithDescription("Operator endpoint latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFrame counts one classified transport frame.
func (m *Metrics) RecordFrame(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.Frames.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}

// RecordDecodeError counts one failed Opus decode.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1)
}

// RecordDecoderReset counts one codec state recreation.
func (m *Metrics) RecordDecoderReset(ctx context.Context) {
	if m == nil {
		return
	}
	m.DecoderResets.Add(ctx, 1)
}

// RecordQueueDropped counts n items dropped at the given pipeline stage.
func (m *Metrics) RecordQueueDropped(ctx context.Context, stage string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDropped.Add(ctx, n, metric.WithAttributes(Attr("stage", stage)))
}

// RecordSegment counts one emitted batch segment.
func (m *Metrics) RecordSegment(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(Attr("status", status(err))))
}

// TranscodeStarted marks one engine invocation as running.
func (m *Metrics) TranscodeStarted(ctx context.Context, engine string) {
	if m == nil {
		return
	}
	m.ActiveTranscodes.Add(ctx, 1, metric.WithAttributes(Attr("engine", engine)))
}

// RecordTranscode records the duration of one finished engine invocation and
// takes it off the running count.
func (m *Metrics) RecordTranscode(ctx context.Context, engine string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ActiveTranscodes.Add(ctx, -1, metric.WithAttributes(Attr("engine", engine)))
	m.TranscodeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("engine", engine), Attr("status", status(err))),
	)
}

// RecordOfflineFile counts one file processed by the offline pass.
func (m *Metrics) RecordOfflineFile(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.OfflineFiles.Add(ctx, 1, metric.WithAttributes(Attr("status", status(err))))
}

// RecordTranscriptLine counts one appended transcript line.
func (m *Metrics) RecordTranscriptLine(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.TranscriptLines.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordReconnect counts one recognizer reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.RecognizerReconnects.Add(ctx, 1, metric.WithAttributes(Attr("status", status(err))))
}

// RecordProviderRequest records a provider call with its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status(err))),
	)
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// ConnectionOpened increments the joined voice channel gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the joined voice channel gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

// RecordHTTPRequest records one operator endpoint request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
