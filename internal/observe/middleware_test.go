package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// operatorMux mirrors the routes served next to the bot.
func operatorMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)

	serve(Middleware(m)(operatorMux()), "/readyz", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /readyz")
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d, want 503", status)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTestTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(operatorMux())

	serve(h, "/healthz", nil)
	serve(h, "/healthz", nil)
	serve(h, "/nope", nil)

	met := findMetric(collect(t, reader), "voicescribe.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		r, _ := dp.Attributes.Value("route")
		counts[r.AsString()] += dp.Count
	}
	if counts["GET /healthz"] != 2 {
		t.Errorf("healthz samples = %d, want 2", counts["GET /healthz"])
	}
	if counts["unmatched"] != 1 {
		t.Errorf("unmatched samples = %d, want 1 (got routes %v)", counts["unmatched"], counts)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		seen = traceID(r.Context())
	})
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := serve(Middleware(m)(mux), "/metrics", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if seen != traceID {
		t.Errorf("handler trace ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("Traceparent"); len(got) < 36 || got[3:35] != traceID {
		t.Errorf("response traceparent = %q, want trace %s", got, traceID)
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	useTestTracer(t)
	rec := serve(Middleware(nil)(operatorMux()), "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
