package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	t.Parallel()
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r}); err == nil {
			t.Errorf("SampleRatio %v: expected error", r)
		}
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	origTP, origMP, origProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
		otel.SetTextMapPropagator(origProp)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", InstanceID: "bot-1"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "session.capture")
	if traceID(ctx) == "" {
		t.Error("global tracer did not produce a sampled span")
	}
	span.End()
	if _, err := NewMetrics(otel.GetMeterProvider()); err != nil {
		t.Errorf("NewMetrics on installed provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
