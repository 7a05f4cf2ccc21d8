package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

// flushSpans pushes batched spans to the exporter. The in-memory exporter
// forgets its spans on shutdown, so tests read them before that.
func flushSpans(t *testing.T) {
	t.Helper()
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok {
		t.Fatalf("global tracer provider is %T", otel.GetTracerProvider())
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r}); err == nil {
			t.Errorf("ratio %v: expected error", r)
		}
	}
}

func TestInitProvider_ExportsSpansAndMetrics(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		InstanceID:     "node-1",
		SampleRatio:    1,
		TraceExporter:  exp,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartSegmentSpan(context.Background(), "extract.convert", "s1", "alice", "seg-1")
	span.End()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.SegmentsExtracted.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(string(body), "voicesift_segments_extracted") {
		t.Errorf("metrics output missing extracted counter:\n%.2000s", body)
	}

	flushSpans(t)
	spans := exp.GetSpans()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	var instance string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.instance.id" {
			instance = kv.Value.AsString()
		}
	}
	if instance != "node-1" {
		t.Errorf("service.instance.id = %q, want node-1", instance)
	}
}

func TestInitProvider_ZeroRatioDropsNewTraces(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		TraceExporter: exp,
		Registerer:    prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_, span := StartSpan(context.Background(), "dropped")
	span.End()
	if span.SpanContext().IsSampled() {
		t.Error("span sampled at ratio 0")
	}
	flushSpans(t)
	n := len(exp.GetSpans())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n != 0 {
		t.Errorf("exported %d spans at ratio 0, want 0", n)
	}
}
