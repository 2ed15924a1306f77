package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// captureSpans swaps in a tracer provider whose finished spans land in the
// returned in-memory exporter. The previous global provider comes back on
// cleanup.
func captureSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return exporter
}

// captureLogs redirects the default slog output into the returned buffer for
// the duration of the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(previous) })
	return &buf
}

func TestStartSpan_RecordsThroughGlobalProvider(t *testing.T) {
	exporter := captureSpans(t)

	_, span := StartSpan(context.Background(), "decode window")
	if !span.SpanContext().IsValid() {
		t.Fatal("StartSpan returned an invalid span context")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if got, want := spans[0].Name, "decode window"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
}

func TestCorrelationID_MatchesActiveTrace(t *testing.T) {
	captureSpans(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "correlate")
	defer span.End()

	got := CorrelationID(ctx)
	if want := span.SpanContext().TraceID().String(); got != want {
		t.Errorf("CorrelationID = %q, want %q", got, want)
	}
}

func TestLogger_TagsActiveSpan(t *testing.T) {
	captureSpans(t)
	logs := captureLogs(t, slog.LevelInfo)

	ctx, span := StartSpan(context.Background(), "tagged")
	defer span.End()

	Logger(ctx).Info("window decoded")

	out := logs.String()
	wantTrace := "trace_id=" + span.SpanContext().TraceID().String()
	if !strings.Contains(out, wantTrace) {
		t.Errorf("log output %q missing %q", out, wantTrace)
	}
	if !strings.Contains(out, "span_id=") {
		t.Errorf("log output %q missing span_id", out)
	}
}

func TestLogger_PlainOutsideSpan(t *testing.T) {
	logs := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("idle sweep")

	if out := logs.String(); strings.Contains(out, "trace_id") {
		t.Errorf("log output %q should carry no trace_id", out)
	}
}
