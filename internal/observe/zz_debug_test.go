package observe

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestZZDebugSpanPipeline(t *testing.T) {
	// Direct SDK usage, no Setup, batcher.
	exp1 := tracetest.NewInMemoryExporter()
	tp1 := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp1))
	_, sp1 := tp1.Tracer("dbg").Start(context.Background(), "direct-batcher")
	sp1.End()
	_ = tp1.Shutdown(context.Background())
	fmt.Printf("DBG direct batcher spans=%d\n", len(exp1.GetSpans()))

	// Via Setup.
	exp2 := tracetest.NewInMemoryExporter()
	tel, err := Setup(WithPromRegistry(prometheus.NewRegistry()), WithSpanExporter(exp2))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	gtp := otel.GetTracerProvider()
	fmt.Printf("DBG global provider type=%T same-as-tel=%v\n", gtp, gtp == any(telTraces(tel)))
	ctx, sp2 := StartSpan(context.Background(), "via-setup")
	fmt.Printf("DBG span type=%T recording=%v sampled=%v\n", sp2, sp2.IsRecording(), sp2.SpanContext().IsSampled())
	_ = ctx
	sp2.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		fmt.Printf("DBG shutdown err=%v\n", err)
	}
	fmt.Printf("DBG via-setup spans=%d\n", len(exp2.GetSpans()))

	// Via Setup but span started directly on tel provider, not the global.
	exp3 := tracetest.NewInMemoryExporter()
	tel3, err := Setup(WithPromRegistry(prometheus.NewRegistry()), WithSpanExporter(exp3))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, sp3 := telTraces(tel3).Tracer("dbg").Start(context.Background(), "direct-on-tel")
	sp3.End()
	_ = tel3.Shutdown(context.Background())
	fmt.Printf("DBG direct-on-tel spans=%d\n", len(exp3.GetSpans()))
}

func telTraces(t *Telemetry) *sdktrace.TracerProvider { return t.traces }
