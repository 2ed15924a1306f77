package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the OTel SDK providers for the process. Build it once at
// startup with [Setup]; flush and release the exporters with
// [Telemetry.Shutdown] on the way out.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

type setupConfig struct {
	serviceName    string
	serviceVersion string
	spanExporter   sdktrace.SpanExporter
	promRegistry   prometheus.Registerer
}

// SetupOption adjusts what [Setup] builds.
type SetupOption func(*setupConfig)

// WithServiceName overrides the service.name resource attribute, "vexa" by
// default.
func WithServiceName(name string) SetupOption {
	return func(sc *setupConfig) { sc.serviceName = name }
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(version string) SetupOption {
	return func(sc *setupConfig) { sc.serviceVersion = version }
}

// WithSpanExporter ships finished spans to exp, typically an OTLP client.
// Without an exporter spans still exist, so trace IDs keep flowing into logs
// and response headers, but nothing leaves the process.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(sc *setupConfig) { sc.spanExporter = exp }
}

// WithPromRegistry points the Prometheus bridge at a specific registerer
// instead of the prometheus package's global registry. The global registry is
// what the /metrics listener serves; tests pass a scratch one to stay
// isolated.
func WithPromRegistry(reg prometheus.Registerer) SetupOption {
	return func(sc *setupConfig) { sc.promRegistry = reg }
}

// Setup builds the metric and trace providers, installs them as the OTel
// globals, and hands back the [Telemetry] that owns their lifecycle. Metric
// readings flow through the Prometheus bridge so promhttp can serve them.
func Setup(opts ...SetupOption) (*Telemetry, error) {
	sc := setupConfig{serviceName: "vexa"}
	for _, opt := range opts {
		opt(&sc)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(sc.serviceName),
		semconv.ServiceVersion(sc.serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: describe service: %w", err)
	}

	var bridgeOpts []promexporter.Option
	if sc.promRegistry != nil {
		bridgeOpts = append(bridgeOpts, promexporter.WithRegisterer(sc.promRegistry))
	}
	bridge, err := promexporter.New(bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus bridge: %w", err)
	}

	tel := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(bridge),
		),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if sc.spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(sc.spanExporter))
	}
	tel.traces = sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(tel.meters)
	otel.SetTracerProvider(tel.traces)
	return tel, nil
}

// Shutdown flushes both providers. Each gets its chance even when the other
// fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.meters.Shutdown(ctx),
		t.traces.Shutdown(ctx),
	)
}
