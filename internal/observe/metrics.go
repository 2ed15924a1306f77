// Package observe carries the telemetry plumbing shared by the rest of the
// gateway: OTel metric instruments, span helpers, trace-aware logging, and
// the instrumentation wrapper for the plain HTTP listeners.
//
// [Setup] installs the SDK providers once at startup. Recording goes through
// [Metrics]; production code shares the [DefaultMetrics] instance bound to
// the global meter provider, while tests build their own over a noop or
// manual-reader provider so nothing leaks between them.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName identifies vexa's instrumentation scope for meters and tracers.
const scopeName = "github.com/jasonkneen/vexa"

// transcribeBuckets spreads histogram boundaries (seconds) over the span
// between near-instant scripted decodes and multi-second whisper batches.
var transcribeBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics bundles every instrument the gateway records. Instruments are safe
// for concurrent use, so one instance serves the whole process.
type Metrics struct {
	// TranscribeDuration samples one transcriber invocation, attributed by
	// backend.
	TranscribeDuration metric.Float64Histogram

	// HTTPRequestDuration samples requests on the health and scrape
	// listeners, attributed by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// SegmentsEmitted counts transcript segments pushed to clients,
	// attributed by kind: partial or completed.
	SegmentsEmitted metric.Int64Counter

	// AudioBytes counts accepted PCM payload bytes.
	AudioBytes metric.Int64Counter

	// Handshakes counts connection attempts, attributed by outcome.
	Handshakes metric.Int64Counter

	// EventLogPublished counts event-log appends, attributed by event type
	// and status.
	EventLogPublished metric.Int64Counter

	// EventLogReconnects counts re-established event-log connections.
	EventLogReconnects metric.Int64Counter

	// HealthFailures counts failed self-monitor probes.
	HealthFailures metric.Int64Counter

	// ActiveSessions tracks live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// meterBuilder creates instruments on one meter and keeps the first error so
// construction reads straight through.
type meterBuilder struct {
	meter metric.Meter
	err   error
}

func (b *meterBuilder) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
}

func (b *meterBuilder) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(name, err)
	return h
}

func (b *meterBuilder) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name,
		append([]metric.Int64CounterOption{metric.WithDescription(desc)}, opts...)...)
	b.keep(name, err)
	return c
}

func (b *meterBuilder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return g
}

// NewMetrics registers the full instrument set on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &meterBuilder{meter: mp.Meter(scopeName)}
	m := &Metrics{
		TranscribeDuration:  b.histogram("vexa.transcribe.duration", "Latency of one transcriber invocation.", transcribeBuckets...),
		HTTPRequestDuration: b.histogram("vexa.http.request.duration", "HTTP request latency by method and path."),
		SegmentsEmitted:     b.counter("vexa.segments.emitted", "Transcript segments shipped to clients by kind."),
		AudioBytes:          b.counter("vexa.audio.bytes", "PCM payload bytes accepted from clients.", metric.WithUnit("By")),
		Handshakes:          b.counter("vexa.gateway.handshakes", "Connection attempts by outcome."),
		EventLogPublished:   b.counter("vexa.eventlog.published", "Event-log appends by event type and status."),
		EventLogReconnects:  b.counter("vexa.eventlog.reconnects", "Re-established event-log connections."),
		HealthFailures:      b.counter("vexa.health.failures", "Failed self-monitor probes."),
		ActiveSessions:      b.gauge("vexa.sessions.active", "Live transcription sessions."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

var (
	sharedMetrics *Metrics
	sharedOnce    sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], built on first use
// against the globally registered meter provider. Panics when instrument
// creation fails.
func DefaultMetrics() *Metrics {
	sharedOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(fmt.Sprintf("observe: default instruments: %v", err))
		}
		sharedMetrics = m
	})
	return sharedMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegments adds n emitted segments of the given kind, partial or
// completed. Responses that carried no segments are not recorded.
func (m *Metrics) RecordSegments(ctx context.Context, kind string, n int64) {
	if n == 0 {
		return
	}
	m.SegmentsEmitted.Add(ctx, n, metric.WithAttributes(Attr("kind", kind)))
}

// RecordHandshake counts one connection attempt outcome: accepted, wait, or
// invalid.
func (m *Metrics) RecordHandshake(ctx context.Context, status string) {
	m.Handshakes.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordPublish counts one event-log append attempt by event type and status.
func (m *Metrics) RecordPublish(ctx context.Context, eventType, status string) {
	m.EventLogPublished.Add(ctx, 1, metric.WithAttributes(
		Attr("type", eventType),
		Attr("status", status),
	))
}
