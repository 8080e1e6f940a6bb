// Package observe provides application-wide observability primitives for the
// gateway: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"github.com/arcbeam/sttgateway/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ stream.Metrics = (*StreamMetrics)(nil)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/arcbeam/sttgateway"

// inferenceLatencyBuckets defines histogram bucket boundaries (in seconds)
// for a single whisper.cpp Transcribe call on a multi-second window.
var inferenceLatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13,
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InferenceDuration tracks the wall-clock time of one engine.Transcribe
	// call (one sliding-window pass).
	InferenceDuration metric.Float64Histogram

	// BufferSamples tracks the number of unconsumed audio samples left in a
	// session's buffer immediately after each inference pass.
	BufferSamples metric.Int64Histogram

	// PassOutcomes counts inference passes by outcome. Use with attribute:
	//   attribute.String("outcome", "ok"|"empty"|"error")
	PassOutcomes metric.Int64Counter

	// SessionsStarted counts WebSocket sessions accepted since startup.
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BytesReceived counts binary audio payload bytes read from clients.
	BytesReceived metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("sttgateway.inference.duration",
		metric.WithDescription("Latency of one speech recognition pass over a sliding window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferSamples, err = m.Int64Histogram("sttgateway.session.buffer_samples",
		metric.WithDescription("Unconsumed audio samples remaining in a session buffer after an inference pass."),
	); err != nil {
		return nil, err
	}
	if met.PassOutcomes, err = m.Int64Counter("sttgateway.inference.outcomes",
		metric.WithDescription("Total inference passes by outcome (ok, empty, error)."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("sttgateway.session.started",
		metric.WithDescription("Total WebSocket sessions accepted."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sttgateway.session.active",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("sttgateway.session.bytes_received",
		metric.WithDescription("Total binary audio payload bytes received from clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sttgateway.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordPassOutcome is a convenience method recording one inference pass
// outcome.
func (m *Metrics) RecordPassOutcome(ctx context.Context, outcome string) {
	m.PassOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StreamMetrics adapts [Metrics] to the narrow [stream.Metrics] interface
// consumed by a single session, attributing every measurement to ctx (which
// is otherwise unused by the fire-and-forget OTel recorder calls but kept for
// future attribute propagation, e.g. per-session baggage).
type StreamMetrics struct {
	m   *Metrics
	ctx context.Context
}

// NewStreamMetrics returns a per-session adapter over m.
func NewStreamMetrics(ctx context.Context, m *Metrics) *StreamMetrics {
	return &StreamMetrics{m: m, ctx: ctx}
}

func (s *StreamMetrics) RecordInferenceDuration(d time.Duration) {
	s.m.InferenceDuration.Record(s.ctx, d.Seconds())
}

func (s *StreamMetrics) RecordBufferLength(n int) {
	s.m.BufferSamples.Record(s.ctx, int64(n))
}

func (s *StreamMetrics) RecordOutcome(outcome string) {
	s.m.RecordPassOutcome(s.ctx, outcome)
}
