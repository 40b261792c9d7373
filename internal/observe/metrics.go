// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing, context-aware structured logging and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. A package-level
// [DefaultMetrics] instance is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Calls ---

	// CallsActive tracks the number of live calls.
	CallsActive metric.Int64UpDownCounter

	// CallDuration tracks how long calls last, from start to stop.
	CallDuration metric.Float64Histogram

	// Hangups counts relay-initiated hangups. Use with attribute:
	//   attribute.String("trigger", ...)
	Hangups metric.Int64Counter

	// --- Audio ---

	// AudioForwarded counts caller audio bytes sent to the speech backend.
	AudioForwarded metric.Int64Counter

	// AudioDropped counts caller audio bytes dropped by backpressure.
	AudioDropped metric.Int64Counter

	// --- Backend and providers ---

	// BackendConnectAttempts counts speech backend connect attempts. Use with
	// attribute: attribute.String("mode", ...)
	BackendConnectAttempts metric.Int64Counter

	// ProviderDuration tracks provider call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Utterances counts caller utterances closed by the segmented backend.
	// Use with attribute: attribute.Bool("short", ...)
	Utterances metric.Int64Counter

	// --- Orders ---

	// ToolCalls counts agent function calls. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks function call latency.
	ToolExecutionDuration metric.Float64Histogram

	// Orders counts settled orders. Use with attribute:
	//   attribute.String("payment_status", ...)
	Orders metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider and tool latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers phone call lengths, in seconds.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Calls.
	if met.CallsActive, err = m.Int64UpDownCounter("callrelay.calls.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callrelay.call.duration",
		metric.WithDescription("Duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Hangups, err = m.Int64Counter("callrelay.hangups",
		metric.WithDescription("Relay-initiated hangups by trigger."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.AudioForwarded, err = m.Int64Counter("callrelay.audio.forwarded",
		metric.WithDescription("Caller audio bytes forwarded to the speech backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("callrelay.audio.dropped",
		metric.WithDescription("Caller audio bytes dropped by backpressure."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Backend and providers.
	if met.BackendConnectAttempts, err = m.Int64Counter("callrelay.backend.connect_attempts",
		metric.WithDescription("Speech backend connect attempts by mode."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("callrelay.provider.duration",
		metric.WithDescription("Latency of provider calls by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callrelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callrelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("callrelay.utterances",
		metric.WithDescription("Caller utterances segmented by voice activity."),
	); err != nil {
		return nil, err
	}

	// Orders.
	if met.ToolCalls, err = m.Int64Counter("callrelay.tool.calls",
		metric.WithDescription("Agent function calls by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("callrelay.tool_execution.duration",
		metric.WithDescription("Latency of agent function calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Orders, err = m.Int64Counter("callrelay.orders",
		metric.WithDescription("Settled orders by payment status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
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

// RecordProviderRequest records a provider request with its latency.
// status is "ok" or "error"; errors also increment ProviderErrors.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	)
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordUtterance counts one closed caller utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, short bool) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.Bool("short", short)))
}

// RecordToolCall records one agent function call.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordOrder counts a settled order by payment status.
func (m *Metrics) RecordOrder(ctx context.Context, paymentStatus string) {
	m.Orders.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_status", paymentStatus)))
}

// RecordHangup counts a relay-initiated hangup.
func (m *Metrics) RecordHangup(ctx context.Context, trigger string) {
	m.Hangups.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordConnectAttempt counts one speech backend connect attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, mode string) {
	m.BackendConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// CallStarted increments the live call gauge.
func (m *Metrics) CallStarted(ctx context.Context) { m.CallsActive.Add(ctx, 1) }

// CallEnded decrements the live call gauge and records the call duration.
func (m *Metrics) CallEnded(ctx context.Context, d time.Duration) {
	m.CallsActive.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds())
}
