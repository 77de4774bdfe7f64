// Package observe provides the observability primitives for intervox:
// OpenTelemetry metrics for the streaming pipeline, tracing helpers,
// trace-correlated logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all intervox metrics.
const meterName = "github.com/MrWong99/intervox"

// Metrics holds the OpenTelemetry instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Streaming pipeline counters ---

	// ChunksQueued counts chunks accepted into the streaming buffer.
	ChunksQueued metric.Int64Counter

	// ChunksSent counts chunks handed successfully to the connection.
	ChunksSent metric.Int64Counter

	// BytesSent counts raw PCM bytes (before base64) successfully sent.
	BytesSent metric.Int64Counter

	// BackpressureEvents counts chunks dropped because the buffer was full.
	BackpressureEvents metric.Int64Counter

	// SendErrors counts failed send attempts.
	SendErrors metric.Int64Counter

	// Stalls counts consumer halts caused by the consecutive-failure ceiling.
	Stalls metric.Int64Counter

	// Recoveries counts supervisor recovery attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Recoveries metric.Int64Counter

	// --- Latency ---

	// SendDuration tracks the latency of a single connection send.
	SendDuration metric.Float64Histogram

	// --- Gauges ---

	// BufferedChunks tracks chunks waiting in streaming buffers.
	BufferedChunks metric.Int64UpDownCounter

	// ActiveStreams tracks services currently in the streaming state.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// sendBuckets are histogram boundaries (seconds) for a single audio send,
// which should normally complete in a few milliseconds.
var sendBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.ChunksQueued, "intervox.stream.chunks_queued", "Audio chunks accepted into the streaming buffer.", ""},
		{&met.ChunksSent, "intervox.stream.chunks_sent", "Audio chunks sent to the transcription endpoint.", ""},
		{&met.BytesSent, "intervox.stream.bytes_sent", "Raw PCM bytes sent to the transcription endpoint.", "By"},
		{&met.BackpressureEvents, "intervox.stream.backpressure_events", "Audio chunks rejected because the buffer was full.", ""},
		{&met.SendErrors, "intervox.stream.send_errors", "Failed audio send attempts.", ""},
		{&met.Stalls, "intervox.stream.stalls", "Consumer halts after reaching the consecutive failure ceiling.", ""},
		{&met.Recoveries, "intervox.supervisor.recoveries", "Supervisor recovery attempts by status.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	if met.SendDuration, err = m.Float64Histogram("intervox.stream.send.duration",
		metric.WithDescription("Latency of a single audio send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sendBuckets...),
	); err != nil {
		return nil, err
	}

	if met.BufferedChunks, err = m.Int64UpDownCounter("intervox.stream.buffered_chunks",
		metric.WithDescription("Audio chunks waiting in streaming buffers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("intervox.active_streams",
		metric.WithDescription("Streaming services currently accepting audio."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("intervox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the Prometheus-backed provider.
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

// RecordSend records the outcome of one audio send. bytes is only counted on
// success.
func (m *Metrics) RecordSend(ctx context.Context, bytes int, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.SendErrors.Add(ctx, 1)
	} else {
		m.ChunksSent.Add(ctx, 1)
		m.BytesSent.Add(ctx, int64(bytes))
	}
	m.SendDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRecovery records one supervisor recovery attempt.
func (m *Metrics) RecordRecovery(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
