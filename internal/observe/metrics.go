// Package observe provides observability primitives for Parley:
// OpenTelemetry metrics for the audio pipeline, tracing helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider], so they can be scraped at /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio flow ---

	// Frames counts PCM frames moved through the device. Attribute:
	//   attribute.String("direction", "capture"|"playback")
	Frames metric.Int64Counter

	// Packets counts Opus packets. Attribute:
	//   attribute.String("op", "encode"|"decode")
	Packets metric.Int64Counter

	// PacketBytes records the size of every Opus packet. Attribute: op.
	PacketBytes metric.Int64Histogram

	// CallbackDuration tracks how long collaborator callbacks hold the I/O
	// goroutine. Attribute: direction.
	CallbackDuration metric.Float64Histogram

	// --- Failures ---

	// Xruns counts overruns and underruns. Attributes: direction,
	//   attribute.Bool("recovered", ...)
	Xruns metric.Int64Counter

	// IOFailures counts read/write calls that failed after recovery.
	// Attribute: direction.
	IOFailures metric.Int64Counter

	// CodecErrors counts encode/decode failures. Attribute: op.
	CodecErrors metric.Int64Counter

	// DeviceReopens counts reopen attempts. Attributes: direction,
	//   attribute.String("status", "ok"|"error")
	DeviceReopens metric.Int64Counter

	// BridgeDropped counts audio dropped by the WebSocket bridge.
	// Attribute: attribute.String("reason", "queue_full"|"send_full"|...)
	BridgeDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks running capture/playback loops. Attribute:
	// direction.
	ActiveStreams metric.Int64UpDownCounter

	// BridgePeers tracks connected WebSocket peers.
	BridgePeers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// callbackBuckets are histogram boundaries (in seconds) around the 10 ms
// audio period: anything past 0.01 is eating into the device's slack.
var callbackBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// packetBuckets are histogram boundaries (in bytes) for Opus packets.
var packetBuckets = []float64{
	8, 16, 32, 64, 96, 128, 192, 256, 512, 1275,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio flow.
	if met.Frames, err = m.Int64Counter("parley.audio.frames",
		metric.WithDescription("PCM frames captured or played, by direction."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.Packets, err = m.Int64Counter("parley.audio.packets",
		metric.WithDescription("Opus packets encoded or decoded."),
		metric.WithUnit("{packet}"),
	); err != nil {
		return nil, err
	}
	if met.PacketBytes, err = m.Int64Histogram("parley.audio.packet.bytes",
		metric.WithDescription("Size of Opus packets."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(packetBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallbackDuration, err = m.Float64Histogram("parley.audio.callback.duration",
		metric.WithDescription("Time spent in collaborator callbacks on the I/O goroutines."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Failures.
	if met.Xruns, err = m.Int64Counter("parley.audio.xruns",
		metric.WithDescription("Overruns and underruns by direction and recovery outcome."),
	); err != nil {
		return nil, err
	}
	if met.IOFailures, err = m.Int64Counter("parley.audio.io.failures",
		metric.WithDescription("Device reads and writes that failed after recovery."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("parley.audio.codec.errors",
		metric.WithDescription("Opus encode and decode failures."),
	); err != nil {
		return nil, err
	}
	if met.DeviceReopens, err = m.Int64Counter("parley.audio.device.reopens",
		metric.WithDescription("Device stream reopen attempts by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeDropped, err = m.Int64Counter("parley.bridge.dropped",
		metric.WithDescription("Audio units dropped by the WebSocket bridge, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("parley.audio.streams.active",
		metric.WithDescription("Running capture and playback loops."),
	); err != nil {
		return nil, err
	}
	if met.BridgePeers, err = m.Int64UpDownCounter("parley.bridge.peers",
		metric.WithDescription("Connected WebSocket bridge peers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

func dirAttr(direction string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("direction", direction))
}

// RecordFrames adds n frames moved in direction.
func (m *Metrics) RecordFrames(ctx context.Context, direction string, n int) {
	m.Frames.Add(ctx, int64(n), dirAttr(direction))
}

// RecordPacket records one encoded or decoded packet of size bytes.
func (m *Metrics) RecordPacket(ctx context.Context, op string, size int) {
	opt := metric.WithAttributes(attribute.String("op", op))
	m.Packets.Add(ctx, 1, opt)
	m.PacketBytes.Record(ctx, int64(size), opt)
}

// RecordCallback records the time a callback held the direction's goroutine.
func (m *Metrics) RecordCallback(ctx context.Context, direction string, d time.Duration) {
	m.CallbackDuration.Record(ctx, d.Seconds(), dirAttr(direction))
}

// RecordXrun records an overrun or underrun and whether it was recovered.
func (m *Metrics) RecordXrun(ctx context.Context, direction string, recovered bool) {
	m.Xruns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.Bool("recovered", recovered),
	))
}

// RecordIOFailure records a failed read or write cycle.
func (m *Metrics) RecordIOFailure(ctx context.Context, direction string) {
	m.IOFailures.Add(ctx, 1, dirAttr(direction))
}

// RecordCodecError records an encode or decode failure.
func (m *Metrics) RecordCodecError(ctx context.Context, op string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordReopen records a reopen attempt; status is "ok" or "error".
func (m *Metrics) RecordReopen(ctx context.Context, direction, status string) {
	m.DeviceReopens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("status", status),
	))
}

// RecordBridgeDrop records audio dropped by the bridge.
func (m *Metrics) RecordBridgeDrop(ctx context.Context, reason string) {
	m.BridgeDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StreamStarted increments the active stream gauge for direction.
func (m *Metrics) StreamStarted(ctx context.Context, direction string) {
	m.ActiveStreams.Add(ctx, 1, dirAttr(direction))
}

// StreamStopped decrements the active stream gauge for direction.
func (m *Metrics) StreamStopped(ctx context.Context, direction string) {
	m.ActiveStreams.Add(ctx, -1, dirAttr(direction))
}
