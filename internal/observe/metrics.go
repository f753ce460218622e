// Package observe provides application-wide observability primitives for
// PersonaPlex: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all PersonaPlex metrics.
const meterName = "github.com/MrWong99/personaplex"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureBlocks counts microphone blocks processed by the capture callback.
	CaptureBlocks metric.Int64Counter

	// CaptureBlocksSkipped counts blocks dropped because processing failed.
	CaptureBlocksSkipped metric.Int64Counter

	// --- Transport ---

	// FramesSent counts binary PCM frames written to the connection.
	FramesSent metric.Int64Counter

	// FramesDropped counts outgoing frames discarded because the connection
	// was not open. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BytesSent counts payload bytes written, control and audio alike.
	BytesSent metric.Int64Counter

	// ChunksReceived counts inbound audio chunks. Use with attribute:
	//   attribute.String("status", "ok"|"misaligned")
	ChunksReceived metric.Int64Counter

	// ControlFrames counts inbound text frames. Use with attribute:
	//   attribute.String("status", "ok"|"malformed")
	ControlFrames metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts chunks handed to the output context.
	ChunksScheduled metric.Int64Counter

	// PlaybackGap records silence inserted because a chunk arrived after the
	// previous one had finished playing, in seconds.
	PlaybackGap metric.Float64Histogram

	// PlaybackLead records how far ahead of the output clock the schedule
	// cursor is after each chunk, in seconds.
	PlaybackLead metric.Float64Histogram

	// --- Session ---

	// ConnectDuration tracks how long Connect takes from call to Active.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// SessionErrors counts session-level failures. Use with attribute:
	//   attribute.String("kind", "permission_denied"|"device_unavailable"|"transport")
	SessionErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// audio scheduling and connection setup.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureBlocks, err = m.Int64Counter("personaplex.capture.blocks",
		metric.WithDescription("Microphone blocks processed by the capture callback."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBlocksSkipped, err = m.Int64Counter("personaplex.capture.blocks_skipped",
		metric.WithDescription("Microphone blocks skipped after a processing failure."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("personaplex.transport.frames_sent",
		metric.WithDescription("Binary PCM frames written to the duplex connection."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("personaplex.transport.frames_dropped",
		metric.WithDescription("Outgoing frames discarded while the connection was not open."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("personaplex.transport.bytes_sent",
		metric.WithDescription("Payload bytes written to the duplex connection."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("personaplex.transport.chunks_received",
		metric.WithDescription("Inbound audio chunks by decode status."),
	); err != nil {
		return nil, err
	}
	if met.ControlFrames, err = m.Int64Counter("personaplex.transport.control_frames",
		metric.WithDescription("Inbound text frames by parse status."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("personaplex.playback.chunks_scheduled",
		metric.WithDescription("Audio chunks scheduled on the output context."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("personaplex.session.errors",
		metric.WithDescription("Session failures by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackGap, err = m.Float64Histogram("personaplex.playback.gap",
		metric.WithDescription("Silence inserted before a late chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("personaplex.playback.lead",
		metric.WithDescription("Scheduled audio ahead of the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("personaplex.session.connect.duration",
		metric.WithDescription("Time from Connect to an active session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("personaplex.active_sessions",
		metric.WithDescription("Number of sessions in the Active state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("personaplex.http.request.duration",
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

// RecordFrameDropped records a dropped outgoing frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkReceived records an inbound audio chunk with its decode status.
func (m *Metrics) RecordChunkReceived(ctx context.Context, status string) {
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordControlFrame records an inbound text frame with its parse status.
func (m *Metrics) RecordControlFrame(ctx context.Context, status string) {
	m.ControlFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError records a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
