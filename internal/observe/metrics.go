// Package observe provides application-wide observability primitives for
// voicewire: OpenTelemetry metrics, tracing, and the Prometheus exporter
// bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All recording methods are nil-safe: components hold a *Metrics that may be
// nil when observability is not wired (unit tests), and recording on a nil
// receiver is a no-op.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks session handshake latency.
	ConnectDuration metric.Float64Histogram

	// SendDuration tracks outbound send latency over the transport.
	SendDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureChunks counts conditioned chunks emitted by the capture pipeline.
	CaptureChunks metric.Int64Counter

	// SpeechTransitions counts VAD state transitions. Use with attribute:
	//   attribute.String("state", "speaking"|"silence")
	SpeechTransitions metric.Int64Counter

	// CaptureDropped counts capture chunks discarded while the transport was
	// not connected.
	CaptureDropped metric.Int64Counter

	// PlaybackChunks counts chunks accepted by the playback streamer.
	PlaybackChunks metric.Int64Counter

	// PlaybackDropped counts malformed or empty chunks rejected by streamAudio.
	PlaybackDropped metric.Int64Counter

	// ReconnectAttempts counts reconnection attempts by the session agent.
	ReconnectAttempts metric.Int64Counter

	// LivenessTimeouts counts audio liveness watchdog expirations.
	LivenessTimeouts metric.Int64Counter

	// TransportErrors counts classified transport errors. Use with attribute:
	//   attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// PlaybackQueueDepth tracks the number of decoded units awaiting playback.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live agent sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("voicewire.agent.connect.duration",
		metric.WithDescription("Latency of session handshakes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("voicewire.agent.send.duration",
		metric.WithDescription("Latency of outbound sends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CaptureChunks, err = m.Int64Counter("voicewire.capture.chunks",
		metric.WithDescription("Total conditioned chunks emitted by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.SpeechTransitions, err = m.Int64Counter("voicewire.capture.speech_transitions",
		metric.WithDescription("Total VAD state transitions by state."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("voicewire.capture.dropped",
		metric.WithDescription("Total capture chunks discarded while the transport was down."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voicewire.playback.chunks",
		metric.WithDescription("Total chunks accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDropped, err = m.Int64Counter("voicewire.playback.dropped",
		metric.WithDescription("Total malformed or empty chunks dropped by the streamer."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voicewire.agent.reconnect_attempts",
		metric.WithDescription("Total reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.LivenessTimeouts, err = m.Int64Counter("voicewire.agent.liveness_timeouts",
		metric.WithDescription("Total audio liveness watchdog expirations."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicewire.agent.transport_errors",
		metric.WithDescription("Total classified transport errors by kind."),
	); err != nil {
		return nil, err
	}

	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("voicewire.playback.queue_depth",
		metric.WithDescription("Number of decoded units awaiting playback."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.agent.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
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

// RecordConnectDuration records one handshake latency sample. Nil-safe.
func (m *Metrics) RecordConnectDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, seconds)
}

// RecordSendDuration records one outbound send latency sample. Nil-safe.
func (m *Metrics) RecordSendDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.Record(ctx, seconds)
}

// RecordCaptureChunk increments the capture chunk counter. Nil-safe.
func (m *Metrics) RecordCaptureChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureChunks.Add(ctx, 1)
}

// RecordSpeechTransition increments the VAD transition counter. Nil-safe.
func (m *Metrics) RecordSpeechTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.SpeechTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordCaptureDropped increments the discarded capture chunk counter.
// Nil-safe.
func (m *Metrics) RecordCaptureDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureDropped.Add(ctx, 1)
}

// RecordPlaybackChunk increments the playback chunk counter and adjusts the
// queue depth gauge by delta. Nil-safe.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlaybackChunks.Add(ctx, 1)
}

// RecordPlaybackDropped increments the dropped-chunk counter. Nil-safe.
func (m *Metrics) RecordPlaybackDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlaybackDropped.Add(ctx, 1)
}

// AddPlaybackQueueDepth adjusts the playback queue depth gauge. Nil-safe.
func (m *Metrics) AddPlaybackQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PlaybackQueueDepth.Add(ctx, delta)
}

// RecordReconnectAttempt increments the reconnect counter. Nil-safe.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1)
}

// RecordLivenessTimeout increments the liveness timeout counter. Nil-safe.
func (m *Metrics) RecordLivenessTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.LivenessTimeouts.Add(ctx, 1)
}

// RecordTransportError increments the transport error counter. Nil-safe.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// AddActiveSessions adjusts the active session gauge. Nil-safe.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
