// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics scrape endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/openclaw/g2gateway"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// TranscriptionDuration tracks speech-to-text inference latency.
	TranscriptionDuration metric.Float64Histogram

	// AgentCycleDuration tracks the span from entering thinking to the
	// terminal idle status of a response cycle.
	AgentCycleDuration metric.Float64Histogram

	// RecordingDuration tracks the audio duration of completed recordings.
	RecordingDuration metric.Float64Histogram

	// FramesReceived counts inbound frames. Use with attribute:
	//   attribute.String("kind", "text"|"binary")
	FramesReceived metric.Int64Counter

	// ErrorFrames counts outbound error frames by stable error code.
	ErrorFrames metric.Int64Counter

	// UpstreamRequests counts OpenClaw agent requests by status.
	UpstreamRequests metric.Int64Counter

	// ActiveSessions tracks the number of live client sessions (0 or 1
	// under the single-connection policy).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// transcription and agent-cycle latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("g2gateway.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentCycleDuration, err = m.Float64Histogram("g2gateway.agent_cycle.duration",
		metric.WithDescription("Duration of a full response cycle, thinking through idle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("g2gateway.recording.duration",
		metric.WithDescription("Audio duration of completed recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesReceived, err = m.Int64Counter("g2gateway.frames.received",
		metric.WithDescription("Total inbound frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.ErrorFrames, err = m.Int64Counter("g2gateway.frames.errors",
		metric.WithDescription("Total outbound error frames by error code."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamRequests, err = m.Int64Counter("g2gateway.upstream.requests",
		metric.WithDescription("Total OpenClaw agent requests by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("g2gateway.active_sessions",
		metric.WithDescription("Number of live client sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordFrame records one inbound frame of the given kind.
func (m *Metrics) RecordFrame(ctx context.Context, kind string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordErrorFrame records one outbound error frame by code.
func (m *Metrics) RecordErrorFrame(ctx context.Context, code string) {
	m.ErrorFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordUpstreamRequest records one agent request with the given status.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, status string) {
	m.UpstreamRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
