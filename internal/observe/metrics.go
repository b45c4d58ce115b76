// Package observe provides application-wide observability primitives for
// voicepipe: OpenTelemetry metrics and the Prometheus exporter bridge.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicepipe metrics.
const meterName = "github.com/phonesys/voicepipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks per-stage frame processing latency. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// FramesProcessed counts frames handled per stage.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames discarded by interruptions or stage errors.
	FramesDropped metric.Int64Counter

	// Interruptions counts user barge-ins.
	Interruptions metric.Int64Counter

	// ReconnectAttempts counts upstream dial attempts per service.
	ReconnectAttempts metric.Int64Counter

	// AvatarDegrades counts avatar sessions that fell back to audio-only.
	AvatarDegrades metric.Int64Counter

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("voicepipe.stage.duration",
		metric.WithDescription("Per-stage frame processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("voicepipe.frames.processed",
		metric.WithDescription("Total frames handled by stage."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicepipe.frames.dropped",
		metric.WithDescription("Total frames discarded by interruptions or stage errors."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicepipe.interruptions",
		metric.WithDescription("Total user barge-ins."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voicepipe.reconnect.attempts",
		metric.WithDescription("Upstream dial attempts by service."),
	); err != nil {
		return nil, err
	}
	if met.AvatarDegrades, err = m.Int64Counter("voicepipe.avatar.degrades",
		metric.WithDescription("Avatar sessions degraded to audio-only."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicepipe.active_sessions",
		metric.WithDescription("Number of live call sessions."),
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

// StageLatency records one frame's processing time for a stage.
func (m *Metrics) StageLatency(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// FrameProcessed increments the per-stage frame counter.
func (m *Metrics) FrameProcessed(ctx context.Context, stage string) {
	m.FramesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// FrameDropped increments the per-stage drop counter.
func (m *Metrics) FrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// Interruption increments the barge-in counter.
func (m *Metrics) Interruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// ReconnectAttempt increments the dial counter for a service.
func (m *Metrics) ReconnectAttempt(ctx context.Context, service string) {
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("service", service)),
	)
}

// AvatarDegrade increments the audio-only fallback counter.
func (m *Metrics) AvatarDegrade(ctx context.Context, reason string) {
	m.AvatarDegrades.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
