// Package observe provides application-wide observability primitives for
// jukebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// from the Prometheus registry built by [Setup]. A package-level default
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

// meterName is the instrumentation scope name used for all jukebridge metrics.
const meterName = "github.com/MrWong99/jukebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks access point select + dial + authenticate.
	// Use with attribute: attribute.String("status", ...)
	HandshakeDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions lived, recorded at the end.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Handshakes counts handshake attempts. Use with attributes:
	//   attribute.String("ap", ...), attribute.String("status", ...)
	Handshakes metric.Int64Counter

	// ConnectTransitions counts Connect client state changes. Use with
	// attributes: attribute.String("state", ...), attribute.String("reason", ...)
	ConnectTransitions metric.Int64Counter

	// SessionsEnded counts ended sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// TracksPlayed counts track changes across all sessions.
	TracksPlayed metric.Int64Counter

	// AudioUnderruns counts jitter buffer underruns.
	AudioUnderruns metric.Int64Counter

	// AudioFramesDropped counts frames lost to overflow or flushes. Use
	// with attribute: attribute.String("cause", ...)
	AudioFramesDropped metric.Int64Counter

	// Commands counts remote-control commands. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	Commands metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers a few seconds up to a long listening party.
var sessionBuckets = []float64{
	10, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("jukebridge.connect.handshake.duration",
		metric.WithDescription("Latency of one access point handshake attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("jukebridge.session.duration",
		metric.WithDescription("Lifetime of ended sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Handshakes, err = m.Int64Counter("jukebridge.connect.handshakes",
		metric.WithDescription("Total handshake attempts by access point and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectTransitions, err = m.Int64Counter("jukebridge.connect.transitions",
		metric.WithDescription("Total Connect client state changes by state and reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("jukebridge.session.ended",
		metric.WithDescription("Total ended sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.TracksPlayed, err = m.Int64Counter("jukebridge.tracks.played",
		metric.WithDescription("Total track changes across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioUnderruns, err = m.Int64Counter("jukebridge.audio.underruns",
		metric.WithDescription("Total jitter buffer underruns."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("jukebridge.audio.frames_dropped",
		metric.WithDescription("Total audio frames discarded by cause."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("jukebridge.commands",
		metric.WithDescription("Total remote-control commands by command and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("jukebridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("jukebridge.http.request.duration",
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordHandshake records one handshake attempt against ap.
func (m *Metrics) RecordHandshake(ctx context.Context, ap string, d time.Duration, err error) {
	st := attribute.String("status", status(err))
	m.HandshakeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(st))
	m.Handshakes.Add(ctx, 1, metric.WithAttributes(attribute.String("ap", ap), st))
}

// RecordTransition records a Connect client state change.
func (m *Metrics) RecordTransition(ctx context.Context, state, reason string) {
	m.ConnectTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("reason", reason),
		),
	)
}

// RecordSessionEnd records an ended session of the given lifetime.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, lifetime time.Duration) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, lifetime.Seconds())
}

// RecordAudio adds a session's final jitter buffer counters.
func (m *Metrics) RecordAudio(ctx context.Context, underruns, overflow, stale, flushed uint64) {
	m.AudioUnderruns.Add(ctx, int64(underruns))
	for cause, n := range map[string]uint64{"overflow": overflow, "stale": stale, "flush": flushed} {
		if n > 0 {
			m.AudioFramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cause", cause)))
		}
	}
}

// RecordCommand records a remote-control command outcome.
func (m *Metrics) RecordCommand(ctx context.Context, command string, err error) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status(err)),
		),
	)
}
