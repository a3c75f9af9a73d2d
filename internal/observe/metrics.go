// Package observe provides application-wide observability primitives for
// Jamroom: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Jamroom metrics.
const meterName = "github.com/tonefield/jamroom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EngineLoadDuration tracks instrument engine construction latency, from
	// load request to a playable engine (including any fallback attempts).
	EngineLoadDuration metric.Float64Histogram

	// --- Counters ---

	// EngineLoads counts settled engine loads. Use with attributes:
	//   attribute.String("category", ...), attribute.String("status", ...)
	// where status is one of "ok", "fallback", or "unavailable".
	EngineLoads metric.Int64Counter

	// Fallbacks counts instrument substitutions performed by the fallback
	// resolver. Use with attribute: attribute.String("category", ...)
	Fallbacks metric.Int64Counter

	// NotesPlayed counts note events delivered to an engine. Use with
	// attribute: attribute.String("source", ...) — "local" or "remote".
	NotesPlayed metric.Int64Counter

	// NotesDropped counts remote note events dropped by policy. Use with
	// attribute: attribute.String("reason", ...) — "loading" or "missing".
	NotesDropped metric.Int64Counter

	// QualityTransitions counts rendering quality mode changes. Use with
	// attribute: attribute.String("mode", ...) — "reduced" or "normal".
	QualityTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveEngines tracks the number of constructed engines currently held
	// in the pool (local slot included).
	ActiveEngines metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected session participants.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// loadBuckets defines histogram bucket boundaries (in seconds) sized for
// engine construction, which ranges from quick oscillator setup to SoundFont
// parsing.
var loadBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EngineLoadDuration, err = m.Float64Histogram("jamroom.engine.load.duration",
		metric.WithDescription("Latency of instrument engine construction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(loadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EngineLoads, err = m.Int64Counter("jamroom.engine.loads",
		metric.WithDescription("Total settled engine loads by category and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("jamroom.engine.fallbacks",
		metric.WithDescription("Total instrument substitutions by category."),
	); err != nil {
		return nil, err
	}
	if met.NotesPlayed, err = m.Int64Counter("jamroom.notes.played",
		metric.WithDescription("Total note events delivered to engines by source."),
	); err != nil {
		return nil, err
	}
	if met.NotesDropped, err = m.Int64Counter("jamroom.notes.dropped",
		metric.WithDescription("Total remote note events dropped by policy, by reason."),
	); err != nil {
		return nil, err
	}
	if met.QualityTransitions, err = m.Int64Counter("jamroom.quality.transitions",
		metric.WithDescription("Total rendering quality mode changes by mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveEngines, err = m.Int64UpDownCounter("jamroom.active_engines",
		metric.WithDescription("Number of constructed engines currently pooled."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("jamroom.active_participants",
		metric.WithDescription("Number of connected session participants."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("jamroom.http.request.duration",
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

// RecordEngineLoad records one settled engine load with the standard
// attribute set and its duration in seconds.
func (m *Metrics) RecordEngineLoad(ctx context.Context, category, status string, seconds float64) {
	m.EngineLoads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("status", status),
		),
	)
	m.EngineLoadDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// RecordFallback records one instrument substitution.
func (m *Metrics) RecordFallback(ctx context.Context, category string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// RecordNotePlayed records a note event delivered to an engine.
func (m *Metrics) RecordNotePlayed(ctx context.Context, source string) {
	m.NotesPlayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordNoteDropped records a remote note event dropped by policy.
func (m *Metrics) RecordNoteDropped(ctx context.Context, reason string) {
	m.NotesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordQualityTransition records a rendering quality mode change.
func (m *Metrics) RecordQualityTransition(ctx context.Context, mode string) {
	m.QualityTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}
