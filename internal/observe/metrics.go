// Package observe provides application-wide observability primitives for the
// playtest harness: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all harness metrics.
const meterName = "github.com/storyloom/playtest"

// Metrics holds all OpenTelemetry metric instruments for the harness.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks the wall-clock time of one full story turn:
	// narration, classification, routing, and the checkpoint write.
	TurnDuration metric.Float64Histogram

	// NarratorDuration tracks narrator generation latency.
	NarratorDuration metric.Float64Histogram

	// PlayerDuration tracks simulated-player generation latency.
	PlayerDuration metric.Float64Histogram

	// ClassifierDuration tracks turn-classification latency.
	ClassifierDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts Generation Service calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("lane", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts completed story turns. Use with attribute:
	//   attribute.String("response_type", ...)
	Turns metric.Int64Counter

	// Pulses counts narrator checkpoint beats observed by the classifier.
	Pulses metric.Int64Counter

	// Tokens counts prompt and completion tokens. Use with attributes:
	//   attribute.String("lane", ...), attribute.String("direction", ...)
	Tokens metric.Int64Counter

	// SpendUSD accumulates estimated spend in US dollars. Use with attributes:
	//   attribute.String("lane", ...), attribute.String("model", ...)
	SpendUSD metric.Float64Counter

	// --- Error counters ---

	// ProviderErrors counts Generation Service errors. Use with attributes:
	//   attribute.String("model", ...), attribute.String("lane", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently running,
	// including parallel sweep sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePlayers tracks the number of live simulated players across all
	// sessions.
	ActivePlayers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-generation latencies rather than request-serving ones.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("playtest.turn.duration",
		metric.WithDescription("Wall-clock time of one full story turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NarratorDuration, err = m.Float64Histogram("playtest.narrator.duration",
		metric.WithDescription("Latency of narrator generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlayerDuration, err = m.Float64Histogram("playtest.player.duration",
		metric.WithDescription("Latency of simulated-player generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("playtest.classifier.duration",
		metric.WithDescription("Latency of turn classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("playtest.provider.requests",
		metric.WithDescription("Total Generation Service requests by model, lane, and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("playtest.turns",
		metric.WithDescription("Total completed story turns by response type."),
	); err != nil {
		return nil, err
	}
	if met.Pulses, err = m.Int64Counter("playtest.pulses",
		metric.WithDescription("Total narrator checkpoint beats observed."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("playtest.tokens",
		metric.WithDescription("Total tokens by lane and direction."),
	); err != nil {
		return nil, err
	}
	if met.SpendUSD, err = m.Float64Counter("playtest.spend.usd",
		metric.WithDescription("Estimated spend in US dollars by lane and model."),
		metric.WithUnit("{USD}"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("playtest.provider.errors",
		metric.WithDescription("Total Generation Service errors by model and lane."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("playtest.active_sessions",
		metric.WithDescription("Number of sessions currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayers, err = m.Int64UpDownCounter("playtest.active_players",
		metric.WithDescription("Number of live simulated players across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("playtest.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a Generation
// Service request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, model, lane, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("lane", lane),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a Generation
// Service error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, model, lane string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("lane", lane),
		),
	)
}

// RecordTurn records one completed story turn: the per-type counter and the
// turn-duration histogram.
func (m *Metrics) RecordTurn(ctx context.Context, responseType string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("response_type", responseType))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordUsage records prompt and completion token counts for one call.
func (m *Metrics) RecordUsage(ctx context.Context, lane string, promptTokens, completionTokens int64) {
	m.Tokens.Add(ctx, promptTokens, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("direction", "prompt"),
	))
	m.Tokens.Add(ctx, completionTokens, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("direction", "completion"),
	))
}

// RecordSpend accumulates estimated spend for one call.
func (m *Metrics) RecordSpend(ctx context.Context, lane, model string, usd float64) {
	m.SpendUSD.Add(ctx, usd,
		metric.WithAttributes(
			attribute.String("lane", lane),
			attribute.String("model", model),
		),
	)
}
