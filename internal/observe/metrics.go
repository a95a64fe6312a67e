// Package observe provides application-wide observability primitives for
// thalamus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all thalamus metrics.
const meterName = "github.com/MrWong99/thalamus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RefineDuration tracks one refinement attempt, model call included.
	// Use with attribute.String("outcome", ...).
	RefineDuration metric.Float64Histogram

	// SweepDuration tracks one scheduler sweep over all sessions.
	SweepDuration metric.Float64Histogram

	// --- Counters ---

	// Refinements counts refinement attempts by outcome (refined, fallback,
	// unparseable).
	Refinements metric.Int64Counter

	// Locks counts segments locked, by lock reason.
	Locks metric.Int64Counter

	// Corrections counts correction-pass runs by outcome.
	Corrections metric.Int64Counter

	// GroupsClosed counts speaker groups written to the ledger. Use with
	// attribute.String("cause", "speaker_change"|"idle").
	GroupsClosed metric.Int64Counter

	// IngestedSegments counts raw segments accepted, by transport.
	IngestedSegments metric.Int64Counter

	// ProviderRequests counts LLM provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts per-session pipeline failures, by stage.
	SessionErrors metric.Int64Counter

	// ProviderErrors counts LLM provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// OpenGroups tracks speaker groups that are open and not yet written.
	OpenGroups metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status_class", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model round trips and ledger sweeps.
var latencyBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RefineDuration, err = m.Float64Histogram("thalamus.refine.duration",
		metric.WithDescription("Latency of one refinement attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SweepDuration, err = m.Float64Histogram("thalamus.sweep.duration",
		metric.WithDescription("Latency of one scheduler sweep over all sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Refinements, err = m.Int64Counter("thalamus.refinements",
		metric.WithDescription("Total refinement attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Locks, err = m.Int64Counter("thalamus.locks",
		metric.WithDescription("Total segments locked by reason."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("thalamus.corrections",
		metric.WithDescription("Total correction-pass runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.GroupsClosed, err = m.Int64Counter("thalamus.groups.closed",
		metric.WithDescription("Total speaker groups written by close cause."),
	); err != nil {
		return nil, err
	}
	if met.IngestedSegments, err = m.Int64Counter("thalamus.ingest.segments",
		metric.WithDescription("Total raw segments ingested by transport."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("thalamus.provider.requests",
		metric.WithDescription("Total LLM provider requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("thalamus.session.errors",
		metric.WithDescription("Total per-session pipeline failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("thalamus.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenGroups, err = m.Int64UpDownCounter("thalamus.groups.open",
		metric.WithDescription("Number of open speaker groups awaiting close."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("thalamus.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
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

// RecordRefinement records one refinement attempt and its latency.
func (m *Metrics) RecordRefinement(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Refinements.Add(ctx, 1, attrs)
	m.RefineDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLock records a segment locked for reason.
func (m *Metrics) RecordLock(ctx context.Context, reason string) {
	m.Locks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCorrection records one correction-pass run.
func (m *Metrics) RecordCorrection(ctx context.Context, outcome string) {
	m.Corrections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGroupClosed records a group written to the ledger.
func (m *Metrics) RecordGroupClosed(ctx context.Context, cause string) {
	m.GroupsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordIngested records n raw segments accepted through transport.
func (m *Metrics) RecordIngested(ctx context.Context, transport string, n int) {
	m.IngestedSegments.Add(ctx, int64(n), metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordSessionError records a per-session failure in stage.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSweep records the latency of one scheduler sweep.
func (m *Metrics) RecordSweep(ctx context.Context, d time.Duration) {
	m.SweepDuration.Record(ctx, d.Seconds())
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
