// Package observe provides application-wide observability primitives for
// the jubensha backend: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/jubensha"

// Outcome values recorded with [Metrics.TTSOutcomes].
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
	OutcomeEmpty       = "empty"
	OutcomeUploadError = "upload_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks LLM completion latency, for both utterance
	// generation and speaker tie-breaking.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks provider synthesis latency.
	TTSDuration metric.Float64Histogram

	// UploadDuration tracks blob store upload latency.
	UploadDuration metric.Float64Histogram

	// TurnDuration tracks the wall time of a single speaking turn
	// (generate, synthesize, broadcast).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TTSOutcomes counts pipeline results. Use with attribute:
	//   attribute.String("outcome", ...)
	TTSOutcomes metric.Int64Counter

	// Utterances counts completed character turns. Use with attribute:
	//   attribute.String("phase", ...)
	Utterances metric.Int64Counter

	// SkippedTurns counts turns skipped because generation failed or
	// produced nothing.
	SkippedTurns metric.Int64Counter

	// SelectionFallbacks counts LLM speaker choices that were replaced by
	// the rule-based fallback. Use with attribute:
	//   attribute.String("reason", ...)
	SelectionFallbacks metric.Int64Counter

	// EventLogGaps counts audio uploaded without a matching event row.
	EventLogGaps metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks connected WebSocket clients across all sessions.
	Subscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM and
// TTS calls routinely take several seconds, so the tail is wide.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("jubensha.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("jubensha.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("jubensha.blob.upload.duration",
		metric.WithDescription("Latency of audio uploads to the blob store."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("jubensha.turn.duration",
		metric.WithDescription("Wall time of a single character turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("jubensha.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.TTSOutcomes, err = m.Int64Counter("jubensha.tts.outcomes",
		metric.WithDescription("TTS pipeline results by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("jubensha.utterances",
		metric.WithDescription("Total character utterances by phase."),
	); err != nil {
		return nil, err
	}
	if met.SkippedTurns, err = m.Int64Counter("jubensha.turns.skipped",
		metric.WithDescription("Turns skipped because no utterance was produced."),
	); err != nil {
		return nil, err
	}
	if met.SelectionFallbacks, err = m.Int64Counter("jubensha.selection.fallbacks",
		metric.WithDescription("LLM speaker selections replaced by the rule-based fallback."),
	); err != nil {
		return nil, err
	}
	if met.EventLogGaps, err = m.Int64Counter("jubensha.eventlog.gaps",
		metric.WithDescription("Uploaded audio files without a recorded event."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("jubensha.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("jubensha.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("jubensha.subscribers",
		metric.WithDescription("Number of connected WebSocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("jubensha.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// pointer. Panics if instrument creation fails.
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTTSOutcome records one pipeline result.
func (m *Metrics) RecordTTSOutcome(ctx context.Context, outcome string) {
	m.TTSOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUtterance records a completed character turn in the given phase.
func (m *Metrics) RecordUtterance(ctx context.Context, phase string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordSelectionFallback records a rule-based replacement of an LLM
// speaker choice.
func (m *Metrics) RecordSelectionFallback(ctx context.Context, reason string) {
	m.SelectionFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
