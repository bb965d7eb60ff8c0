// Package observe provides application-wide observability primitives for
// EchoLens: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all EchoLens metrics.
const meterName = "github.com/echolens-ai/echolens"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end utterance-to-audio latency.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// PipelineOutcomes counts finished pipeline jobs. Use with attribute:
	//   attribute.String("result", ...)
	PipelineOutcomes metric.Int64Counter

	// SpeechSessions counts closed speech sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	SpeechSessions metric.Int64Counter

	// ScreenCaptures counts screen-capture resolutions. Use with attribute:
	//   attribute.String("outcome", ...)
	ScreenCaptures metric.Int64Counter

	// OutboundDropped counts outbound events discarded under queue pressure.
	// Use with attribute: attribute.String("event", ...)
	OutboundDropped metric.Int64Counter

	// MemorySummarisations counts background memory summarisation runs.
	// Use with attribute: attribute.String("result", ...)
	MemorySummarisations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live client connections.
	ActiveConnections metric.Int64UpDownCounter

	// InflightJobs tracks the number of pipeline jobs currently running.
	InflightJobs metric.Int64UpDownCounter

	// --- Memory ---

	// SnapshotTokens tracks the estimated token footprint of memory
	// snapshots handed to the language model.
	SnapshotTokens metric.Int64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// tokenBuckets defines histogram bucket boundaries for snapshot token
// estimates, spanning the default memory budget.
var tokenBuckets = []float64{
	100, 250, 500, 1000, 1500, 2000, 3000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("echolens.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("echolens.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("echolens.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("echolens.pipeline.duration",
		metric.WithDescription("End-to-end latency from completed utterance to synthesised audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("echolens.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.PipelineOutcomes, err = m.Int64Counter("echolens.pipeline.outcomes",
		metric.WithDescription("Total finished pipeline jobs by result."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSessions, err = m.Int64Counter("echolens.speech.sessions",
		metric.WithDescription("Total closed speech sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ScreenCaptures, err = m.Int64Counter("echolens.screen.captures",
		metric.WithDescription("Total screen-capture resolutions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDropped, err = m.Int64Counter("echolens.outbound.dropped",
		metric.WithDescription("Total outbound events discarded under queue pressure, by event type."),
	); err != nil {
		return nil, err
	}
	if met.MemorySummarisations, err = m.Int64Counter("echolens.memory.summarisations",
		metric.WithDescription("Total background memory summarisation runs by result."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("echolens.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("echolens.active_connections",
		metric.WithDescription("Number of live client connections."),
	); err != nil {
		return nil, err
	}
	if met.InflightJobs, err = m.Int64UpDownCounter("echolens.inflight_jobs",
		metric.WithDescription("Number of pipeline jobs currently running."),
	); err != nil {
		return nil, err
	}

	// Memory snapshot histogram.
	if met.SnapshotTokens, err = m.Int64Histogram("echolens.memory.snapshot_tokens",
		metric.WithDescription("Estimated token footprint of assembled memory snapshots."),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(tokenBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echolens.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
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

// RecordPipelineOutcome is a convenience method that records one finished
// pipeline job.
func (m *Metrics) RecordPipelineOutcome(ctx context.Context, result string) {
	m.PipelineOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordSpeechSession is a convenience method that records one closed speech
// session.
func (m *Metrics) RecordSpeechSession(ctx context.Context, outcome string) {
	m.SpeechSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordScreenCapture is a convenience method that records the resolution of
// one screen-capture need.
func (m *Metrics) RecordScreenCapture(ctx context.Context, outcome string) {
	m.ScreenCaptures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordOutboundDrop is a convenience method that records one outbound event
// discarded under queue pressure.
func (m *Metrics) RecordOutboundDrop(ctx context.Context, eventType string) {
	m.OutboundDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", eventType)),
	)
}

// RecordSummarisation is a convenience method that records the outcome of one
// memory summarisation pass.
func (m *Metrics) RecordSummarisation(ctx context.Context, result string) {
	m.MemorySummarisations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordSnapshotTokens is a convenience method that records the estimated
// token footprint of one assembled memory snapshot.
func (m *Metrics) RecordSnapshotTokens(ctx context.Context, tokens int) {
	m.SnapshotTokens.Record(ctx, int64(tokens))
}
