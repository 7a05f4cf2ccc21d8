// Package observe provides application-wide observability primitives for
// voicesift: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicesift metrics.
const meterName = "github.com/MrWong99/voicesift"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConversionDuration tracks segment format conversion latency.
	ConversionDuration metric.Float64Histogram

	// UploadDuration tracks sample upload latency. Use with attribute:
	//   attribute.String("status", ...)
	UploadDuration metric.Float64Histogram

	// SegmentQuality tracks the overall quality score of extracted segments.
	SegmentQuality metric.Float64Histogram

	// --- Counters ---

	// ChunksAdmitted counts chunks stored by the chunk buffer.
	ChunksAdmitted metric.Int64Counter

	// ChunksRejected counts chunks refused by the buffer. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksRejected metric.Int64Counter

	// ChunksEvicted counts chunks dropped to honour a capacity limit. Use
	// with attribute:
	//   attribute.String("limit", "speaker"|"memory")
	ChunksEvicted metric.Int64Counter

	// SegmentsMaterialized counts buffer segments. Use with attribute:
	//   attribute.String("reason", ...)
	SegmentsMaterialized metric.Int64Counter

	// SegmentsExtracted counts segments retained by the extractor.
	SegmentsExtracted metric.Int64Counter

	// SegmentsDiscarded counts segments dropped by the extractor. Use with
	// attribute:
	//   attribute.String("reason", ...)
	SegmentsDiscarded metric.Int64Counter

	// SpeakerChanges counts speaker-change events.
	SpeakerChanges metric.Int64Counter

	// VADSegments counts voice segments emitted by VAD sessions.
	VADSegments metric.Int64Counter

	// SamplesAccepted counts segments accepted by the sample selector.
	SamplesAccepted metric.Int64Counter

	// SamplesRejected counts segments refused by the sample selector. Use
	// with attribute:
	//   attribute.String("reason", ...)
	SamplesRejected metric.Int64Counter

	// Uploads counts upload attempts. Use with attribute:
	//   attribute.String("status", ...)
	Uploads metric.Int64Counter

	// --- Gauges ---

	// BufferBytes tracks the bytes held by chunk buffers.
	BufferBytes metric.Int64UpDownCounter

	// ActiveSpeakers tracks speakers with buffered audio.
	ActiveSpeakers metric.Int64UpDownCounter

	// ActiveSessions tracks live harvesting sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversion and upload latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// qualityBuckets covers the [0, 1] quality score range.
var qualityBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConversionDuration, err = m.Float64Histogram("voicesift.conversion.duration",
		metric.WithDescription("Latency of segment format conversion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("voicesift.upload.duration",
		metric.WithDescription("Latency of sample uploads by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentQuality, err = m.Float64Histogram("voicesift.segment.quality",
		metric.WithDescription("Overall quality score of extracted segments."),
		metric.WithExplicitBucketBoundaries(qualityBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ChunksAdmitted, "voicesift.chunks.admitted", "Total chunks stored by the chunk buffer."},
		{&met.ChunksRejected, "voicesift.chunks.rejected", "Total chunks rejected by reason."},
		{&met.ChunksEvicted, "voicesift.chunks.evicted", "Total chunks evicted by capacity limit."},
		{&met.SegmentsMaterialized, "voicesift.segments.materialized", "Total buffer segments by boundary reason."},
		{&met.SegmentsExtracted, "voicesift.segments.extracted", "Total segments retained by the extractor."},
		{&met.SegmentsDiscarded, "voicesift.segments.discarded", "Total segments discarded by the extractor by reason."},
		{&met.SpeakerChanges, "voicesift.speaker_changes", "Total speaker-change events."},
		{&met.VADSegments, "voicesift.vad.segments", "Total voice segments emitted by VAD sessions."},
		{&met.SamplesAccepted, "voicesift.samples.accepted", "Total samples accepted for upload."},
		{&met.SamplesRejected, "voicesift.samples.rejected", "Total samples rejected by reason."},
		{&met.Uploads, "voicesift.uploads", "Total upload attempts by status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.BufferBytes, err = m.Int64UpDownCounter("voicesift.buffer.bytes",
		metric.WithDescription("Bytes currently held by chunk buffers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voicesift.active_speakers",
		metric.WithDescription("Number of speakers with buffered audio."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicesift.active_sessions",
		metric.WithDescription("Number of live harvesting sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicesift.http.request.duration",
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

// RecordChunkRejected increments the rejected-chunk counter for reason.
func (m *Metrics) RecordChunkRejected(ctx context.Context, reason string) {
	m.ChunksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkEvicted increments the eviction counter for the limit that
// triggered it.
func (m *Metrics) RecordChunkEvicted(ctx context.Context, limit string) {
	m.ChunksEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("limit", limit)))
}

// RecordSegmentMaterialized increments the materialised-segment counter.
func (m *Metrics) RecordSegmentMaterialized(ctx context.Context, reason string) {
	m.SegmentsMaterialized.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSegmentDiscarded increments the discarded-segment counter.
func (m *Metrics) RecordSegmentDiscarded(ctx context.Context, reason string) {
	m.SegmentsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSampleRejected increments the rejected-sample counter.
func (m *Metrics) RecordSampleRejected(ctx context.Context, reason string) {
	m.SamplesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUpload records an upload attempt with its outcome and latency.
func (m *Metrics) RecordUpload(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Uploads.Add(ctx, 1, attrs)
	m.UploadDuration.Record(ctx, d.Seconds(), attrs)
}
