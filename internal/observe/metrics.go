// Package observe carries captionist's metrics, tracing, logging and HTTP
// middleware.
//
// Instruments go through the OpenTelemetry metrics API; [InitProvider]
// bridges them to a Prometheus /metrics endpoint. Tests build their own
// [Metrics] with [NewMetrics] over a manual reader instead of using
// [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/captionist"

// Metrics holds the pipeline's instruments.
type Metrics struct {
	// Capture path.
	FramesCaptured metric.Int64Counter
	FramesDropped  metric.Int64Counter
	FilterDuration metric.Float64Histogram // attr "variant"

	// Recognition. RecognitionLatency is the delay from the end of an
	// utterance to its final transcript.
	RecognitionLatency metric.Float64Histogram
	Transcripts        metric.Int64Counter // attr "final"
	Redactions         metric.Int64Counter

	// Delivery, by "sink".
	SinkWrites metric.Int64Counter
	SinkErrors metric.Int64Counter

	ProfileMatchDuration metric.Float64Histogram

	// Engines, by "provider" and "kind"; requests also carry "status".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	ActiveSessions      metric.Int64UpDownCounter
	HTTPRequestDuration metric.Float64Histogram // attrs "method", "path"
}

var (
	// latencyBuckets are in seconds.
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// frameBuckets stay well below a 10-30ms frame period.
	frameBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025}
)

// instruments accumulates creation errors so NewMetrics can report them
// together.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		FramesCaptured: b.counter("captionist.frames.captured", "Audio frames accepted by the frame bus."),
		FramesDropped:  b.counter("captionist.frames.dropped", "Audio frames dropped on bus overflow."),
		FilterDuration: b.seconds("captionist.filter.duration", "Per-frame filter processing time.", frameBuckets),

		RecognitionLatency: b.seconds("captionist.recognition.latency", "Delay between utterance end and its final transcript.", latencyBuckets),
		Transcripts:        b.counter("captionist.transcripts", "Recognition events by finality."),
		Redactions:         b.counter("captionist.redactions", "Restricted words redacted."),

		SinkWrites: b.counter("captionist.sink.writes", "Transcript entries delivered, by sink."),
		SinkErrors: b.counter("captionist.sink.errors", "Failed transcript deliveries, by sink."),

		ProfileMatchDuration: b.seconds("captionist.profile.match.duration", "Speaker profile matching time.", latencyBuckets),

		ProviderRequests: b.counter("captionist.provider.requests", "Engine stream starts by provider, kind and status."),
		ProviderErrors:   b.counter("captionist.provider.errors", "Engine errors by provider and kind."),

		HTTPRequestDuration: b.seconds("captionist.http.duration", "HTTP request latency by method and path.", nil),
	}
	var err error
	met.ActiveSessions, err = b.m.Int64UpDownCounter("captionist.sessions.active",
		metric.WithDescription("Running capture sessions."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide Metrics on the global meter
// provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordTranscript counts one recognition event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordSinkWrite counts one delivery to sink, as a write or as an error.
func (m *Metrics) RecordSinkWrite(ctx context.Context, sink string, err error) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	if err != nil {
		m.SinkErrors.Add(ctx, 1, attrs)
		return
	}
	m.SinkWrites.Add(ctx, 1, attrs)
}
