// Package observe provides the capture pipeline's OpenTelemetry metrics and
// the optional Prometheus listener that exposes them.
//
// Tests should use NewMetrics with a ManualReader-backed provider to inspect
// recorded values.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/josuekenge/selly-capture/internal/capture"
)

// meterName is the instrumentation scope for all capture metrics.
const meterName = "github.com/josuekenge/selly-capture"

// Metrics holds the metric instruments for one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// FramesMixed counts stereo frames produced by the mixing loop.
	FramesMixed metric.Int64Counter

	// StreamFrames counts framed-stream writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	StreamFrames metric.Int64Counter

	// StreamBytes counts bytes written to the framed stream, headers included.
	StreamBytes metric.Int64Counter

	// StreamWriteDuration tracks how long one frame write and flush takes.
	StreamWriteDuration metric.Float64Histogram

	// WavWriteDuration tracks how long one batched WAV write takes.
	WavWriteDuration metric.Float64Histogram

	// SourceErrors counts capture source failures. Use with attributes:
	//   attribute.String("source", ...), attribute.String("stage", ...)
	SourceErrors metric.Int64Counter

	samplesDropped metric.Int64ObservableCounter
	channelDepth   metric.Int64ObservableGauge
}

// writeBuckets are histogram boundaries (seconds) for local sink writes.
var writeBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesMixed, err = m.Int64Counter("selly.mixer.frames",
		metric.WithDescription("Stereo frames produced by the mixing loop."),
	); err != nil {
		return nil, err
	}
	if met.StreamFrames, err = m.Int64Counter("selly.stream.frames",
		metric.WithDescription("Framed stream writes by status."),
	); err != nil {
		return nil, err
	}
	if met.StreamBytes, err = m.Int64Counter("selly.stream.bytes",
		metric.WithDescription("Bytes written to the framed stream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StreamWriteDuration, err = m.Float64Histogram("selly.stream.write.duration",
		metric.WithDescription("Latency of one framed stream write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(writeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WavWriteDuration, err = m.Float64Histogram("selly.wav.write.duration",
		metric.WithDescription("Latency of one batched WAV write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(writeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SourceErrors, err = m.Int64Counter("selly.source.errors",
		metric.WithDescription("Capture source failures by source and stage."),
	); err != nil {
		return nil, err
	}
	if met.samplesDropped, err = m.Int64ObservableCounter("selly.channel.dropped",
		metric.WithDescription("Samples dropped because a source channel was full."),
	); err != nil {
		return nil, err
	}
	if met.channelDepth, err = m.Int64ObservableGauge("selly.channel.depth",
		metric.WithDescription("Samples queued in a source channel."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Noop returns Metrics backed by a no-op provider.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// ObserveChannels reports drop counts and queue depth for chs on every
// collection until the returned registration is unregistered.
func (m *Metrics) ObserveChannels(chs ...*capture.Channel) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, c := range chs {
			attrs := metric.WithAttributes(attribute.String("source", c.Name()))
			o.ObserveInt64(m.samplesDropped, int64(c.Dropped()), attrs)
			o.ObserveInt64(m.channelDepth, int64(c.Len()), attrs)
		}
		return nil
	}, m.samplesDropped, m.channelDepth)
}

// RecordFramesMixed adds n stereo frames.
func (m *Metrics) RecordFramesMixed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesMixed.Add(ctx, int64(n))
}

// RecordStreamFrame records one framed stream write of size bytes.
func (m *Metrics) RecordStreamFrame(ctx context.Context, size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		m.StreamBytes.Add(ctx, int64(size))
	}
	m.StreamFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.StreamWriteDuration.Record(ctx, elapsed.Seconds())
}

// RecordWavWrite records one batched WAV write.
func (m *Metrics) RecordWavWrite(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WavWriteDuration.Record(ctx, elapsed.Seconds())
}

// RecordSourceError counts a capture source failure.
func (m *Metrics) RecordSourceError(ctx context.Context, source, stage string) {
	if m == nil {
		return
	}
	m.SourceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("stage", stage),
	))
}
