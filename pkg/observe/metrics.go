// Package observe provides OpenTelemetry metrics for the voice pipeline with
// an optional Prometheus exporter bridge.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "github.com/mkuran/voca"

// Metrics holds the metric instruments recorded by the pipeline. The
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// CaptureDrops counts capture frames discarded under backpressure.
	CaptureDrops metric.Int64Counter

	// PlaybackUnderruns counts silence frames inserted on queue underrun.
	PlaybackUnderruns metric.Int64Counter

	// DecodeFailures counts Opus packets that failed to decode.
	DecodeFailures metric.Int64Counter

	// PLCFrames counts concealment frames synthesized for lost packets.
	PLCFrames metric.Int64Counter

	// Reconnects counts transport reconnect attempts.
	Reconnects metric.Int64Counter

	// WakeDetections counts wake-word triggers, attribute "keyword".
	WakeDetections metric.Int64Counter

	// ToolCallDuration tracks tool execution latency, attributes "tool"
	// and "status".
	ToolCallDuration metric.Float64Histogram

	// EncodeDuration tracks per-frame Opus encode latency.
	EncodeDuration metric.Float64Histogram

	// SessionActive tracks whether a session is live (0 or 1).
	SessionActive metric.Int64UpDownCounter
}

// latencyBuckets are histogram bounds (seconds) sized for a 60 ms frame
// budget on the encode path and multi-second tool calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.06, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates all instruments from the given provider. Tests pass a
// private provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.CaptureDrops, err = m.Int64Counter("voca.capture.drops",
		metric.WithDescription("Capture frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("voca.playback.underruns",
		metric.WithDescription("Silence frames inserted on playback underrun."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voca.codec.decode_failures",
		metric.WithDescription("Opus packets that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.PLCFrames, err = m.Int64Counter("voca.codec.plc_frames",
		metric.WithDescription("Concealment frames synthesized for lost packets."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voca.transport.reconnects",
		metric.WithDescription("Transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("voca.wakeword.detections",
		metric.WithDescription("Wake-word triggers."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("voca.tools.call_duration",
		metric.WithDescription("Tool execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("voca.codec.encode_duration",
		metric.WithDescription("Per-frame Opus encode latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionActive, err = m.Int64UpDownCounter("voca.session.active",
		metric.WithDescription("Live session count (0 or 1)."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns a process-wide Metrics instance bound to the global
// meter provider.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
