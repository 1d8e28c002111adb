package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	runCounter          metric.Int64Counter
	runErrorCounter     metric.Int64Counter
	skippedLayerCounter metric.Int64Counter
	runDurationHist     metric.Float64Histogram
)

// RunMetrics captures the fields needed to record one attribution run.
type RunMetrics struct {
	Method        string // lrp or layer-lrp
	Layers        int
	SkippedLayers int
	Batch         int
	AllLayers     bool
	Failed        bool
	Duration      time.Duration
}

// RecordRun emits counters and a histogram describing one attribution run.
func RecordRun(ctx context.Context, m RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("attribution.method", m.Method),
		attribute.Int("attribution.layers", m.Layers),
		attribute.Int("attribution.batch", m.Batch),
		attribute.Bool("attribution.all_layers", m.AllLayers),
	}

	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Failed {
		runErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.SkippedLayers > 0 {
		skippedLayerCounter.Add(ctx, int64(m.SkippedLayers), metric.WithAttributes(attrs...))
	}
	if m.Duration > 0 {
		runDurationHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("relprop.attribution")

		runCounter, metricsInitErr = meter.Int64Counter(
			"relprop.attribution.runs_total",
			metric.WithDescription("Attribution runs partitioned by method"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runErrorCounter, metricsInitErr = meter.Int64Counter(
			"relprop.attribution.errors_total",
			metric.WithDescription("Attribution runs that surfaced an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		skippedLayerCounter, metricsInitErr = meter.Int64Counter(
			"relprop.attribution.layers_skipped_total",
			metric.WithDescription("Layers skipped during redistribution because no rule applied"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runDurationHist, metricsInitErr = meter.Float64Histogram(
			"relprop.attribution.duration_ms",
			metric.WithDescription("Observed attribution run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// AnnotateRun attaches coarse run metadata to the provided span.
func AnnotateRun(span trace.Span, layers, skipped, batch int, allLayers bool) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Int("attribution.layers", layers),
		attribute.Int("attribution.layers_skipped", skipped),
		attribute.Int("attribution.batch", batch),
		attribute.Bool("attribution.all_layers", allLayers),
	)
}
