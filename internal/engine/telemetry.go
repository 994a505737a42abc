package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("forseti.engine")
	meter  = otel.Meter("forseti.engine")
)

var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	requestFiles   metric.Int64Histogram
	workersStarted metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"engine_request_duration_seconds",
			metric.WithDescription("Duration of engine lint requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"engine_requests_total",
			metric.WithDescription("Engine lint requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestFiles, err = meter.Int64Histogram(
			"engine_request_files",
			metric.WithDescription("Files per engine lint request"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		workersStarted, err = meter.Int64Counter(
			"engine_workers_started_total",
			metric.WithDescription("Engine processes started"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startSpan(ctx context.Context, name, engineID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("engine.id", engineID)))
}

func recordRequest(ctx context.Context, engineID string, duration time.Duration, files int, err error) {
	span := trace.SpanFromContext(ctx)
	outcome := "ok"
	if err != nil {
		outcome = KindName(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("engine.files", files),
		attribute.String("engine.outcome", outcome),
	)

	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("outcome", outcome),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
	requestFiles.Record(ctx, int64(files), metric.WithAttributes(attribute.String("engine", engineID)))
}

func recordWorkerStart(ctx context.Context, engineID string) {
	if initMetrics() != nil {
		return
	}
	workersStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engineID)))
}
