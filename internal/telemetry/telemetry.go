// Package telemetry installs the process-wide OpenTelemetry providers that
// the engine and resolver instruments report through.
//
// Metrics are exported into a private Prometheus registry so one-shot runs
// can merge them into their textfile. Spans are only exported when a trace
// writer is enabled.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const serviceName = "forseti"

var ErrTracingEnabled = errors.New("tracing already enabled")

var (
	registry = prometheus.NewRegistry()

	metricsOnce sync.Once
	metricsErr  error

	tracingMu sync.Mutex
	tracing   *sdktrace.TracerProvider
)

// Gatherer exposes every otel instrument recorded so far. It is empty until
// InitMetrics has run.
func Gatherer() prometheus.Gatherer {
	return registry
}

// InitMetrics installs the global meter provider. The global provider can
// only be delegated once, so later calls return the first result.
func InitMetrics(version string) error {
	metricsOnce.Do(func() {
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			metricsErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(newResource(version)),
			sdkmetric.WithReader(exporter),
		))
	})
	return metricsErr
}

// EnableTracing writes finished spans to w as JSON. Spans are exported
// synchronously since a run may exit right after its last span ends.
func EnableTracing(version string, w io.Writer) error {
	tracingMu.Lock()
	defer tracingMu.Unlock()
	if tracing != nil {
		return ErrTracingEnabled
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	tracing = sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(newResource(version)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracing)
	return nil
}

func newResource(version string) *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
}
