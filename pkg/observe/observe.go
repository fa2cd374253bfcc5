// Package observe exposes the gateway's OpenTelemetry instruments bridged
// to Prometheus exposition. The in-process time-series store in pkg/metrics
// serves operator queries; this package serves external scrapers.
package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/gantry-ai/gantry"

// Metrics bundles the gateway's instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	meter    metric.Meter

	Requests          metric.Int64Counter
	Tokens            metric.Int64Counter
	Crashes           metric.Int64Counter
	Evictions         metric.Int64Counter
	GenerationSeconds metric.Float64Histogram
}

// NewMetrics creates the meter provider with a Prometheus reader and the
// gateway's instruments.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{
		provider: provider,
		registry: registry,
		meter:    meter,
	}

	if m.Requests, err = meter.Int64Counter("gantry_requests_total",
		metric.WithDescription("Requests admitted to the queue")); err != nil {
		return nil, err
	}
	if m.Tokens, err = meter.Int64Counter("gantry_tokens_total",
		metric.WithDescription("Tokens consumed, input plus output")); err != nil {
		return nil, err
	}
	if m.Crashes, err = meter.Int64Counter("gantry_engine_crashes_total",
		metric.WithDescription("Engine crashes recorded by the circuit tracker")); err != nil {
		return nil, err
	}
	if m.Evictions, err = meter.Int64Counter("gantry_evictions_total",
		metric.WithDescription("Models evicted to reclaim memory")); err != nil {
		return nil, err
	}
	if m.GenerationSeconds, err = meter.Float64Histogram("gantry_generation_seconds",
		metric.WithDescription("Wall time of one generation")); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterGauges wires the callback-driven gauges. Callbacks must be safe
// for concurrent use; they run on the scrape path.
func (m *Metrics) RegisterGauges(queueDepth func() int64, loadedModels func() int64, vramUsedGB func() float64) error {
	queueGauge, err := m.meter.Int64ObservableGauge("gantry_queue_depth",
		metric.WithDescription("Requests waiting for a worker"))
	if err != nil {
		return err
	}
	modelsGauge, err := m.meter.Int64ObservableGauge("gantry_loaded_models",
		metric.WithDescription("Models currently resident"))
	if err != nil {
		return err
	}
	vramGauge, err := m.meter.Float64ObservableGauge("gantry_vram_used_gb",
		metric.WithDescription("Memory in use in GB"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queueGauge, queueDepth())
		o.ObserveInt64(modelsGauge, loadedModels())
		o.ObserveFloat64(vramGauge, vramUsedGB())
		return nil
	}, queueGauge, modelsGauge, vramGauge)
	return err
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
