// Package telemetry wires up the Prometheus + OpenTelemetry exporters used
// across the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gravity-well/pkg/config"
	"gravity-well/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all engine metrics. It implements gravity.MetricsRecorder.
type Metrics struct {
	ListLookups     metric.Int64Counter
	ListHits        metric.Int64Counter
	Verdicts        metric.Int64Counter
	StoreReopens    metric.Int64Counter
	PrefilterSkips  metric.Int64Counter
	SentinelAnswers metric.Int64Counter
	GravityDomains  metric.Int64Gauge
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	// Tracing stays a no-op provider until an OTLP exporter is configured.
	t.tracerProvider = tracenoop.NewTracerProvider()
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all engine metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("gravity-well")

	listLookups, err := meter.Int64Counter(
		"gravity.list.lookups",
		metric.WithDescription("List membership probes by list class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create list lookups counter: %w", err)
	}

	listHits, err := meter.Int64Counter(
		"gravity.list.hits",
		metric.WithDescription("List membership probes that matched, by list class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create list hits counter: %w", err)
	}

	verdicts, err := meter.Int64Counter(
		"gravity.verdicts",
		metric.WithDescription("Composed filtering decisions by verdict"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdicts counter: %w", err)
	}

	storeReopens, err := meter.Int64Counter(
		"gravity.store.reopens",
		metric.WithDescription("Store reopen events after fork detection or database replacement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store reopens counter: %w", err)
	}

	prefilterSkips, err := meter.Int64Counter(
		"gravity.prefilter.skips",
		metric.WithDescription("Gravity lookups skipped by a definite bloom prefilter miss"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefilter skips counter: %w", err)
	}

	sentinelAnswers, err := meter.Int64Counter(
		"gravity.sentinel.answers",
		metric.WithDescription("Upstream answers recognized as external block pages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentinel answers counter: %w", err)
	}

	gravityDomains, err := meter.Int64Gauge(
		"gravity.domains",
		metric.WithDescription("Number of domains in the gravity list"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gravity domains gauge: %w", err)
	}

	return &Metrics{
		ListLookups:     listLookups,
		ListHits:        listHits,
		Verdicts:        verdicts,
		StoreReopens:    storeReopens,
		PrefilterSkips:  prefilterSkips,
		SentinelAnswers: sentinelAnswers,
		GravityDomains:  gravityDomains,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// AddLookup implements gravity.MetricsRecorder
func (m *Metrics) AddLookup(ctx context.Context, list string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("list", list))
	m.ListLookups.Add(ctx, 1, attrs)
	if hit {
		m.ListHits.Add(ctx, 1, attrs)
	}
}

// AddVerdict implements gravity.MetricsRecorder
func (m *Metrics) AddVerdict(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// AddStoreReopen implements gravity.MetricsRecorder
func (m *Metrics) AddStoreReopen(ctx context.Context) {
	if m == nil {
		return
	}
	m.StoreReopens.Add(ctx, 1)
}

// AddPrefilterSkip implements gravity.MetricsRecorder
func (m *Metrics) AddPrefilterSkip(ctx context.Context) {
	if m == nil {
		return
	}
	m.PrefilterSkips.Add(ctx, 1)
}

// SetGravitySize implements gravity.MetricsRecorder
func (m *Metrics) SetGravitySize(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.GravityDomains.Record(ctx, n)
}

// AddSentinelAnswer counts an upstream answer recognized as a block page.
func (m *Metrics) AddSentinelAnswer(ctx context.Context, family int) {
	if m == nil {
		return
	}
	m.SentinelAnswers.Add(ctx, 1, metric.WithAttributes(attribute.Int("family", family)))
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
