// Package observability provides structured logging and Prometheus
// metrics for the ingestion and enrichment pipelines.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// NewLogger builds a zap logger from config.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}

// Metrics holds the Prometheus instruments for the pipelines. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry bookkeeping.
type Metrics struct {
	iocsIngested       *prometheus.CounterVec
	enrichmentRequests *prometheus.CounterVec
	pipelineRuns       *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	quotaRemaining     *prometheus.GaugeVec
	registry           *prometheus.Registry
}

// NewMetrics creates and registers the pipeline metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		iocsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Name:      "iocs_ingested_total",
			Help:      "Feed rows merged into the indicator store, by result.",
		}, []string{"result"}),
		enrichmentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Name:      "enrichment_requests_total",
			Help:      "Provider lookup outcomes.",
		}, []string{"provider", "outcome"}),
		pipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline executions by operation and final status.",
		}, []string{"operation", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vortex",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		quotaRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vortex",
			Name:      "quota_remaining",
			Help:      "Remaining external API quota per provider and window.",
		}, []string{"provider", "window"}),
	}
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IngestedRows counts merged feed rows by result (new, updated, error).
func (m *Metrics) IngestedRows(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.iocsIngested.WithLabelValues(result).Add(float64(n))
}

// EnrichmentRequest counts one provider lookup outcome (hit, nodata,
// skipped, rate_limited, error).
func (m *Metrics) EnrichmentRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.enrichmentRequests.WithLabelValues(provider, outcome).Inc()
}

// RunFinished records a pipeline run's final status and duration.
func (m *Metrics) RunFinished(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation).Observe(seconds)
}

// SetQuotaRemaining exports a quota snapshot value.
func (m *Metrics) SetQuotaRemaining(provider, window string, remaining int) {
	if m == nil {
		return
	}
	m.quotaRemaining.WithLabelValues(provider, window).Set(float64(remaining))
}
