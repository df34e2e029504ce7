// Package metrics exports cache, rate-limit, and batch metrics to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chartsense/chartsense/pkg/logging"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefaultConfig returns default metrics configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "chartsense",
	}
}

// Collector implements types.MetricsRecorder over a Prometheus registry
// and optionally serves the scrape endpoint.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *logging.Logger

	cacheOps          *prometheus.CounterVec
	tierEntries       *prometheus.GaugeVec
	tierBytes         *prometheus.GaugeVec
	rateLimitWaits    *prometheus.HistogramVec
	rateLimitDeferred *prometheus.CounterVec
	batchRequests     *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec

	server *http.Server
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector(config *Config, logger *logging.Logger) *Collector {
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "chartsense"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = logging.Nop()
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		logger:   logger.With(logging.F("component", "metrics")),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache operations by tier, operation, and outcome.",
		}, []string{"tier", "op", "outcome"}),

		tierEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "cache",
			Name:      "tier_entries",
			Help:      "Current entry count per tier.",
		}, []string{"tier"}),

		tierBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "cache",
			Name:      "tier_bytes",
			Help:      "Current size in bytes per tier.",
		}, []string{"tier"}),

		rateLimitWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate-limit windows.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"api"}),

		rateLimitDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "ratelimit",
			Name:      "deferred_total",
			Help:      "Calls deferred by provider rate-limit responses.",
		}, []string{"api"}),

		batchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "batch",
			Name:      "requests_total",
			Help:      "Batch requests by API and terminal status.",
		}, []string{"api", "status"}),

		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of batch invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"api"}),
	}

	registry.MustRegister(
		c.cacheOps, c.tierEntries, c.tierBytes,
		c.rateLimitWaits, c.rateLimitDeferred,
		c.batchRequests, c.batchDuration,
	)

	return c
}

// RecordCacheOp records one cache operation outcome.
func (c *Collector) RecordCacheOp(tier, op, outcome string) {
	c.cacheOps.WithLabelValues(tier, op, outcome).Inc()
}

// RecordTierUsage records current tier occupancy.
func (c *Collector) RecordTierUsage(tier string, entries int, bytes int64) {
	if entries >= 0 {
		c.tierEntries.WithLabelValues(tier).Set(float64(entries))
	}
	if bytes >= 0 {
		c.tierBytes.WithLabelValues(tier).Set(float64(bytes))
	}
}

// RecordRateLimitWait records time spent waiting on a rate-limit window.
func (c *Collector) RecordRateLimitWait(api string, seconds float64) {
	c.rateLimitWaits.WithLabelValues(api).Observe(seconds)
}

// RecordRateLimitDeferred records a call deferred by the provider.
func (c *Collector) RecordRateLimitDeferred(api string) {
	c.rateLimitDeferred.WithLabelValues(api).Inc()
}

// RecordBatchRequest records one request reaching a terminal status.
func (c *Collector) RecordBatchRequest(api, status string) {
	c.batchRequests.WithLabelValues(api, status).Inc()
}

// RecordBatchDuration records one batch invocation's duration.
func (c *Collector) RecordBatchDuration(api string, seconds float64) {
	c.batchDuration.WithLabelValues(api).Observe(seconds)
}

// Registry exposes the underlying registry for embedding in an existing
// HTTP mux.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the scrape endpoint when enabled. Non-blocking.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", logging.Err(err))
		}
	}()

	c.logger.Info("metrics server started",
		logging.F("port", c.config.Port), logging.F("path", c.config.Path))
	return nil
}

// Stop shuts down the scrape endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
