package telemetry

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/strata/pkg/fault"
)

// Metrics provides Prometheus metrics for a workspace. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Cell metrics
	cellOperations *prometheus.CounterVec
	cellDuration   *prometheus.HistogramVec

	// Resolution metrics
	resolutions *prometheus.CounterVec
	chainLength prometheus.Histogram

	// Cache metrics
	invalidations *prometheus.CounterVec
	repositories  prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cellOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cell_operations_total",
				Help:      "Total number of value cell operations",
			},
			[]string{"operation", "cell", "outcome"},
		),
		cellDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cell_operation_duration_seconds",
				Help:      "Duration of value cell operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "cell"},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_resolutions_total",
				Help:      "Total number of inheritance chain resolutions",
			},
			[]string{"outcome"},
		),
		chainLength: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chain_length",
				Help:      "Number of packages in resolved inheritance chains",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of package cache invalidations",
			},
			[]string{"reason"},
		),
		repositories: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repositories_open",
				Help:      "Current number of open hierarchical repositories",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cellOperations,
		m.cellDuration,
		m.resolutions,
		m.chainLength,
		m.invalidations,
		m.repositories,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Cell Metrics

// ObserveCell records a value cell operation. The cell label is the first
// path segment so label cardinality stays bounded.
func (m *Metrics) ObserveCell(operation string, path []string, duration time.Duration, err error) {
	if m.cellOperations == nil {
		return
	}
	cell := ""
	if len(path) > 0 {
		cell = path[0]
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.RecordFault(err)
	}
	m.cellOperations.WithLabelValues(operation, cell, outcome).Inc()
	m.cellDuration.WithLabelValues(operation, cell).Observe(duration.Seconds())
}

// Resolution Metrics

// RecordResolution records a chain resolution and, on success, its length.
func (m *Metrics) RecordResolution(length int, err error) {
	if m.resolutions == nil {
		return
	}
	if err != nil {
		m.resolutions.WithLabelValues("error").Inc()
		m.RecordFault(err)
		return
	}
	m.resolutions.WithLabelValues("ok").Inc()
	m.chainLength.Observe(float64(length))
}

// Cache Metrics

// RecordInvalidation records a cache invalidation.
func (m *Metrics) RecordInvalidation(reason string) {
	if m.invalidations == nil {
		return
	}
	m.invalidations.WithLabelValues(reason).Inc()
}

// SetRepositories sets the number of open repositories.
func (m *Metrics) SetRepositories(count int) {
	if m.repositories == nil {
		return
	}
	m.repositories.Set(float64(count))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordFault records err by its fault class and code. Unclassified errors
// count as internal.
func (m *Metrics) RecordFault(err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		m.RecordError(string(fe.Class), fe.Code)
		return
	}
	m.RecordError(string(fault.ClassInternal), "")
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background. The
// returned server is nil when metrics are disabled; errors after startup
// are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return server
}
