package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for podform on a private registry.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	statesExecuted *prometheus.CounterVec
	stateDuration  *prometheus.HistogramVec

	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	layersApplied   *prometheus.GaugeVec

	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of state runs completed",
			},
			[]string{"status", "test"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of state runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		statesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "states_total",
				Help:      "Total number of states executed by function and outcome",
			},
			[]string{"function", "outcome"},
		),
		stateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_duration_seconds",
				Help:      "Duration of state execution in seconds",
				Buckets:   buckets,
			},
			[]string{"function"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mapdata",
				Name:      "cache_hits_total",
				Help:      "Mapdata resolutions served from cache",
			},
			[]string{"topic"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mapdata",
				Name:      "cache_misses_total",
				Help:      "Mapdata resolutions that required a build",
			},
			[]string{"topic"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mapdata",
				Name:      "resolve_duration_seconds",
				Help:      "Duration of mapdata builds in seconds",
				Buckets:   buckets,
			},
			[]string{"topic"},
		),
		layersApplied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mapdata",
				Name:      "layers",
				Help:      "Number of layers in the last mapdata build",
			},
			[]string{"topic"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsCompleted, m.runDuration,
		m.statesExecuted, m.stateDuration,
		m.cacheHits, m.cacheMisses, m.resolveDuration, m.layersApplied,
		m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// CacheHit records a mapdata cache hit.
func (m *Metrics) CacheHit(topic string) {
	if !m.enabled() {
		return
	}
	m.cacheHits.WithLabelValues(topic).Inc()
}

// CacheMiss records a mapdata cache miss.
func (m *Metrics) CacheMiss(topic string) {
	if !m.enabled() {
		return
	}
	m.cacheMisses.WithLabelValues(topic).Inc()
}

// Resolved records a completed mapdata build.
func (m *Metrics) Resolved(topic string, layers int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.resolveDuration.WithLabelValues(topic).Observe(duration.Seconds())
	m.layersApplied.WithLabelValues(topic).Set(float64(layers))
}

// RecordState records one state execution. outcome is one of
// "changed", "unchanged", "failed" or "pending".
func (m *Metrics) RecordState(function, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.statesExecuted.WithLabelValues(function, outcome).Inc()
	m.stateDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordRunCompleted records the end of a run.
func (m *Metrics) RecordRunCompleted(status string, test bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	testLabel := "false"
	if test {
		testLabel = "true"
	}
	m.runsCompleted.WithLabelValues(status, testLabel).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordError records an error by its classification.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics on the configured address until ctx is cancelled.
// It returns immediately when metrics or the listen address are disabled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
