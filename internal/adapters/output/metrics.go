package output

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
)

// PrometheusMetrics implements ports.ProcessingObserver, ports.ReloadObserver,
// ports.BanSubscriber and denylist.LockObserver.
type PrometheusMetrics struct {
	linesProcessed *prometheus.CounterVec
	bans           prometheus.Counter
	unbans         prometheus.Counter
	reloads        *prometheus.CounterVec
	activeBans     prometheus.Gauge
	lockWait       *prometheus.HistogramVec
	trackedClients prometheus.GaugeFunc
	windowEvicts   prometheus.CounterFunc
	memoryUsage    prometheus.GaugeFunc

	registry *prometheus.Registry
	server   *http.Server
	mu       sync.Mutex
}

type MetricsConfig struct {
	Port string
	Path string
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Port: ":9090",
		Path: "/metrics",
	}
}

// NewPrometheusMetrics registers the collectors on registry. A nil registry
// gets a fresh one carrying the Go and process collectors.
func NewPrometheusMetrics(namespace string, registry *prometheus.Registry, stats *domain.RuntimeStats) *PrometheusMetrics {
	if namespace == "" {
		namespace = "logjail"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	m := &PrometheusMetrics{registry: registry}

	m.linesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_processed_total",
		Help:      "Log lines processed, by outcome",
	}, []string{"result"})

	m.bans = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_total",
		Help:      "Clients added to the deny list",
	})

	m.unbans = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbans_total",
		Help:      "Clients removed from the deny list",
	})

	m.reloads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reloads_total",
		Help:      "Server reload attempts, by mechanism and outcome",
	}, []string{"mechanism", "outcome"})

	m.activeBans = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Records currently in the deny list",
	})

	m.lockWait = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "denylist_lock_wait_seconds",
		Help:      "Time spent waiting for the deny list lock",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"op"})

	m.trackedClients = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_clients",
		Help:      "Client/status pairs with events in their window",
	}, func() float64 {
		if stats != nil {
			return float64(stats.Snapshot().TrackedClients)
		}
		return 0
	})

	m.windowEvicts = factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "window_evictions_total",
		Help:      "Client/status windows dropped because the tracking limit was reached",
	}, func() float64 {
		if stats != nil {
			return float64(stats.Snapshot().WindowEvicts)
		}
		return 0
	})

	m.memoryUsage = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_bytes",
		Help:      "Current memory usage in bytes",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Alloc)
	})

	return m
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) IncrementLinesProcessedByResult(result string) {
	m.linesProcessed.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) ObserveReload(mechanism string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.reloads.WithLabelValues(mechanism, outcome).Inc()
}

func (m *PrometheusMetrics) ObserveLockWait(op string, seconds float64) {
	m.lockWait.WithLabelValues(op).Observe(seconds)
}

func (m *PrometheusMetrics) SetActiveBans(n int) {
	m.activeBans.Set(float64(n))
}

func (m *PrometheusMetrics) OnBanEvent(event *domain.BanEvent) {
	switch event.Kind {
	case domain.BanEventBan:
		m.bans.Inc()
	case domain.BanEventUnban:
		m.unbans.Inc()
	}
}

// StartServer serves the metrics and, when health is non-nil, /ready.
func (m *PrometheusMetrics) StartServer(config MetricsConfig, health http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return errors.New("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	if health != nil {
		mux.Handle("/ready", health)
	}

	m.server = &http.Server{
		Addr:              config.Port,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		log.Info().Str("addr", config.Port).Str("path", config.Path).Msg("Starting Prometheus metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}(m.server)

	return nil
}

func (m *PrometheusMetrics) StopServer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return nil
	}
	err := m.server.Shutdown(ctx)
	m.server = nil
	return err
}
