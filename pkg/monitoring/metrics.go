package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandboxrunner/metric-store/pkg/store"
)

// Metrics exposes store and HTTP instrumentation in Prometheus format.
// It implements store.Observer.
type Metrics struct {
	registry *prometheus.Registry

	metricsRegistered prometheus.Counter
	samplesInserted   *prometheus.CounterVec
	seriesSamples     *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec

	// notifications arrive unordered; series only grow, so the gauge
	// tracks the highest count seen per metric
	mu         sync.Mutex
	seriesHigh map[string]int
}

// Ensure Metrics implements store.Observer
var _ store.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		metricsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "metrics_registered_total",
			Help:      "Number of metric names registered.",
		}),
		samplesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "samples_inserted_total",
			Help:      "Number of samples inserted, by metric.",
		}, []string{"metric"}),
		seriesSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "series_samples",
			Help:      "Current sample count of each series.",
		}, []string{"metric"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"method", "route", "status"}),
	}

	m.seriesHigh = make(map[string]int)

	m.registry.MustRegister(
		m.metricsRegistered,
		m.samplesInserted,
		m.seriesSamples,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// MetricRegistered implements store.Observer
func (m *Metrics) MetricRegistered(name string) {
	m.metricsRegistered.Inc()
	m.setSeriesSamples(name, 0)
}

// SampleInserted implements store.Observer
func (m *Metrics) SampleInserted(name string, _ float64, count int) {
	m.samplesInserted.WithLabelValues(name).Inc()
	m.setSeriesSamples(name, count)
}

func (m *Metrics) setSeriesSamples(name string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if high, seen := m.seriesHigh[name]; seen && count <= high {
		return
	}
	m.seriesHigh[name] = count
	m.seriesSamples.WithLabelValues(name).Set(float64(count))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
