// Package metrics provides Prometheus metrics for scraper runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "calscrape"

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry sets the registry metrics are registered on and gathered
// from.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Manager owns the run metrics. A nil *Manager is valid and records
// nothing.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRunUnix     prometheus.Gauge
	lastSuccessUnix prometheus.Gauge

	events        *prometheus.GaugeVec
	invalidEvents prometheus.Counter
	skippedEvents prometheus.Counter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	fetchAttempts *prometheus.CounterVec
	detailErrors  prometheus.Counter
}

// NewManager creates a Manager on its own registry unless WithRegistry is
// given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: defaultNamespace}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.runs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "runs_total",
		Help:      "Completed runs by health status.",
	}, []string{"status"})

	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a run.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	m.lastRunUnix = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished.",
	})

	m.lastSuccessUnix = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time the last run with a usable calendar finished.",
	})

	m.events = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "events",
		Help:      "Events seen by the last run, by kind (extracted, upcoming, past, written).",
	}, []string{"kind"})

	m.invalidEvents = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_invalid_total",
		Help:      "Events dropped by validation.",
	})

	m.skippedEvents = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_skipped_total",
		Help:      "Events the serializer could not write.",
	})

	m.cacheHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Detail lookups served from the cache.",
	})

	m.cacheMisses = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Detail lookups that needed a fetch.",
	})

	m.fetchAttempts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "HTTP fetch attempts by result (ok, failed).",
	}, []string{"result"})

	m.detailErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "fetch",
		Name:      "detail_errors_total",
		Help:      "Detail fetches that failed after all retries.",
	})
}

// Registry returns the registry backing this manager.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// FetchAttempt implements fetch.Observer.
func (m *Manager) FetchAttempt(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.fetchAttempts.WithLabelValues("failed").Inc()
		return
	}
	m.fetchAttempts.WithLabelValues("ok").Inc()
}

// RunFinished records the outcome of one run.
func (m *Manager) RunFinished(status string, ok bool, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
	m.lastRunUnix.Set(float64(at.Unix()))
	if ok {
		m.lastSuccessUnix.Set(float64(at.Unix()))
	}
}

// SetEvents sets the per-kind event gauge.
func (m *Manager) SetEvents(kind string, n int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Set(float64(n))
}

func (m *Manager) AddInvalid(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invalidEvents.Add(float64(n))
}

func (m *Manager) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedEvents.Add(float64(n))
}

func (m *Manager) AddCache(hits, misses int) {
	if m == nil {
		return
	}
	m.cacheHits.Add(float64(hits))
	m.cacheMisses.Add(float64(misses))
}

func (m *Manager) DetailError() {
	if m == nil {
		return
	}
	m.detailErrors.Inc()
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector. The write is atomic.
func (m *Manager) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler serves the metrics over HTTP.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
