package selfmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

const namespace = "afs_exporter"

// Options controls optional collectors.
type Options struct {
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

// Metrics is the exporter's self-observability registry.
type Metrics struct {
	registry *prometheus.Registry

	upstreamAttempts *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	upstreamRetries  prometheus.Counter
	breakerState     *prometheus.GaugeVec

	collections        *prometheus.CounterVec
	collectionDuration prometheus.Histogram

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheStale  prometheus.Counter

	droppedSeries prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all exporter metrics in a fresh registry.
func New(opts Options) *Metrics {
	reg := prometheus.NewRegistry()
	if opts.RuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		upstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Upstream API call attempts by outcome (ok or error kind).",
		}, []string{"outcome"}),
		upstreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of individual upstream API call attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		upstreamRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Upstream API call attempts made after a retryable failure.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per volume: 0 closed, 1 half-open, 2 open.",
		}, []string{"volume_id", "zone"}),
		collections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "rounds_total",
			Help:      "Collection rounds by result: ok, partial or failed.",
		}, []string{"result"}),
		collectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "round_duration_seconds",
			Help:      "Wall time of a full collection round across all volumes.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30},
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Scrapes answered from a fresh cached snapshot.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Scrapes that waited for a collection round.",
		}),
		cacheStale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "stale_serves_total",
			Help:      "Scrapes answered with the previous snapshot because a refresh failed.",
		}),
		droppedSeries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "dropped_series_total",
			Help:      "Directory series dropped because their labels collided after sanitizing.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the exporter.",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Gatherer returns the registry, or nil for a nil receiver.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAttempt records one upstream attempt. kind is empty on success.
func (m *Metrics) ObserveAttempt(kind types.ErrorKind, d time.Duration) {
	if m == nil {
		return
	}
	outcome := string(kind)
	if kind == types.ErrorKindNone {
		outcome = "ok"
	}
	m.upstreamAttempts.WithLabelValues(outcome).Inc()
	m.upstreamDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

// SetBreakerState records the breaker state (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetBreakerState(v types.VolumeRef, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(v.VolumeID, v.Zone).Set(float64(state))
}

// ObserveCollection records a finished collection round.
func (m *Metrics) ObserveCollection(snap *types.Snapshot) {
	if m == nil || snap == nil {
		return
	}
	result := "ok"
	switch {
	case !snap.AnyOK():
		result = "failed"
	case snap.Failed() > 0:
		result = "partial"
	}
	m.collections.WithLabelValues(result).Inc()
	m.collectionDuration.Observe(snap.Duration.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) CacheStale() {
	if m == nil {
		return
	}
	m.cacheStale.Inc()
}

func (m *Metrics) AddDroppedSeries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedSeries.Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
