package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	memorySearchDuration prometheus.Histogram
	memorySyncDuration   prometheus.Histogram
	memoryChunksTotal    prometheus.Gauge

	embeddingFailuresTotal prometheus.Counter
	embeddingCacheTotal    *prometheus.CounterVec

	watcherEventsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memorySyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_sync_duration_seconds",
					Help:    "Memory sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_total",
					Help: "Total chunks currently indexed.",
				},
			),
			embeddingFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embedding_failures_total",
					Help: "Total failed embedding requests.",
				},
			),
			embeddingCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_cache_total",
					Help: "Embedding cache lookups by outcome.",
				},
				[]string{"outcome"},
			),
			watcherEventsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "watcher_events_total",
					Help: "Total filesystem events accepted by the watcher.",
				},
			),
		}

		prometheus.MustRegister(
			m.memorySearchDuration,
			m.memorySyncDuration,
			m.memoryChunksTotal,
			m.embeddingFailuresTotal,
			m.embeddingCacheTotal,
			m.watcherEventsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMemorySearch(duration time.Duration) {
	m := getMetrics()
	m.memorySearchDuration.Observe(duration.Seconds())
}

func RecordMemorySync(duration time.Duration) {
	m := getMetrics()
	m.memorySyncDuration.Observe(duration.Seconds())
}

func SetMemoryChunks(total int) {
	m := getMetrics()
	m.memoryChunksTotal.Set(float64(total))
}

func RecordEmbeddingFailure() {
	m := getMetrics()
	m.embeddingFailuresTotal.Inc()
}

func RecordEmbeddingCache(hit bool) {
	m := getMetrics()
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.embeddingCacheTotal.WithLabelValues(outcome).Inc()
}

func RecordWatcherEvent() {
	m := getMetrics()
	m.watcherEventsTotal.Inc()
}
