// Package metrics implements spec §4.12's Observability surface: a small
// set of process metrics (job counts by state, three-tier cache hit
// counters, cache-root fill ratios, resize-semaphore queue depth) exposed
// at GET /metrics in Prometheus exposition format. Grounded on the pack's
// one direct prometheus/client_golang consumer (vjache-cie's cmd/cie,
// which registers the default promhttp.Handler over the default
// registry) plus the standard promauto construction idiom.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagevault",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job state transitions, labeled by job type and resulting state.",
	}, []string{"job_type", "state"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagevault",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Three-tier read cache hits, labeled by tier (l1, l2, l3).",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagevault",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Read-cache misses that fell through every tier to the Processor.",
	}, []string{})

	CacheRootFillRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imagevault",
		Subsystem: "cache_root",
		Name:      "fill_ratio",
		Help:      "(currentSizeBytes + reserved uncommitted bytes) / effectiveMaxSizeBytes per cache root.",
	}, []string{"cache_root_id"})

	ResizeSemQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imagevault",
		Subsystem: "http",
		Name:      "resize_semaphore_queue_depth",
		Help:      "Callers currently waiting on the synchronous resize backpressure semaphore.",
	})
)

// Handler returns the /metrics HTTP handler, serving the default
// Prometheus registry every promauto.New* call above registered into.
func Handler() http.Handler {
	return promhttp.Handler()
}
