package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Build outcome label values.
const (
	outcomeOK      = "ok"
	outcomePartial = "partial"
	outcomeFailed  = "failed"
)

// Metrics holds the Prometheus metrics owned by the knowledge service.
type Metrics struct {
	// buildsTotal counts knowledge base builds by outcome: "ok", "partial"
	// or "failed".
	buildsTotal *prometheus.CounterVec

	// buildDurationSeconds records the wall-clock duration of builds.
	buildDurationSeconds prometheus.Histogram

	// chunksBuilt counts chunks written to saved knowledge bases by chunk
	// type.
	chunksBuilt *prometheus.CounterVec

	// searchesTotal counts searches by outcome: "ok", "empty" or "error".
	searchesTotal *prometheus.CounterVec

	// searchDurationSeconds records search latency including query
	// embedding.
	searchDurationSeconds prometheus.Histogram

	// cacheLookupsTotal counts knowledge base cache lookups by result:
	// "hit" or "miss".
	cacheLookupsTotal *prometheus.CounterVec
}

// NewMetrics registers the knowledge metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		buildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "builds_total",
			Help:      "Knowledge base builds completed, partitioned by outcome.",
		}, []string{"outcome"}),

		buildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of knowledge base builds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
		}),

		chunksBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "chunks_built_total",
			Help:      "Chunks saved into knowledge bases, partitioned by chunk type.",
		}, []string{"chunk_type"}),

		searchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "searches_total",
			Help:      "Knowledge searches, partitioned by outcome.",
		}, []string{"outcome"}),

		searchDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "search_duration_seconds",
			Help:      "Latency of knowledge searches including query embedding.",
			Buckets:   prometheus.DefBuckets,
		}),

		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachkb",
			Subsystem: "knowledge",
			Name:      "cache_lookups_total",
			Help:      "Knowledge base cache lookups, partitioned by result.",
		}, []string{"result"}),
	}
}
