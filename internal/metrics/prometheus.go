package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docrag/backend/pkg/circuitbreaker"
)

var (
	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_documents_processed_total",
			Help: "Documents that finished ingestion, by terminal status",
		},
		[]string{"status"},
	)

	IngestionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_ingestion_failures_total",
			Help: "Failed ingestions by stage and error class",
		},
		[]string{"stage", "kind"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docrag_ingestion_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	FragmentsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docrag_fragments_indexed_total",
			Help: "Fragments written to the vector index",
		},
	)

	OCRPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_ocr_pages_total",
			Help: "Pages sent to OCR fallback, by result",
		},
		[]string{"result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docrag_ingestion_queue_depth",
			Help: "Ingestion jobs waiting for a worker",
		},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docrag_query_duration_seconds",
			Help:    "Retrieval latency including query embedding",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_query_total",
			Help: "Retrieval calls by status",
		},
		[]string{"status"},
	)

	QueryResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docrag_query_results_count",
			Help:    "Fragments returned per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	TopSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docrag_query_top_similarity",
			Help:    "Similarity of the best fragment per query",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docrag_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordBreakerState matches circuitbreaker.Config.OnStateChange.
func RecordBreakerState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DocumentsProcessed,
			IngestionFailures,
			StageDuration,
			FragmentsIndexed,
			OCRPages,
			QueueDepth,
			QueryDuration,
			QueryTotal,
			QueryResults,
			TopSimilarity,
			CacheHits,
			CacheMisses,
			BreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
