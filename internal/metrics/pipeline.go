package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline metrics.
var (
	IngestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_jobs_total",
			Help:      "Ingestion jobs by terminal status",
		},
		[]string{"status"},
	)

	IngestJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_job_duration_seconds",
			Help:      "Ingestion job duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Text extractions by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	GenerationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Answer generation attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	RetrievalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Retrievals that failed open with no context",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Ingestion jobs waiting for a worker",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IngestJobsTotal,
		IngestJobDuration,
		ExtractionsTotal,
		GenerationAttemptsTotal,
		RetrievalFailuresTotal,
		QueueDepth,
	)
}
