package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ReasoningRequestsTotal counts reasoning calls by operation and final result.
	ReasoningRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agrolog",
		Subsystem: "reasoning",
		Name:      "requests_total",
		Help:      "Reasoning service calls by operation (analyze, converse, ping) and result (ok, error).",
	}, []string{"op", "result"})

	// ReasoningRetriesTotal counts retries after transient failures.
	ReasoningRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agrolog",
		Subsystem: "reasoning",
		Name:      "retries_total",
		Help:      "Retries issued after a transient reasoning service failure.",
	}, []string{"op"})

	// ReasoningDurationSeconds is the time per call including retries and backoff.
	ReasoningDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agrolog",
		Subsystem: "reasoning",
		Name:      "duration_seconds",
		Help:      "Wall time of a reasoning call, retries and backoff included.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"op"})

	// InterpreterFallbackTotal counts replies that could not be interpreted.
	InterpreterFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agrolog",
		Subsystem: "interpreter",
		Name:      "fallback_total",
		Help:      "Analysis replies replaced by the fallback analysis.",
	})

	// AnalysisInFlight is the number of background analyses currently running.
	AnalysisInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agrolog",
		Subsystem: "pipeline",
		Name:      "analysis_in_flight",
		Help:      "Background auto-analyses currently running.",
	})

	// AnalysisTotal counts background analyses by outcome.
	AnalysisTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agrolog",
		Subsystem: "pipeline",
		Name:      "analysis_total",
		Help:      "Background auto-analyses by result (ok, service_error, store_error, gone, cancelled, panic).",
	}, []string{"result"})
)

// Register registers all collectors with the default registry, once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReasoningRequestsTotal,
			ReasoningRetriesTotal,
			ReasoningDurationSeconds,
			InterpreterFallbackTotal,
			AnalysisInFlight,
			AnalysisTotal,
		)
	})
}
