// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docpipe"

var (
	// Claims counts claim attempts per stage and outcome (claimed, empty, conflict, error).
	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total number of claim attempts",
		},
		[]string{"stage", "outcome"},
	)

	StageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Total number of processed items per stage and result",
		},
		[]string{"stage", "result"},
	)

	PagesConverted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_converted_total",
			Help:      "Total number of page conversions",
		},
		[]string{"provider", "status"},
	)

	Tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total number of LLM tokens",
		},
		[]string{"provider", "direction"},
	)

	PageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_conversion_duration_seconds",
			Help:      "Page conversion latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider"},
	)

	Recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of stuck rows handled by the health monitor",
		},
		[]string{"kind", "action"},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Current number of tasks per status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		Claims,
		StageOutcomes,
		PagesConverted,
		Tokens,
		PageDuration,
		Recoveries,
		TasksByStatus,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPage records one finished page conversion.
func RecordPage(provider, status string, inputTokens, outputTokens int, duration time.Duration) {
	PagesConverted.WithLabelValues(provider, status).Inc()
	PageDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if inputTokens > 0 {
		Tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		Tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// SetTaskCounts replaces the per-status task gauge.
func SetTaskCounts(counts map[string]int) {
	TasksByStatus.Reset()
	for status, n := range counts {
		TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}
