package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fathom-run/fathom/internal/model"
)

var (
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_connections_active",
			Help: "Number of currently open protocol connections.",
		},
	)

	executionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_executions_active",
			Help: "Number of executions currently registered on this responder.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_executions_total",
			Help: "Total number of executions that reached a terminal status.",
		},
		[]string{"language", "status"},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_execution_duration_seconds",
			Help:    "Execution duration from acceptance to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_rejections_total",
			Help: "Total number of execute requests rejected before ack.",
		},
		[]string{"code"},
	)

	outputBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_output_bytes_total",
			Help: "Total streamed output bytes forwarded to initiators.",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(executionsActive)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(rejectionsTotal)
	prometheus.MustRegister(outputBytesTotal)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	terminal := []model.ExecStatus{
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
		model.StatusTimeout, model.StatusOOM,
	}
	for _, lang := range []string{model.LanguagePython, model.LanguageNode, model.LanguageGo} {
		for _, st := range terminal {
			executionsTotal.WithLabelValues(lang, string(st))
		}
	}
	outputBytesTotal.WithLabelValues("stdout")
	outputBytesTotal.WithLabelValues("stderr")
}
