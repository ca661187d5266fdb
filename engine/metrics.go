package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runOutcomeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_run_outcomes",
	Help: "Number of completed moderation runs, by outcome",
}, []string{"outcome"})

var runErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_run_errors",
	Help: "Number of moderation runs which failed with an internal error",
})

var runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "vigil_run_duration_sec",
	Help: "Total duration of moderation runs",
})
