package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_content_fetches",
	Help: "Number of content fetch attempts, by scheme and HTTP status code",
}, []string{"scheme", "status"})

var fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "vigil_content_fetch_duration_sec",
	Help: "Duration of content fetch attempts",
}, []string{"scheme"})
