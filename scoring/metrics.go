package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_provider_api_requests",
	Help: "Number of classification API requests, by provider and HTTP status code",
}, []string{"provider", "status"})

var providerAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "vigil_provider_api_duration_sec",
	Help: "Duration of classification API requests",
}, []string{"provider"})

var providerSkippedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_provider_skipped",
	Help: "Number of times a provider was skipped as unavailable",
}, []string{"provider"})

var attributeDroppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_provider_attributes_dropped",
	Help: "Number of requested attributes dropped for language support",
}, []string{"provider", "attribute"})
