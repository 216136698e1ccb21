package affiliate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_api_requests_total",
			Help: "Affiliate API calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affiliate_api_request_duration_seconds",
			Help:    "Affiliate API call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"endpoint"},
	)

	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_lookups_total",
			Help: "Identifier lookups by the step that decided them",
		},
		[]string{"result", "step"},
	)
)
