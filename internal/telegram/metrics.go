package telegram

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_api_requests_total",
			Help: "Bot API calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	apiDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telegram_api_request_duration_seconds",
			Help:    "Bot API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)
