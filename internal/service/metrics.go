package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_outcomes_total",
			Help: "Identifier submissions by outcome",
		},
		[]string{"outcome"},
	)

	bindingConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binding_conflicts_total",
			Help: "Duplicate identifier bindings rejected, by the layer that caught them",
		},
		[]string{"layer"},
	)
)
