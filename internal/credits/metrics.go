package credits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditflow",
			Subsystem: "credits",
			Name:      "deductions_total",
			Help:      "Credit deductions by outcome.",
		},
		[]string{"result"},
	)

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditflow",
			Subsystem: "credits",
			Name:      "refunds_total",
			Help:      "Compensating refunds by outcome.",
		},
		[]string{"result"},
	)
)
