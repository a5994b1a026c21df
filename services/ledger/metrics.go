package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mutationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "creditflow",
		Subsystem: "ledger",
		Name:      "mutations_total",
		Help:      "Credit ledger mutations by entry type and result.",
	},
	[]string{"type", "result"},
)
