package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsTotal counts finished moderation decisions.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modguard_decisions_total",
			Help: "Total moderation decisions by resolving tier and action",
		},
		[]string{"tier", "action"},
	)

	// ProviderAttemptsTotal counts individual upstream provider attempts.
	ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modguard_provider_attempts_total",
			Help: "Total provider attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// SinkDroppedTotal counts decision records dropped because the sink queue was full.
	SinkDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modguard_sink_dropped_total",
			Help: "Total decision records dropped by the async sink",
		},
	)
)

func init() {
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(ProviderAttemptsTotal)
	prometheus.MustRegister(SinkDroppedTotal)
}

func outcomeLabel(kind ResultKind) string {
	switch kind {
	case ResultSuccess:
		return "success"
	case ResultRateLimited:
		return "rate_limited"
	default:
		return "transient_error"
	}
}
