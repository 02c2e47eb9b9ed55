package bootstrap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the exported bootstrap counters.
type Metrics struct {
	// Initiated counts started bootstrap attempts, labeled by mode.
	Initiated *prometheus.CounterVec

	// PullFailed counts pulls abandoned after exhausting retries
	// (bulk_pull_failed_account).
	PullFailed prometheus.Counter

	// FrontierConfirmationSuccessful counts confirmed frontier sets.
	FrontierConfirmationSuccessful prometheus.Counter

	// FrontierConfirmationFailed counts aborted attempts whose frontier
	// set could not be confirmed.
	FrontierConfirmationFailed prometheus.Counter
}

// NewMetrics creates and registers the bootstrap counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "bootstrap",
			Name:      "initiated_total",
			Help:      "Started bootstrap attempts by mode.",
		}, []string{"mode"}),
		PullFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "bootstrap",
			Name:      "pull_failed_total",
			Help:      "Pulls abandoned after exhausting retries.",
		}),
		FrontierConfirmationSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "bootstrap",
			Name:      "frontier_confirmed_total",
			Help:      "Frontier sets confirmed by representative weight.",
		}),
		FrontierConfirmationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "bootstrap",
			Name:      "frontier_unconfirmed_total",
			Help:      "Attempts aborted with unconfirmed frontiers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Initiated,
			m.PullFailed,
			m.FrontierConfirmationSuccessful,
			m.FrontierConfirmationFailed,
		)
	}

	return m
}

// NopMetrics returns unregistered counters for tests.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
