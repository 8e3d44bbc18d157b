// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_retries_total",
		Help: "Retries after optimistic concurrency conflicts, by operation.",
	}, []string{"op"})

	EscrowLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_escrow_locks_total",
		Help: "Escrow lock attempts by result.",
	}, []string{"result"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_settlements_total",
		Help: "Settlements by outcome (win, draw, forfeit, failed, duplicate).",
	}, []string{"outcome"})

	RakeCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_rake_collected",
		Help: "Rake credited to the house account, in currency units.",
	})

	MatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_match_transitions_total",
		Help: "Match state transitions by target status.",
	}, []string{"status"})

	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_active_matches",
		Help: "Matches currently in ACTIVE state on this instance.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_queue_depth",
		Help: "Entries waiting in the matchmaking queue on this instance.",
	})

	Drift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_reconciliation_drift",
		Help: "Drift reported by the latest reconciliation checkpoint.",
	})

	Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_reconciliation_checkpoints_total",
		Help: "Reconciliation checkpoints by status.",
	}, []string{"status"})

	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_integrity_violations_total",
		Help: "Balance hash mismatches detected.",
	})
)
