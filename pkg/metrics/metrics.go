// Package metrics exposes prometheus instrumentation for the coordinator and
// agent manager, plus a query service for aggregate stats.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus collectors are registered once per process
var (
	// GitOpsTotal counts terminal git operations by repo root, command, and
	// final status.
	GitOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hatch_git_ops_total",
		Help: "Total git operations by repository root, command, and terminal status.",
	}, []string{"repo", "command", "status"})

	// GitOpSeconds observes execution duration of git operations.
	GitOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hatch_git_op_seconds",
		Help:    "Execution duration of git operations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
	}, []string{"repo", "command"})

	// QueuePending tracks the pending queue depth per repo root.
	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hatch_queue_pending",
		Help: "Pending git operations per repository root.",
	}, []string{"repo"})

	// AgentsRunning tracks currently running agent processes.
	AgentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hatch_agents_running",
		Help: "Agent processes currently counted against the concurrency cap.",
	})

	// AuthRetriesTotal counts auth-expiry retry replays by outcome.
	AuthRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hatch_auth_retries_total",
		Help: "Auth-expiry retry replays by outcome.",
	}, []string{"outcome"})
)
