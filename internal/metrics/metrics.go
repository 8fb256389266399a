// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for production
// observability of the synchronization pipeline:
//   - upstream request volume, retries, and terminal failures
//   - bulk-sync progress (pages fetched, entities upserted)
//   - circuit breaker state per upstream
//   - job health monitor alert volume
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream fetch metrics

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_upstream_requests_total",
			Help: "Total number of upstream SIS API requests attempted",
		},
		[]string{"integration", "operation"},
	)

	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_upstream_retries_total",
			Help: "Total number of retried upstream requests (rate limited or no response)",
		},
		[]string{"integration", "operation"},
	)

	UpstreamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_upstream_failures_total",
			Help: "Total number of terminally failed upstream requests",
		},
		[]string{"integration", "operation", "status"},
	)

	// Bulk sync metrics

	SyncPagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_sync_pages_fetched_total",
			Help: "Total number of roster pages fetched across all tenants",
		},
		[]string{"integration"},
	)

	SyncEntitiesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_sync_entities_upserted_total",
			Help: "Total number of entities written into tenant caches",
		},
		[]string{"integration", "entity"},
	)

	SyncBatchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_sync_batches_completed_total",
			Help: "Total number of throttled request batches completed",
		},
		[]string{"integration", "operation"},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sisbridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Job health monitor metrics

	MonitorRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sisbridge_monitor_runs_total",
			Help: "Total number of job health monitor runs",
		},
	)

	MonitorAlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisbridge_monitor_alerts_sent_total",
			Help: "Total number of alert notifications sent by the job health monitor",
		},
		[]string{"check"},
	)
)
