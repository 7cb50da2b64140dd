package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ManagersCreated counts manager creations per user outcome (created|reused).
	ManagersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_managers_created_total",
			Help: "Total number of connection manager creations",
		},
		[]string{"outcome"},
	)

	// ManagersEvicted counts evictions by reason (zombie|unhealthy|idle_timeout|shutdown|forced).
	ManagersEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_managers_evicted_total",
			Help: "Total number of connection managers evicted",
		},
		[]string{"reason"},
	)

	// ActiveManagers tracks live managers across all users.
	ActiveManagers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgate_active_managers",
			Help: "Number of live connection managers",
		},
	)

	// ActiveConnections tracks registered websocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgate_active_connections",
			Help: "Number of registered websocket connections",
		},
	)

	// EventsDelivered counts outbound event deliveries by result (delivered|failed|queued).
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_events_delivered_total",
			Help: "Total number of outbound event delivery attempts",
		},
		[]string{"result"},
	)

	// CriticalEventFailures counts critical events that had to be surfaced to callers.
	CriticalEventFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_critical_event_failures_total",
			Help: "Total number of critical events whose delivery failure was raised",
		},
	)

	// RecoveryQueueDepth tracks per-manager recovery queue occupancy at last update.
	RecoveryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgate_recovery_queue_depth",
			Help: "Messages currently parked in recovery queues",
		},
	)

	// LimitRejections counts creations refused because a user stayed at the cap.
	LimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_manager_limit_rejections_total",
			Help: "Total number of manager creations rejected at the per-user cap",
		},
	)
)
