package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_events_ingested_total",
		Help: "Normalized detection events accepted into the ingestion channel",
	}, []string{"camera"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_events_dropped_total",
		Help: "Events evicted or rejected by the ingestion channel",
	}, []string{"camera", "reason"})

	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_events_replayed_total",
		Help: "Redelivered events absorbed by the replay guard",
	})

	IncidentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_incidents_created_total",
		Help: "Incidents opened by correlation",
	})

	IncidentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_incident_transitions_total",
		Help: "Committed incident workflow transitions",
	}, []string{"action"})

	IncidentsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardian_incidents_by_state",
		Help: "Current incident count per lifecycle state",
	}, []string{"state"})

	EscalationsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_escalations_fired_total",
		Help: "Auto-escalations by trigger",
	}, []string{"trigger"})

	TimerRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_timer_races_lost_total",
		Help: "Timer fires that lost the claim or found the incident already handled",
	})

	NotificationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_notifications_suppressed_total",
		Help: "Human-facing alerts suppressed by quiet hours",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_notify_failures_total",
		Help: "Notification dispatches dropped after exhausting local retries",
	})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_worker_restarts_total",
		Help: "Camera worker restarts performed by the supervisor",
	}, []string{"camera"})

	WorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardian_workers_by_status",
		Help: "Current camera worker count per status",
	}, []string{"status"})

	AuditSpooled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_audit_spooled_total",
		Help: "Audit entries diverted to the failover spool",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
