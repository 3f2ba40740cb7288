package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	AuthorizeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_authorize_decisions_total",
			Help: "Permission checks by result",
		},
		[]string{"result"},
	)

	InstancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_instances_started_total",
			Help: "Workflow instances started by resource type",
		},
		[]string{"resource_type"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_decisions_total",
			Help: "Decisions recorded by action",
		},
		[]string{"action"},
	)

	InstancesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_instances_completed_total",
			Help: "Workflow instances reaching a terminal status",
		},
		[]string{"status"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_escalations_total",
			Help: "Timeout handling by kind (escalated or overdue)",
		},
		[]string{"kind"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signoff_store_retries_total",
			Help: "Store operations retried after a transient failure",
		},
	)

	StaleRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signoff_stale_retries_total",
			Help: "Commutative decisions re-applied after a version conflict",
		},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_notifications_delivered_total",
			Help: "Outbox events handed to sinks by result",
		},
		[]string{"sink", "result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signoff_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// Gauges
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signoff_scheduler_leader",
			Help: "1 when this process holds the scheduler lock",
		},
	)

	// Histograms
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signoff_operation_duration_seconds",
			Help:    "Engine operation duration distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
