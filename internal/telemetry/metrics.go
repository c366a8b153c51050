package telemetry

import "github.com/prometheus/client_golang/prometheus"

// These package-level collectors are shared across the registry, router,
// broadcaster, and retention worker, which update them directly. Register
// adds them to a Prometheus registry once at startup.
var (
	RegistryOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_registry_ops_total",
			Help: "AgentRegistry operations by op and result.",
		},
		[]string{"op", "result"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_events_total",
			Help: "Ingested events processed by the router, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	BroadcastQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwatch_broadcast_queue_depth",
			Help: "Sum of pending messages across the queues of the subscribers reached by the most recent publish.",
		},
	)

	BroadcastSlowDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwatch_broadcast_slow_disconnects_total",
			Help: "Subscribers disconnected for exceeding MaxSubscriberQueue.",
		},
	)

	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_retention_deleted_total",
			Help: "Agents removed by the retention worker, by reason.",
		},
		[]string{"reason"},
	)

	RetentionAgentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwatch_retention_agents_total",
			Help: "Agent count observed at the end of the last retention sweep.",
		},
	)
)

// Register adds every collector to reg. Call once at startup before serving
// /metrics.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		RegistryOpsTotal,
		EventsTotal,
		BroadcastQueueDepth,
		BroadcastSlowDisconnectsTotal,
		RetentionDeletedTotal,
		RetentionAgentsTotal,
	)
}
