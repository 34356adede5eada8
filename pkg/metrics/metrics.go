// Package metrics defines the Prometheus series exported by the process
// manager runtime: router drain progress and last acknowledged
// event_number, dispatch retries, and registry wait latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RouterLastSeenEvent is the last globally-ordered event_number the
	// router has fully acknowledged upstream, by process-manager name.
	RouterLastSeenEvent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procman_router_last_seen_event",
			Help: "Last event_number fully acknowledged by the router",
		},
		[]string{"process_manager"},
	)

	// RouterPendingEvents is the current depth of the router's
	// pending_events queue.
	RouterPendingEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procman_router_pending_events",
			Help: "Number of events queued but not yet drained by the router",
		},
		[]string{"process_manager"},
	)

	// RouterDrainDuration times one pending_events head-of-queue drain.
	RouterDrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procman_router_drain_duration_seconds",
			Help:    "Time to classify and delegate one event off the head of the queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"process_manager"},
	)

	// InstancesActive is the current instance count per router.
	InstancesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procman_instances_active",
			Help: "Number of live process instances for a process-manager definition",
		},
		[]string{"process_manager"},
	)

	// CommandDispatchTotal counts dispatch attempts by outcome.
	CommandDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_command_dispatch_total",
			Help: "Total command dispatch attempts by outcome",
		},
		[]string{"process_manager", "outcome"},
	)

	// CommandDispatchRetries counts error-callback-driven retries.
	CommandDispatchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_command_dispatch_retries_total",
			Help: "Total command retries requested via the user error callback",
		},
		[]string{"process_manager"},
	)

	// InstanceEventDuration times one unseen-event handle/apply/snapshot
	// cycle on an instance.
	InstanceEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procman_instance_event_duration_seconds",
			Help:    "Time to handle, apply, snapshot, and ack one event on an instance",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"process_manager"},
	)

	// RegistryWaitDuration times wait_for calls on the subscriptions
	// registry.
	RegistryWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procman_registry_wait_duration_seconds",
			Help:    "Time spent blocked in Registry.WaitFor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// RegistryPurgedStreams counts per-stream ack entries purged by TTL.
	RegistryPurgedStreams = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procman_registry_purged_streams_total",
			Help: "Total per-stream ack entries removed by stale-ack purge",
		},
	)

	// RouterBackpressured reports whether a router is currently refusing
	// to pull further batches from its subscription because
	// pending_events has hit its configured high-water mark.
	RouterBackpressured = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procman_router_backpressured",
			Help: "Whether the router is currently pausing subscription delivery at its pending_events high-water mark",
		},
		[]string{"process_manager"},
	)

	// ClusterIsLeader reports whether this replica currently owns the
	// active router for a process-manager definition.
	ClusterIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procman_cluster_is_leader",
			Help: "Whether this replica is the active router leader (1) or a standby (0)",
		},
		[]string{"process_manager"},
	)
)

func init() {
	prometheus.MustRegister(
		RouterLastSeenEvent,
		RouterPendingEvents,
		RouterDrainDuration,
		InstancesActive,
		CommandDispatchTotal,
		CommandDispatchRetries,
		InstanceEventDuration,
		RegistryWaitDuration,
		RegistryPurgedStreams,
		RouterBackpressured,
		ClusterIsLeader,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
