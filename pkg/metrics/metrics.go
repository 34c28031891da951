package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Data-model metrics
	NamespacesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_namespaces_total",
			Help: "Total number of namespaces",
		},
	)

	ConfigsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_configs_total",
			Help: "Total number of live config entries",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conreg_instances_total",
			Help: "Total number of registered service instances by namespace and status",
		},
		[]string{"namespace", "status"},
	)

	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	FSMApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conreg_fsm_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry to the config FSM, by command op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Coordinator / API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conreg_api_requests_total",
			Help: "Total number of coordinator API requests by path and status code",
		},
		[]string{"path", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conreg_api_request_duration_seconds",
			Help:    "Coordinator API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	LongPollParked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_longpoll_parked",
			Help: "Number of config and service-instance long-poll requests currently parked",
		},
	)

	LongPollNotifyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conreg_longpoll_notify_latency_seconds",
			Help:    "Time a config long-poll stayed parked before a change was delivered to it",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry metrics
	RegistryHeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conreg_registry_heartbeat_duration_seconds",
			Help:    "Time taken to process a registry heartbeat",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NamespacesTotal,
		ConfigsTotal,
		InstancesTotal,
		RaftIsLeader,
		RaftAppliedIndex,
		RaftPeersTotal,
		FSMApplyDuration,
		APIRequestsTotal,
		APIRequestDuration,
		LongPollParked,
		LongPollNotifyLatency,
		RegistryHeartbeatDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording the elapsed
// duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
