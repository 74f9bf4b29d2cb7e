package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Send-node metrics (component G, §4.5.2)
	SendQueuedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridctl_send_queued_bytes",
			Help: "Bytes currently queued in a peer's outbound FIFO",
		},
		[]string{"peer_node_id"},
	)

	SendWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridctl_send_waits_total",
			Help: "Total number of adaptive-send decisions that chose to wait",
		},
		[]string{"peer_node_id"},
	)

	SendMaxNumWaits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridctl_send_max_num_waits",
			Help: "Current adaptive max_num_waits value per peer",
		},
		[]string{"peer_node_id"},
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridctl_send_latency_seconds",
			Help:    "Time from first buffered page to socket write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Receive pipeline metrics
	ReceivePagesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridctl_receive_pages_in_flight",
			Help: "Receive-buffer pages not yet returned to the pool",
		},
	)

	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridctl_messages_dispatched_total",
			Help: "Total messages posted to user threads",
		},
		[]string{"receiver_module_id"},
	)

	// Management-protocol metrics (components E/F)
	MgmSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridctl_mgm_sessions_total",
			Help: "Total management-protocol sessions by outcome",
		},
		[]string{"outcome"},
	)

	MgmConfigFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridctl_mgm_config_fetch_duration_seconds",
			Help:    "Time to serve a get-config request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Configuration rewrite metrics (component D)
	ConfigVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridctl_config_version",
			Help: "Current on-disk configuration version",
		},
	)

	ConfigRewritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridctl_config_rewrites_total",
			Help: "Total atomic rewrite attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Process controller metrics (component H)
	ProcessesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridctl_processes_running",
			Help: "Number of processes currently tracked as running",
		},
	)

	ProcessStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridctl_process_starts_total",
			Help: "Total process start attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProcessStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridctl_process_stop_duration_seconds",
			Help:    "Time from stop request to confirmed process exit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// gridha leader-election metrics
	GridHALeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridctl_gridha_is_leader",
			Help: "Whether this cluster server is the raft leader (1) or a standby (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(SendQueuedBytes)
	prometheus.MustRegister(SendWaitsTotal)
	prometheus.MustRegister(SendMaxNumWaits)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(ReceivePagesInFlight)
	prometheus.MustRegister(MessagesDispatchedTotal)
	prometheus.MustRegister(MgmSessionsTotal)
	prometheus.MustRegister(MgmConfigFetchDuration)
	prometheus.MustRegister(ConfigVersion)
	prometheus.MustRegister(ConfigRewritesTotal)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(ProcessStartsTotal)
	prometheus.MustRegister(ProcessStopDuration)
	prometheus.MustRegister(GridHALeader)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
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
