package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/gravitl/tunlink/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TunnelAttempts - finished connection attempts by direction and result
	TunnelAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunlink_tunnel_attempts_total",
		Help: "Finished tunnel attempts by direction and result",
	}, []string{"direction", "result"})
	// TunnelStates - attempt state transitions
	TunnelStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunlink_tunnel_state_transitions_total",
		Help: "Tunnel attempt state transitions",
	}, []string{"state"})
	// AttemptDuration - time from start to connected or failed
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tunlink_tunnel_attempt_duration_seconds",
		Help:    "Duration of tunnel attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"direction"})
	// PendingReverse - reverse attempts waiting for an inbound connection
	PendingReverse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunlink_pending_reverse",
		Help: "Reverse attempts waiting for an inbound connection",
	})
	// ActiveBinds - listening sockets held for attempts
	ActiveBinds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunlink_active_binds",
		Help: "Listening sockets held for tunnel attempts",
	})
	// ActiveConnections - registered tunnels
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunlink_active_connections",
		Help: "Tunnels currently registered for packet forwarding",
	})
	// PacketsTotal - packets moved between the device and tunnels
	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunlink_packets_total",
		Help: "Packets forwarded by direction (tx to tunnel, rx from tunnel) and outcome",
	}, []string{"direction", "outcome"})
	// BytesTotal - payload bytes moved between the device and tunnels
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunlink_bytes_total",
		Help: "Payload bytes forwarded by direction",
	}, []string{"direction"})
)

// ObserveAttempt - records the outcome of one tunnel attempt
func ObserveAttempt(direction, result string, started time.Time) {
	TunnelAttempts.WithLabelValues(direction, result).Inc()
	AttemptDuration.WithLabelValues(direction).Observe(time.Since(started).Seconds())
}

// lock for metrics map
var metricsMapLock = &sync.RWMutex{}

// metrics data map, keyed by remote machine name
var metricsPeerMap = make(map[string]*models.PeerMetric)

// GetMetric - fetches a copy of the metric data for the peer
func GetMetric(peer string) models.PeerMetric {
	metricsMapLock.RLock()
	defer metricsMapLock.RUnlock()
	if m, ok := metricsPeerMap[peer]; ok && m != nil {
		return *m
	}
	return models.PeerMetric{MachineName: peer}
}

// GetMetrics - all peer metrics ordered by machine name
func GetMetrics() []models.PeerMetric {
	metricsMapLock.RLock()
	defer metricsMapLock.RUnlock()
	out := make([]models.PeerMetric, 0, len(metricsPeerMap))
	for _, m := range metricsPeerMap {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineName < out[j].MachineName })
	return out
}

// UpdateMetric - replaces the metric data for the peer
func UpdateMetric(peer string, metric *models.PeerMetric) {
	metricsMapLock.Lock()
	defer metricsMapLock.Unlock()
	metric.MachineName = peer
	metricsPeerMap[peer] = metric
}

// AddTraffic - adds transferred bytes to the peer's counters
func AddTraffic(peer string, sent, received int64) {
	metricsMapLock.Lock()
	defer metricsMapLock.Unlock()
	m, ok := metricsPeerMap[peer]
	if !ok {
		m = &models.PeerMetric{MachineName: peer}
		metricsPeerMap[peer] = m
	}
	m.TrafficSent += sent
	m.TrafficReceived += received
	m.LastSeen = time.Now()
	if sent > 0 {
		BytesTotal.WithLabelValues("tx").Add(float64(sent))
	}
	if received > 0 {
		BytesTotal.WithLabelValues("rx").Add(float64(received))
	}
}

// SetConnected - flips the peer's link state
func SetConnected(peer string, connected bool) {
	metricsMapLock.Lock()
	defer metricsMapLock.Unlock()
	m, ok := metricsPeerMap[peer]
	if !ok {
		m = &models.PeerMetric{MachineName: peer}
		metricsPeerMap[peer] = m
	}
	m.Connected = connected
	m.LastSeen = time.Now()
}

// ResetMetricsForPeer - drops the peer's metrics
func ResetMetricsForPeer(peer string) {
	metricsMapLock.Lock()
	defer metricsMapLock.Unlock()
	delete(metricsPeerMap, peer)
}

// HostCommandFailures - host configuration commands that exited with an error
var HostCommandFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tunlink_host_command_failures_total",
	Help: "Host network configuration commands that failed",
})
