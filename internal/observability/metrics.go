package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roundsync",
			Subsystem: "transport",
			Name:      "connected_clients",
			Help:      "Currently connected coordination clients.",
		},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests handled.",
		},
		[]string{"method", "status", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roundsync",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roundsync",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently issued and unexpired.",
		},
	)
	instancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roundsync",
			Subsystem: "instance",
			Name:      "active",
			Help:      "Instances currently registered.",
		},
	)
	campaignsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "voting",
			Name:      "campaigns_resolved_total",
			Help:      "Voting campaigns resolved, by final decision and trigger.",
		},
		[]string{"decision", "trigger"},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "broadcast",
			Name:      "envelopes_total",
			Help:      "Stream envelopes fanned out to instance members.",
		},
		[]string{"event"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin-plane HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roundsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin-plane HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectedClients,
			rpcRequests,
			rpcDuration,
			sessionsActive,
			instancesActive,
			campaignsResolved,
			broadcasts,
			httpRequests,
			httpDuration,
		)
	})
}

func ClientConnected() {
	RegisterMetrics()
	connectedClients.Inc()
}

func ClientDisconnected() {
	RegisterMetrics()
	connectedClients.Dec()
}

func RecordRPC(method, status, code string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, status, code).Inc()
	rpcDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

func SetSessionsActive(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func SetInstancesActive(n int) {
	RegisterMetrics()
	instancesActive.Set(float64(n))
}

func RecordCampaignResolved(decision, trigger string) {
	RegisterMetrics()
	campaignsResolved.WithLabelValues(decision, trigger).Inc()
}

func RecordBroadcast(event string, fanout int) {
	RegisterMetrics()
	broadcasts.WithLabelValues(event).Add(float64(fanout))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
