package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oraclesync"

var (
	// Registry 进程内独立的 collector 注册表
	Registry = prometheus.NewRegistry()

	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Sync attempts by protocol and result.",
		},
		[]string{"protocol", "result"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of sync attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"protocol"},
	)

	feedsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "feeds_stored_total",
			Help:      "Price feed rows written.",
		},
		[]string{"protocol", "chain"},
	)

	staleFeeds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stale_feeds_total",
			Help:      "Feeds flagged stale at ingestion.",
		},
		[]string{"protocol", "chain"},
	)

	suspendedInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "suspended_instances",
			Help:      "Instances suspended after reaching the failure ceiling.",
		},
		[]string{"protocol"},
	)

	webhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "attempts_total",
			Help:      "Webhook delivery attempts by status.",
		},
		[]string{"status"},
	)

	broadcastConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connections",
			Help:      "Open broadcast connections.",
		},
	)

	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Messages fanned out to connections, by room and outcome.",
		},
		[]string{"room", "outcome"},
	)

	poolStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "connections",
			Help:      "Persistence pool connections by state.",
		},
		[]string{"state"},
	)

	poolHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "health",
			Help:      "Pool health: 0 healthy, 1 degraded, 2 unhealthy.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		syncAttempts,
		syncDuration,
		feedsStored,
		staleFeeds,
		suspendedInstances,
		webhookAttempts,
		broadcastConnections,
		broadcastMessages,
		poolStats,
		poolHealth,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordSync(protocol string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	syncAttempts.WithLabelValues(protocol, result).Inc()
	syncDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

func AddFeedsStored(protocol, chain string, n int) {
	if n > 0 {
		feedsStored.WithLabelValues(protocol, chain).Add(float64(n))
	}
}

func AddStaleFeeds(protocol, chain string, n int) {
	if n > 0 {
		staleFeeds.WithLabelValues(protocol, chain).Add(float64(n))
	}
}

func SetSuspended(protocol string, n int) {
	suspendedInstances.WithLabelValues(protocol).Set(float64(n))
}

func RecordWebhookAttempt(status string) { webhookAttempts.WithLabelValues(status).Inc() }

func ConnectionOpened() { broadcastConnections.Inc() }

func ConnectionClosed() { broadcastConnections.Dec() }

// RecordBroadcast outcome: sent | dropped
func RecordBroadcast(room, outcome string) { broadcastMessages.WithLabelValues(room, outcome).Inc() }

func SetPoolStats(open, inUse, idle, waiting int) {
	poolStats.WithLabelValues("open").Set(float64(open))
	poolStats.WithLabelValues("in_use").Set(float64(inUse))
	poolStats.WithLabelValues("idle").Set(float64(idle))
	poolStats.WithLabelValues("waiting").Set(float64(waiting))
}

func SetPoolHealth(level int) { poolHealth.Set(float64(level)) }

func RecordHTTP(method, route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
