// Package metrics provides Prometheus instrumentation for Mitigator.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mitigator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts mitigation decisions by action and category.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "decisions_total",
			Help:      "Total mitigation decisions by action and attack category.",
		},
		[]string{"action", "category"},
	)

	// TrackedSources reports how many sources are in each mitigation state.
	// Refreshed by the expiry sweeper.
	TrackedSources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mitigator",
			Name:      "tracked_sources",
			Help:      "Sources currently blocked, rate limited or blacklisted.",
		},
		[]string{"state"},
	)

	// ResetsTotal counts administrative resets of all mitigation state.
	ResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mitigator",
		Name:      "resets_total",
		Help:      "Total administrative resets of mitigation state.",
	})

	// ExpiredEntriesTotal counts blocks and rate limits reclaimed by TTL.
	ExpiredEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "expired_entries_total",
			Help:      "Total mitigation entries expired by TTL, by kind.",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal counts decision events dropped because the
	// dispatch buffer was full.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mitigator",
		Name:      "events_dropped_total",
		Help:      "Decision events dropped due to a full dispatch buffer.",
	})

	// SinkWritesTotal counts batch writes to each event sink by result.
	SinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "sink_writes_total",
			Help:      "Event sink batch writes by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// SinkCircuitOpen is 1 while a sink's circuit breaker is not closed.
	SinkCircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mitigator",
			Name:      "sink_circuit_open",
			Help:      "Whether an event sink's circuit breaker is open or half-open.",
		},
		[]string{"sink"},
	)

	// APIThrottledTotal counts requests rejected by the API rate limiter.
	APIThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "api_throttled_total",
			Help:      "API requests rejected with 429, by caller kind.",
		},
		[]string{"caller"},
	)

	// IngestMessagesTotal counts detection messages consumed from brokers.
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "ingest_messages_total",
			Help:      "Detection messages consumed by transport and result.",
		},
		[]string{"transport", "result"},
	)

	// PolicyReloadsTotal counts policy file reloads by result.
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "policy_reloads_total",
			Help:      "Policy file reloads by result.",
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal counts enforcement hook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mitigator",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mitigator",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitigator", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		TrackedSources,
		ResetsTotal,
		ExpiredEntriesTotal,
		EventsDroppedTotal,
		SinkWritesTotal,
		SinkCircuitOpen,
		APIThrottledTotal,
		IngestMessagesTotal,
		PolicyReloadsTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// SetTrackedSources publishes the current size of each kind of source state.
func SetTrackedSources(blocked, rateLimited, blacklisted int) {
	TrackedSources.WithLabelValues("blocked").Set(float64(blocked))
	TrackedSources.WithLabelValues("rate_limited").Set(float64(rateLimited))
	TrackedSources.WithLabelValues("blacklisted").Set(float64(blacklisted))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
