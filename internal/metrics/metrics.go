// Package metrics provides Prometheus instrumentation for tiergate.
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
			Namespace: "tiergate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tiergate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts access decisions by outcome and currency.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "decisions_total",
			Help:      "Access policy decisions by allowed flag and currency.",
		},
		[]string{"allowed", "currency"},
	)

	// ChargesTotal counts charge attempts by result and currency.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "charges_total",
			Help:      "Charge attempts by result (ok, insufficient, error) and currency.",
		},
		[]string{"result", "currency"},
	)

	// TokensConsumedTotal sums debited tokens by currency.
	TokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "tokens_consumed_total",
			Help:      "Tokens debited by currency.",
		},
		[]string{"currency"},
	)

	// RefundsTotal counts refunds by currency.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "refunds_total",
			Help:      "Refunds applied by currency.",
		},
		[]string{"currency"},
	)

	// TransitionsTotal counts tier transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "transitions_total",
			Help:      "Tier transitions by from-tier, to-tier and reason.",
		},
		[]string{"from", "to", "reason"},
	)

	// DuplicatePaymentsTotal counts redelivered payment confirmations.
	DuplicatePaymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tiergate",
		Name:      "duplicate_payments_total",
		Help:      "Payment confirmations ignored because the payment ref was already applied.",
	})

	// SnapshotFailClosedTotal counts snapshots degraded to the FREE default.
	SnapshotFailClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "snapshot_fail_closed_total",
			Help:      "Snapshots that fell back to the FREE default, by cause.",
		},
		[]string{"cause"},
	)

	// SweepDowngradesTotal counts accounts downgraded by the grace sweeper.
	SweepDowngradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tiergate",
		Name:      "sweep_downgrades_total",
		Help:      "Accounts moved to FREE after their grace window elapsed.",
	})

	// SweepDuration observes grace sweep latency.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiergate",
		Name:      "sweep_duration_seconds",
		Help:      "Grace sweep duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// NotificationsEnqueuedTotal counts notifications appended by type.
	NotificationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "notifications_enqueued_total",
			Help:      "Notifications appended to the outbox by type.",
		},
		[]string{"type"},
	)

	// NotificationEnqueueErrorsTotal counts swallowed enqueue failures.
	NotificationEnqueueErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "notification_enqueue_errors_total",
			Help:      "Notification enqueue failures (swallowed) by type.",
		},
		[]string{"type"},
	)

	// NotificationDeliveriesTotal counts relay attempts by result.
	NotificationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiergate",
			Name:      "notification_deliveries_total",
			Help:      "Notification relay deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tiergate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiergate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiergate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiergate", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiergate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ChargesTotal,
		TokensConsumedTotal,
		RefundsTotal,
		TransitionsTotal,
		DuplicatePaymentsTotal,
		SnapshotFailClosedTotal,
		SweepDowngradesTotal,
		SweepDuration,
		NotificationsEnqueuedTotal,
		NotificationEnqueueErrorsTotal,
		NotificationDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps user ids out of label values
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

// BoolLabel renders a bool as a label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
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
