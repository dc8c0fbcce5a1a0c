// Package metrics provides Prometheus instrumentation for the commerce service.
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
			Namespace: "commerce",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commerce",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationsTotal counts receipt verifications by store and verdict.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commerce",
			Name:      "verifications_total",
			Help:      "Total receipt verifications by store and verdict.",
		},
		[]string{"store", "verdict"},
	)

	// StoreCallDuration observes upstream store API latency.
	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commerce",
			Name:      "store_call_duration_seconds",
			Help:      "Upstream store verification call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	// StoreOutagesTotal counts verifications abandoned due to store errors.
	StoreOutagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commerce",
			Name:      "store_outages_total",
			Help:      "Total verifications that failed due to upstream store errors.",
		},
		[]string{"store"},
	)

	// FraudSignalsTotal counts duplicate receipts seen on a different account.
	FraudSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commerce",
			Name:      "fraud_signals_total",
			Help:      "Total receipts replayed against a different account.",
		},
		[]string{"store"},
	)

	// ChargebacksProcessedTotal counts chargebacks processed by source.
	ChargebacksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commerce",
			Name:      "chargebacks_processed_total",
			Help:      "Total chargebacks processed by source.",
		},
		[]string{"source"},
	)

	// BansTotal counts ban requests sent to the player service.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commerce",
		Name:      "bans_total",
		Help:      "Total ban requests issued for chargebacks.",
	})

	// VoidedPollPassesTotal counts voided purchase poll passes by result.
	VoidedPollPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commerce",
			Name:      "voided_poll_passes_total",
			Help:      "Total voided purchase poll passes by result.",
		},
		[]string{"result"},
	)

	// AlertsSentTotal counts alerts actually delivered to the webhook.
	AlertsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commerce",
		Name:      "alerts_sent_total",
		Help:      "Total alerts delivered to the alert webhook.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commerce", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VerificationsTotal,
		StoreCallDuration,
		StoreOutagesTotal,
		FraudSignalsTotal,
		ChargebacksProcessedTotal,
		BansTotal,
		VoidedPollPassesTotal,
		AlertsSentTotal,
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
