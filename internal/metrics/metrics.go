// Package metrics provides Prometheus instrumentation for the scoring service.
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

// Path label values for scoring metrics.
const (
	PathRealtime = "realtime"
	PathBulk     = "bulk"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tollguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsScored counts scored records by path and verdict.
	TransactionsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "transactions_scored_total",
			Help:      "Records scored by path (realtime, bulk) and verdict.",
		},
		[]string{"path", "verdict"},
	)

	// FraudScore observes the distribution of classifier output.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tollguard",
		Name:      "fraud_score",
		Help:      "Distribution of fraud scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
	})

	// SchemaViolations counts records rejected by validation.
	SchemaViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "schema_violations_total",
			Help:      "Records rejected by schema validation, by path.",
		},
		[]string{"path"},
	)

	// ScoringErrors counts engine defects (feature mismatch, invalid score).
	ScoringErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "scoring_errors_total",
			Help:      "Scoring engine defects by path.",
		},
		[]string{"path"},
	)

	// AlertsRecorded counts alerts durably written.
	AlertsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "alerts_recorded_total",
			Help:      "Alerts written to the alert store, by path.",
		},
		[]string{"path"},
	)

	// AlertStoreFailures counts ALERT verdicts whose write failed.
	AlertStoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "alert_store_failures_total",
			Help:      "ALERT verdicts that could not be persisted, by path.",
		},
		[]string{"path"},
	)

	// AlertStoreRetries counts retried transient store failures.
	AlertStoreRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollguard",
		Name:      "alert_store_retries_total",
		Help:      "Alert inserts retried after a transient (busy) failure.",
	})

	// AlertInsertDuration observes store insert latency including retries.
	AlertInsertDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tollguard",
		Name:      "alert_insert_duration_seconds",
		Help:      "Alert insert latency in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	})

	// BatchRows counts bulk rows by outcome.
	BatchRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollguard",
			Name:      "batch_rows_total",
			Help:      "Bulk rows processed by outcome (scored, violation, error).",
		},
		[]string{"outcome"},
	)

	// BatchDuration observes whole-batch processing time.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tollguard",
		Name:      "batch_duration_seconds",
		Help:      "Bulk batch processing time in seconds.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
	})

	// ActiveWebSocketClients tracks connected alert stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tollguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected alert stream clients.",
		},
	)

	// ModelInfo exposes the loaded artifact.
	ModelInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tollguard",
		Name:      "model_info",
		Help:      "Loaded classifier artifact (value is always 1).",
	}, []string{"kind", "features"})

	// AlertThreshold exposes the configured decision threshold.
	AlertThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tollguard",
		Name:      "alert_threshold",
		Help:      "Configured ALERT threshold.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tollguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tollguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tollguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tollguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsScored,
		FraudScore,
		SchemaViolations,
		ScoringErrors,
		AlertsRecorded,
		AlertStoreFailures,
		AlertStoreRetries,
		AlertInsertDuration,
		BatchRows,
		BatchDuration,
		ActiveWebSocketClients,
		ModelInfo,
		AlertThreshold,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count. Call in a goroutine; exits when ctx is done.
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
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
