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

const namespace = "fraudguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts scoring outcomes by decision and cache source.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Scored transactions by decision and whether the result came from cache.",
		},
		[]string{"decision", "cached"},
	)

	// StageDuration observes per-stage latency of the scoring pipeline.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each scoring pipeline stage in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"stage"},
	)

	// ScoringErrorsTotal counts fail-safe review decisions caused by model errors.
	ScoringErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scoring_errors_total",
		Help:      "Scoring failures that fell back to the review decision.",
	})

	// CacheLookupsTotal counts prediction cache results (hit, miss, wait_hit, error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Prediction cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheComputationsTotal counts scoring computations executed behind the cache.
	CacheComputationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "computations_total",
		Help:      "Scoring computations executed on cache miss.",
	})

	// RateLimitChecksTotal counts rate-limit tier evaluations by result.
	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit checks by tier and result (allowed, rejected, fail_open).",
		},
		[]string{"tier", "result"},
	)

	// RateLimitFailOpenTotal counts checks allowed because the counter store was unreachable.
	RateLimitFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Rate limit checks that failed open due to a store outage.",
		},
		[]string{"tier"},
	)

	// UsageEventsTotal counts usage meter operations by plan and result.
	UsageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_total",
			Help:      "Usage meter operations by plan and result (charged, rejected, released, untracked).",
		},
		[]string{"plan", "result"},
	)

	// UsageOverageUnitsTotal counts metered units charged beyond plan quota.
	UsageOverageUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "overage_units_total",
			Help:      "Units charged beyond the included plan quota.",
		},
		[]string{"plan"},
	)

	// BillingHandoffsTotal counts closed usage periods handed to billing.
	BillingHandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "handoffs_total",
			Help:      "Closed usage periods handed to the billing ledger by result.",
		},
		[]string{"result"},
	)

	// ModelInfo is 1 for the active model version.
	ModelInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "info",
			Help:      "Active model version (value 1 for the active version).",
		},
		[]string{"version"},
	)

	// TrainingJobsTotal counts training jobs by terminal status.
	TrainingJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "training_jobs_total",
			Help:      "Training jobs by terminal status.",
		},
		[]string{"status"},
	)

	// AuditEventsTotal counts audit events by sink and result.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events published by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// WebhookDeliveriesTotal counts decision webhook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Decision webhook deliveries by result (delivered, failed, dropped).",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected decision-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected decision stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		StageDuration,
		ScoringErrorsTotal,
		CacheLookupsTotal,
		CacheComputationsTotal,
		RateLimitChecksTotal,
		RateLimitFailOpenTotal,
		UsageEventsTotal,
		UsageOverageUnitsTotal,
		BillingHandoffsTotal,
		ModelInfo,
		TrainingJobsTotal,
		AuditEventsTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// ObserveStage starts a timer for a pipeline stage; call the returned func when done.
func ObserveStage(stage string) func() {
	timer := prometheus.NewTimer(StageDuration.WithLabelValues(stage))
	return func() { timer.ObserveDuration() }
}

// SetModelVersion marks version as the only active model version.
func SetModelVersion(version string) {
	ModelInfo.Reset()
	ModelInfo.WithLabelValues(version).Set(1)
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps label cardinality bounded
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
