// Package metrics provides Prometheus instrumentation for the coordinator.
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
			Namespace: "atomicsettle",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atomicsettle",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementTransitionsTotal counts state machine transitions by target state.
	SettlementTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicsettle",
			Name:      "settlement_transitions_total",
			Help:      "Total settlement state transitions by target state.",
		},
		[]string{"state"},
	)

	// SettlementStateDuration observes time spent in each non-terminal state.
	SettlementStateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atomicsettle",
			Name:      "settlement_state_duration_seconds",
			Help:      "Time spent in a settlement state before transitioning out, in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"state"},
	)

	// SettlementsTotal counts settlements by terminal outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicsettle",
			Name:      "settlements_total",
			Help:      "Total settlements reaching a terminal outcome.",
		},
		[]string{"outcome"}, // settled, rejected, failed
	)

	// LockAcquireDuration observes lock acquisition latency.
	LockAcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atomicsettle",
		Name:      "lock_acquire_duration_seconds",
		Help:      "Time to acquire a single lock, in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5, 10},
	})

	// LocksExpiredTotal counts locks reaped by the expiry sweeper.
	LocksExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atomicsettle",
		Name:      "locks_expired_total",
		Help:      "Total locks transitioned to expired by the sweeper.",
	})

	// FxQuoteSpread observes the spread between min and max fresh quotes at aggregation time.
	FxQuoteSpread = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atomicsettle",
		Name:      "fx_quote_spread",
		Help:      "Spread between the highest and lowest fresh FX quote used in a median aggregation.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
	})

	// FxRateLocksIssuedTotal counts rate locks issued, by outcome.
	FxRateLocksIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicsettle",
			Name:      "fx_rate_locks_issued_total",
			Help:      "Total FX rate locks issued, by outcome.",
		},
		[]string{"outcome"}, // issued, insufficient_quorum
	)

	// NettingWindowSize observes the number of settlements aggregated per netting window close.
	NettingWindowSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atomicsettle",
		Name:      "netting_window_size",
		Help:      "Number of settlements aggregated when a netting window closes.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// RecoveredSettlementsTotal counts settlements re-materialized on leader promotion, by recovered state.
	RecoveredSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicsettle",
			Name:      "recovered_settlements_total",
			Help:      "Total settlements recovered on leader promotion, by recovered state.",
		},
		[]string{"state"},
	)

	// ComplianceHookDecisionsTotal counts compliance hook decisions by hook point and verdict.
	ComplianceHookDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicsettle",
			Name:      "compliance_hook_decisions_total",
			Help:      "Total compliance hook decisions by hook point and verdict.",
		},
		[]string{"hook_point", "verdict"},
	)

	// ActiveParticipantConnections tracks connected participant websocket channels.
	ActiveParticipantConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atomicsettle",
			Name:      "active_participant_connections",
			Help:      "Number of currently connected participant channels.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicsettle", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementTransitionsTotal,
		SettlementStateDuration,
		SettlementsTotal,
		LockAcquireDuration,
		LocksExpiredTotal,
		FxQuoteSpread,
		FxRateLocksIssuedTotal,
		NettingWindowSize,
		RecoveredSettlementsTotal,
		ComplianceHookDecisionsTotal,
		ActiveParticipantConnections,
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
