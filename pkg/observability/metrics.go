package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepath_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepath_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Workflow metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepath_turns_total",
			Help: "Total number of patient turns by outcome",
		},
		[]string{"outcome"},
	)

	stageExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepath_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepath_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	stageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepath_stage_transitions_total",
			Help: "Total number of stage transitions",
		},
		[]string{"from", "to"},
	)

	clarificationsForcedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "carepath_clarifications_forced_total",
			Help: "Number of times the clarification cap forced a handoff",
		},
	)

	referralMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepath_referral_matches_total",
			Help: "Referral provider matching outcomes",
		},
		[]string{"matched"},
	)

	// Session metrics
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepath_sessions_active",
			Help: "Number of live sessions",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "carepath_sessions_expired_total",
			Help: "Total number of sessions removed by the idle sweep",
		},
	)

	// System metrics
	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepath_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			stageExecutionsTotal,
			stageDuration,
			stageTransitionsTotal,
			clarificationsForcedTotal,
			referralMatchesTotal,
			sessionsActive,
			sessionsExpiredTotal,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn counts a completed turn. outcome is one of "clarification",
// "completed", "terminal_replay" or "error".
func RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStageExecution records one engine-backed stage run.
func RecordStageExecution(stage, status string, duration time.Duration) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageTransition counts a move between workflow stages.
func RecordStageTransition(from, to string) {
	stageTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordForcedClarification counts a handoff forced by the clarification cap.
func RecordForcedClarification() {
	clarificationsForcedTotal.Inc()
}

// RecordReferralMatch records whether directory matching found a provider.
func RecordReferralMatch(matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	referralMatchesTotal.WithLabelValues(label).Inc()
}

// SetActiveSessions sets the live sessions gauge
func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

// RecordSessionsExpired adds n swept sessions to the expiry counter
func RecordSessionsExpired(n int) {
	if n > 0 {
		sessionsExpiredTotal.Add(float64(n))
	}
}

// UpdateGoroutines samples the goroutine count
func UpdateGoroutines() {
	goroutines.Set(float64(runtime.NumGoroutine()))
}
