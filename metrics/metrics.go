// Prometheus instrumentation for runs, tools and completions.
//
// Information Hiding:
// - Collector registration hidden behind Record* helpers
// - Path normalization for HTTP label cardinality hidden

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests served by the API.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveRuns tracks agent runs that have not reached a terminal status.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Number of agent runs in progress",
		},
	)

	// RunsTotal counts finished runs by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Total number of finished agent runs",
		},
		[]string{"agent", "status"},
	)

	// RunDuration tracks wall-clock run time.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// RunRejections counts runs refused before they started.
	RunRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_run_rejections_total",
			Help: "Total number of run requests rejected by a precondition",
		},
		[]string{"reason"},
	)

	// ToolCalls counts tool executions.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration tracks tool execution time.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"tool"},
	)

	// CompletionRequests counts completion server requests.
	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_completion_requests_total",
			Help: "Total number of completion server requests",
		},
		[]string{"op", "status"},
	)

	// CompletionRetries counts retried completion attempts.
	CompletionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_completion_retries_total",
			Help: "Total number of retried completion attempts",
		},
		[]string{"op"},
	)

	// EventDrops counts run events discarded because the consumer went away.
	EventDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_event_drops_total",
			Help: "Total number of run events dropped after the observer left",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses ids out of URL paths.
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/api/agents", "/api/runs", "/api/tools", "/api/servers", "/api/mcp":
		return path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		return "other"
	}
	switch parts[1] {
	case "agents", "runs", "servers":
		if len(parts) == 4 {
			return "/api/" + parts[1] + "/:id/" + parts[3]
		}
		return "/api/" + parts[1] + "/:id"
	case "tools":
		return "/api/tools/:name"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active run gauge.
func RecordRunStart() {
	ActiveRuns.Inc()
}

// RecordRunEnd decrements the active run gauge and records the outcome.
func RecordRunEnd(agentID, status string, duration time.Duration) {
	ActiveRuns.Dec()
	RunsTotal.WithLabelValues(agentID, status).Inc()
	RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRunRejected records a precondition failure.
func RecordRunRejected(reason string) {
	RunRejections.WithLabelValues(reason).Inc()
}

// RecordToolCall records one tool execution.
func RecordToolCall(tool, status string, duration time.Duration) {
	ToolCalls.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompletion records one completion request outcome.
func RecordCompletion(op, status string) {
	CompletionRequests.WithLabelValues(op, status).Inc()
}

// RecordCompletionRetry records a retried completion attempt.
func RecordCompletionRetry(op string) {
	CompletionRetries.WithLabelValues(op).Inc()
}

// RecordEventDrop records a run event that no one received.
func RecordEventDrop() {
	EventDrops.Inc()
}
