package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Handoff metrics
var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncall_auth_attempts_total",
			Help: "PIN authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	handoffDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oncall_handoff_duration_seconds",
		Help:    "Time from PIN receipt to committed handoff.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	handoffRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oncall_handoff_retries_total",
		Help: "Handoff transactions retried after a concurrency conflict.",
	})

	notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oncall_notify_failures_total",
		Help: "Best-effort status notifications that failed.",
	})

	auditFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oncall_audit_fallback_total",
		Help: "Audit entries that could not be persisted and went to the log instead.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oncall_ready",
		Help: "1 when the backing store answered the last readiness probe.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authAttempts, handoffDuration, handoffRetries, notifyFailures, auditFallbacks, ready,
		)
	})
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome labels for RecordAttempt.
const (
	AttemptSuccess = "success"
	AttemptInvalid = "invalid"
	AttemptError   = "error"
)

func RecordAttempt(outcome string) { authAttempts.WithLabelValues(outcome).Inc() }
func ObserveHandoff(d time.Duration) { handoffDuration.Observe(d.Seconds()) }
func HandoffRetried() { handoffRetries.Inc() }
func NotifyFailed() { notifyFailures.Inc() }
func AuditFellBack() { auditFallbacks.Inc() }

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses numeric identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	if len(parts) == 4 && parts[1] == "admin" && parts[2] == "users" && isNumeric(parts[3]) {
		parts[3] = ":id"
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
