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

// Access-control metrics
var (
	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthgate_authz_decisions_total",
			Help: "Authorization decisions by resource type and result.",
		},
		[]string{"resource", "result"},
	)

	RoleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthgate_role_changes_total",
			Help: "Role lifecycle operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthgate_audit_events_total",
			Help: "Audit entries persisted, by action.",
		},
		[]string{"action"},
	)

	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthgate_audit_write_failures_total",
		Help: "Audit entries the sink rejected.",
	})

	AuditQueueOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthgate_audit_queue_overflow_total",
		Help: "Audit entries that did not fit the queue and went to the failure log.",
	})

	PIIDecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthgate_pii_decrypt_failures_total",
		Help: "Protected fields that could not be decrypted.",
	})
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthzDecisions, RoleChanges, AuditEvents,
			AuditWriteFailures, AuditQueueOverflow, PIIDecryptFailures,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath replaces identifier segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "patients", "users":
		parts[2] = ":id"
		if len(parts) == 5 && parts[3] == "roles" {
			parts[4] = ":role"
		}
	case "roles":
		parts[2] = ":name"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
