package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	participations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "participations_total",
			Help:      "Total number of participation attempts.",
		},
		[]string{"result"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "settlements_total",
			Help:      "Total number of settlement attempts.",
		},
		[]string{"result"},
	)

	conflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "conflict_retries_exhausted_total",
			Help:      "Operations that exhausted their optimistic retry budget.",
		},
	)

	expirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "expired_applications_total",
			Help:      "Applications reclaimed by the expiry sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		participations,
		settlements,
		conflictRetries,
		expirations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordParticipation counts a participation attempt by result.
func RecordParticipation(result string) {
	participations.WithLabelValues(result).Inc()
}

// RecordSettlement counts a settlement attempt by result.
func RecordSettlement(result string) {
	settlements.WithLabelValues(result).Inc()
}

// RecordConflictExhausted counts an operation that ran out of retries.
func RecordConflictExhausted() {
	conflictRetries.Inc()
}

// RecordExpiration counts an application reclaimed by the sweeper.
func RecordExpiration() {
	expirations.Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses record ids so metric cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "applications":
		if len(parts) == 1 {
			return "/applications"
		}
		if len(parts) == 2 {
			return "/applications/:id"
		}
		if parts[2] == "slots" {
			if len(parts) >= 5 {
				return "/applications/:id/slots/:index/" + parts[4]
			}
			return "/applications/:id/slots/:index"
		}
		return "/applications/:id/" + parts[2]
	case "accounts":
		if len(parts) == 1 {
			return "/accounts"
		}
		if len(parts) == 2 {
			return "/accounts/:id"
		}
		return "/accounts/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
