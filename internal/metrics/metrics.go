package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rasenpilot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rasenpilot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rasenpilot",
			Subsystem: "analysis",
			Name:      "job_transitions_total",
			Help:      "Analysis job status transitions by target status.",
		},
		[]string{"status"},
	)

	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rasenpilot",
			Subsystem: "analysis",
			Name:      "dispatch_failures_total",
			Help:      "Start-to-process hand-offs that could not be issued.",
		},
		[]string{"mode"},
	)

	visionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rasenpilot",
			Subsystem: "analysis",
			Name:      "vision_call_duration_seconds",
			Help:      "Duration of vision model calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"outcome"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rasenpilot",
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Provider webhook events received.",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		jobTransitions,
		dispatchFailures,
		visionDuration,
		webhookEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request metrics labelled by chi route pattern.
// It must be installed inside the chi router so the pattern is known.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordTransition(status string) {
	jobTransitions.WithLabelValues(status).Inc()
}

func RecordDispatchFailure(mode string) {
	dispatchFailures.WithLabelValues(mode).Inc()
}

func ObserveVisionCall(outcome string, d time.Duration) {
	visionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordWebhook(provider, outcome string) {
	webhookEvents.WithLabelValues(provider, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
