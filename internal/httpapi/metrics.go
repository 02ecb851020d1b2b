package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Request metrics carry the analysis-server language a request was routed
// to. Handlers report it with setLanguage once it is known; requests that
// never name one are labelled "none".
const noLanguage = "none"

// statusClientClosed is recorded when the client left before a reply was written.
const statusClientClosed = 499

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method, status code and server language",
		},
		[]string{"route", "method", "code", "language"},
	)

	// Buckets span warm opens (milliseconds) to cold server starts (tens of seconds).
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lsppool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and server language",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route", "language"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lsppool",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Requests currently being served",
		},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "http",
			Name:      "rejections_total",
			Help:      "Requests refused because the pool was saturated or a server unavailable",
		},
		[]string{"reason", "language"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, rejectionsTotal)
}

type requestLabels struct {
	language string
}

type labelsCtxKey struct{}

// setLanguage records the language r was routed to for its metrics.
func setLanguage(r *http.Request, language string) {
	if rl, ok := r.Context().Value(labelsCtxKey{}).(*requestLabels); ok && language != "" {
		rl.language = language
	}
}

func languageOf(r *http.Request) string {
	if rl, ok := r.Context().Value(labelsCtxKey{}).(*requestLabels); ok {
		return rl.language
	}
	return noLanguage
}

// recordRejection counts a refused request under reason.
func recordRejection(r *http.Request, reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	rejectionsTotal.WithLabelValues(reason, languageOf(r)).Inc()
}

// MetricsMiddleware instruments requests for Prometheus. The route label is
// read after routing so it carries the chi pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		labels := &requestLabels{language: noLanguage}
		r = r.WithContext(context.WithValue(r.Context(), labelsCtxKey{}, labels))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
			if r.Context().Err() != nil {
				status = statusClientClosed
			}
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status), labels.language).Inc()
		httpRequestDuration.WithLabelValues(route, labels.language).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi route pattern, or "unmatched" for requests no
// route handled so raw paths never become label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
