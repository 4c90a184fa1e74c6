package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service readiness probe passes.",
	})
)

// Launchpad domain metrics.
var (
	salesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_sales_created_total",
		Help: "Sales created since process start.",
	})

	contributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_contributions_total",
			Help: "Contribution ledger movements by direction.",
		},
		[]string{"refund"},
	)

	salesFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_sales_finalized_total",
			Help: "Finalized sales by funding outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		salesCreatedTotal, contributionsTotal, salesFinalizedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness probe result.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// SaleCreated counts one successful sale creation.
func SaleCreated() { salesCreatedTotal.Inc() }

// ContributionRecorded counts one contribute or refund movement.
func ContributionRecorded(refund bool) {
	contributionsTotal.WithLabelValues(strconv.FormatBool(refund)).Inc()
}

// SaleFinalized counts one finalize by outcome ("success" or "failed").
func SaleFinalized(outcome string) {
	salesFinalizedTotal.WithLabelValues(outcome).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "sales":
			parts[2] = ":id"
			if len(parts) == 5 && parts[3] == "contributions" {
				parts[4] = ":buyer"
			} else if len(parts) > 4 {
				return p
			}
			return "/" + strings.Join(parts, "/")
		case "participations":
			if len(parts) == 3 {
				parts[2] = ":account"
				return "/" + strings.Join(parts, "/")
			}
		}
	}
	return p
}

// statusWriter records the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
