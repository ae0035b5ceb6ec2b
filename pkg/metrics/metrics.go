package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drip_build_info",
			Help: "Build information of the drip scheduler",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drip_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drip_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Ledger metrics
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_deposits_total",
			Help: "Total number of accepted deposits",
		},
		[]string{"asset"},
	)

	DepositedAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_deposited_amount_total",
			Help: "Total quantity accepted across deposits",
		},
		[]string{"asset"},
	)

	DrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_drains_total",
			Help: "Total number of drains that moved a nonzero amount",
		},
		[]string{"asset"},
	)

	DrainedAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_drained_amount_total",
			Help: "Total quantity handed to receivers by drains",
		},
		[]string{"asset"},
	)

	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_recoveries_total",
			Help: "Total number of privileged recoveries",
		},
		[]string{"asset"},
	)

	PushFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_push_failures_total",
			Help: "Total number of post-drain transfers that exhausted retries",
		},
		[]string{"asset"},
	)

	// Journal metrics
	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drip_journal_writes_total",
			Help: "Total number of journal writes",
		},
		[]string{"status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordJournalWrite records the outcome of one audit journal write.
func RecordJournalWrite(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	JournalWritesTotal.WithLabelValues(status).Inc()
}
