package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patientflow"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Store client metrics
	storeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_requests_total",
			Help:      "Requests issued against the external clinic store",
		},
		[]string{"operation", "status"},
	)

	storeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_request_duration_seconds",
			Help:      "External store request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// Poller metrics
	pollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Completed reconciliation cycles",
		},
	)

	pollFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Reconciliation cycles that kept the last-known-good snapshot",
		},
	)

	pollsDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_discarded_total",
			Help:      "Cycles dropped because the target date changed mid-fetch",
		},
	)

	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of the fan-out read of all stage collections",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	mergedEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merged_entries",
			Help:      "Patients per level in the current merged view",
		},
		[]string{"level"},
	)

	// Transition metrics
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Stage transitions by operation, stage and result",
		},
		[]string{"op", "stage", "result"},
	)

	autoAdvanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_advance_total",
			Help:      "Role-based auto-advances on board selection",
		},
		[]string{"role", "level", "result"},
	)

	journalEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_total",
			Help:      "Transition journal appends by sink and result",
		},
		[]string{"sink", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern uses the matched chi route so ids don't explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStoreRequest records one call against the external store.
func RecordStoreRequest(operation string, status int, duration time.Duration) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "transport_error"
	}
	storeRequestsTotal.WithLabelValues(operation, label).Inc()
	storeRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPoll records a reconciliation cycle.
func RecordPoll(duration time.Duration, err error) {
	pollDuration.Observe(duration.Seconds())
	if err != nil {
		pollFailuresTotal.Inc()
		return
	}
	pollsTotal.Inc()
}

// RecordPollDiscarded records a cycle dropped for a stale target date.
func RecordPollDiscarded() {
	pollsDiscardedTotal.Inc()
}

// RecordMergedLevel sets the merged view size for one level.
func RecordMergedLevel(level string, count int) {
	mergedEntries.WithLabelValues(level).Set(float64(count))
}

// RecordTransition records a transition outcome.
func RecordTransition(op, stage string, err error) {
	transitionsTotal.WithLabelValues(op, stage, result(err)).Inc()
}

// RecordAutoAdvance records a board auto-advance attempt.
func RecordAutoAdvance(role, level string, err error) {
	autoAdvanceTotal.WithLabelValues(role, level, result(err)).Inc()
}

// RecordJournalEntry records a journal append.
func RecordJournalEntry(sink string, err error) {
	journalEntriesTotal.WithLabelValues(sink, result(err)).Inc()
}
