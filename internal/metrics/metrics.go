package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimenet_rings_total",
			Help: "Inbound rings by outcome",
		},
		[]string{"outcome"}, // chimed, suppressed, duplicate, invalid
	)

	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimenet_responses_total",
			Help: "Responses emitted by source and kind",
		},
		[]string{"source", "response"}, // source: immediate, delayed, manual
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimenet_mode_transitions_total",
			Help: "Presence mode transitions by source",
		},
		[]string{"source"}, // user, behavior, auto
	)

	pendingResponses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chimenet_pending_responses",
			Help: "Rings awaiting a response",
		},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimenet_dispatch_total",
			Help: "Handler invocations by result",
		},
		[]string{"result"}, // ok, panic
	)

	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chimenet_decode_errors_total",
			Help: "Inbound payloads dropped because they could not be decoded",
		},
	)

	publishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chimenet_publish_errors_total",
			Help: "Failed publishes",
		},
	)

	cacheItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_items",
			Help: "Approximate number of items in cache",
		},
		[]string{"cache"},
	)
)

func init() {
	Registry.MustRegister(reqTotal, reqInFlight, reqDuration,
		ringsTotal, responsesTotal, transitionsTotal, pendingResponses,
		dispatchTotal, decodeErrors, publishErrors, cacheItems)
}

// RingObserved counts an inbound ring by outcome
func RingObserved(outcome string) { ringsTotal.WithLabelValues(outcome).Inc() }

// ResponseEmitted counts an emitted response
func ResponseEmitted(source, response string) {
	responsesTotal.WithLabelValues(source, response).Inc()
}

// ModeTransition counts a mode change
func ModeTransition(source string) { transitionsTotal.WithLabelValues(source).Inc() }

// PendingAdded counts a ring entering the pending response set
func PendingAdded() { pendingResponses.Inc() }

// PendingResolved counts a ring leaving the pending response set
func PendingResolved() { pendingResponses.Dec() }

// Dispatched counts a handler invocation
func Dispatched(panicked bool) {
	if panicked {
		dispatchTotal.WithLabelValues("panic").Inc()
		return
	}
	dispatchTotal.WithLabelValues("ok").Inc()
}

// DecodeFailed counts a dropped payload
func DecodeFailed() { decodeErrors.Inc() }

// PublishFailed counts a failed publish
func PublishFailed() { publishErrors.Inc() }

// CacheSizer provides ability to get cache size
type CacheSizer interface{ Size() int }

// UpdateCacheItems gauges current cache size
func UpdateCacheItems(name string, c CacheSizer) {
	if c == nil {
		return
	}
	cacheItems.WithLabelValues(name).Set(float64(c.Size()))
}

// Middleware instruments HTTP requests
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		// Capture status code
		rw := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		dur := time.Since(start).Seconds()
		reqDuration.WithLabelValues(r.Method, route).Observe(dur)
		reqTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler returns a promhttp handler for the Registry
func Handler() http.Handler { return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) }
