// Package metrics provides Prometheus metrics for the exchange
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auction metrics
	AuctionsTotal   *prometheus.CounterVec
	AuctionDuration *prometheus.HistogramVec
	BidsReceived    *prometheus.CounterVec
	BidPrice        *prometheus.HistogramVec

	// Endpoint metrics
	EndpointRequests *prometheus.CounterVec
	EndpointLatency  *prometheus.HistogramVec
	EndpointErrors   *prometheus.CounterVec
	EndpointTimeouts *prometheus.CounterVec

	// Traffic quality
	FraudVerdicts     *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec

	// Outcomes
	WinNotices     *prometheus.CounterVec
	TrackingEvents *prometheus.CounterVec
	EventsDropped  prometheus.Counter
}

// NewMetrics creates metrics registered with the default registry
func NewMetrics(namespace string) *Metrics {
	return New(namespace, prometheus.DefaultRegisterer)
}

// New creates metrics and registers them with reg
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "adx"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of auctions by final status and winning source",
			},
			[]string{"status", "source"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_duration_seconds",
				Help:      "Auction duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, .75, 1, 1.5, 2},
			},
			[]string{"source"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_received_total",
				Help:      "Total number of bids received",
			},
			[]string{"endpoint"},
		),
		BidPrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_price",
				Help:      "Bid price distribution",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"endpoint"},
		),

		EndpointRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_requests_total",
				Help:      "Total requests sent to each endpoint",
			},
			[]string{"endpoint"},
		),
		EndpointLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "endpoint_latency_seconds",
				Help:      "Endpoint response latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .15, .2, .3, .5, .75, 1},
			},
			[]string{"endpoint"},
		),
		EndpointErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_errors_total",
				Help:      "Total errors from endpoints",
			},
			[]string{"endpoint", "error_type"},
		),
		EndpointTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_timeouts_total",
				Help:      "Total timeouts from endpoints",
			},
			[]string{"endpoint"},
		),

		FraudVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_verdicts_total",
				Help:      "Requests blocked as fraud by triggered check type",
			},
			[]string{"type"},
		),
		RateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Total requests rejected due to rate limiting",
			},
			[]string{"scope"},
		),

		WinNotices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "win_notices_total",
				Help:      "Win notices fired by result",
			},
			[]string{"status"},
		),
		TrackingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracking_events_total",
				Help:      "Tracking events recorded by type",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the write buffer was full",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuctionsTotal,
		m.AuctionDuration,
		m.BidsReceived,
		m.BidPrice,
		m.EndpointRequests,
		m.EndpointLatency,
		m.EndpointErrors,
		m.EndpointTimeouts,
		m.FraudVerdicts,
		m.RateLimitRejected,
		m.WinNotices,
		m.TrackingEvents,
		m.EventsDropped,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered by g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAuction records a finished auction
func (m *Metrics) RecordAuction(status, source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AuctionsTotal.WithLabelValues(status, source).Inc()
	m.AuctionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordBid records a bid received from an endpoint
func (m *Metrics) RecordBid(endpoint string, price float64) {
	if m == nil {
		return
	}
	m.BidsReceived.WithLabelValues(endpoint).Inc()
	m.BidPrice.WithLabelValues(endpoint).Observe(price)
}

// RecordEndpointRequest records a call to an endpoint
func (m *Metrics) RecordEndpointRequest(endpoint string, latency time.Duration, errorType string, timedOut bool) {
	if m == nil {
		return
	}
	m.EndpointRequests.WithLabelValues(endpoint).Inc()
	m.EndpointLatency.WithLabelValues(endpoint).Observe(latency.Seconds())

	if timedOut {
		m.EndpointTimeouts.WithLabelValues(endpoint).Inc()
		return
	}
	if errorType != "" {
		m.EndpointErrors.WithLabelValues(endpoint, errorType).Inc()
	}
}

// RecordFraud records a fraud verdict, once per triggered check type
func (m *Metrics) RecordFraud(types []string) {
	if m == nil {
		return
	}
	for _, t := range types {
		m.FraudVerdicts.WithLabelValues(t).Inc()
	}
}

// RecordRateLimited records a rejection by the limiter for scope
func (m *Metrics) RecordRateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimitRejected.WithLabelValues(scope).Inc()
}

// RecordWinNotice records the result of a win notice
func (m *Metrics) RecordWinNotice(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.WinNotices.WithLabelValues(status).Inc()
}

// RecordTrackingEvent records a tracking event of type t
func (m *Metrics) RecordTrackingEvent(t string) {
	if m == nil {
		return
	}
	m.TrackingEvents.WithLabelValues(t).Inc()
}

// RecordEventDropped records an event lost to a full buffer
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
