package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SlowRequests    *prometheus.CounterVec
}

// PipelineMetrics contains gateway filter-chain metrics
type PipelineMetrics struct {
	RateLimited   *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec
	UpstreamCalls *prometheus.CounterVec
}

// BusinessMetrics contains business-specific metrics
type BusinessMetrics struct {
	OrdersCreated        prometheus.Counter
	OrdersCancelled      prometheus.Counter
	StockReservations    prometheus.Counter
	StockReleases        prometheus.Counter
	InsufficientStock    prometheus.Counter
	LowStockAlerts       prometheus.Counter
	ExpiredReservations  prometheus.Counter
	EventsDeadLettered   prometheus.Counter
	DuplicateEventsSeen  prometheus.Counter
	PaymentsProcessed    *prometheus.CounterVec
	ProcessorAPIDuration prometheus.Histogram
}

// SlowRequestThreshold marks the latency above which the slow-call counter fires.
const SlowRequestThreshold = time.Second

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SlowRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_slow_requests_total",
				Help: "Requests slower than the slow-call threshold",
			},
			[]string{"method", "route"},
		),
	}
}

// NewPipelineMetrics creates gateway pipeline metrics
func NewPipelineMetrics(serviceName string) *PipelineMetrics {
	return &PipelineMetrics{
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"route"},
		),
		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_breaker_trips_total",
				Help: "Circuit breaker open transitions",
			},
			[]string{"route"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_upstream_retries_total",
				Help: "Upstream retry attempts",
			},
			[]string{"route"},
		),
		UpstreamCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_upstream_calls_total",
				Help: "Upstream dispatch results",
			},
			[]string{"route", "outcome"},
		),
	}
}

// NewBusinessMetrics creates business-specific metrics
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	return &BusinessMetrics{
		OrdersCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_created_total",
				Help: "Total number of orders created",
			},
		),
		OrdersCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_cancelled_total",
				Help: "Total number of orders cancelled",
			},
		),
		StockReservations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_stock_reservations_total",
				Help: "Total number of stock reservations created",
			},
		),
		StockReleases: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_stock_releases_total",
				Help: "Total number of stock reservations released",
			},
		),
		InsufficientStock: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_insufficient_stock_total",
				Help: "Reservation attempts rejected for insufficient stock",
			},
		),
		LowStockAlerts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_low_stock_alerts_total",
				Help: "Low-stock threshold crossings",
			},
		),
		ExpiredReservations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_expired_reservations_total",
				Help: "Reservations released by the expiry sweeper",
			},
		),
		EventsDeadLettered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_events_dead_lettered_total",
				Help: "Events routed to a dead-letter queue",
			},
		),
		DuplicateEventsSeen: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_duplicate_events_total",
				Help: "Events acknowledged without effect by inbox dedup",
			},
		),
		PaymentsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_payments_processed_total",
				Help: "Payment attempts by outcome",
			},
			[]string{"outcome"},
		),
		ProcessorAPIDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_processor_api_duration_seconds",
				Help:    "Payment processor API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	if duration > SlowRequestThreshold {
		m.SlowRequests.WithLabelValues(method, route).Inc()
	}
}
