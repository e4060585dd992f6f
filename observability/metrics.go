package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

// EscrowMetrics wraps collectors tracking settlement engine activity.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	released    *prometheus.CounterVec
}

// HTTPMetrics tracks API requests and throttling.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle prometheus.Counter
}

// NotifierMetrics tracks outbound webhook delivery.
type NotifierMetrics struct {
	deliveries *prometheus.CounterVec
	dropped    prometheus.Counter
	depth      prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics

	notifierMetricsOnce sync.Once
	notifierRegistry    *NotifierMetrics
)

// Escrow returns the singleton metrics registry for the settlement engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "transitions_total",
				Help:      "Count of settlement operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "errors_total",
				Help:      "Count of failed settlement operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "released_amount_total",
				Help:      "Sum of milestone amounts authorised for release, by currency.",
			}, []string{"currency"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.errors,
			escrowRegistry.latency,
			escrowRegistry.released,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of one settlement operation. Errors are labelled
// with their stable taxonomy code.
func (m *EscrowMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, escrow.Code(err)).Inc()
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRelease adds an approved milestone amount to the released total.
func (m *EscrowMetrics) RecordRelease(currency string, amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.released.WithLabelValues(labelCurrency(currency)).Add(amount.InexactFloat64())
}

// HTTP returns the metrics registry for the API boundary.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "http_requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttle: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "http_throttled_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttle,
		)
	})
	return httpRegistry
}

// Observe records a served request. The status code should be the HTTP status
// that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter.
func (m *HTTPMetrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.throttle.Inc()
}

// Notifier returns the metrics registry for webhook delivery.
func Notifier() *NotifierMetrics {
	notifierMetricsOnce.Do(func() {
		notifierRegistry = &NotifierMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "notifier",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "notifier",
				Name:      "dropped_total",
				Help:      "Events discarded because the queue was full or the entry expired.",
			}),
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "notifier",
				Name:      "queue_depth",
				Help:      "Events waiting for delivery.",
			}),
		}
		prometheus.MustRegister(
			notifierRegistry.deliveries,
			notifierRegistry.dropped,
			notifierRegistry.depth,
		)
	})
	return notifierRegistry
}

// RecordDelivery counts one delivery attempt.
func (m *NotifierMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordDrop counts discarded events.
func (m *NotifierMetrics) RecordDrop(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

// SetDepth publishes the current queue length.
func (m *NotifierMetrics) SetDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

func labelCurrency(currency string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(currency))
	if trimmed == "" {
		return escrow.DefaultCurrency
	}
	return trimmed
}
