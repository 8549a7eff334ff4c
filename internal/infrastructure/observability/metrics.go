package observability

import (
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Order and payment metrics
	OrdersTotal        *prometheus.CounterVec
	PaymentsTotal      *prometheus.CounterVec
	CancellationsTotal *prometheus.CounterVec
	FulfillmentsTotal  *prometheus.CounterVec
	ConsistencyErrors  *prometheus.CounterVec

	// Provider metrics
	ProviderCallDuration *prometheus.HistogramVec
	ProviderCallErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
	OutboxEventsTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Order status transitions by resulting status",
			},
			[]string{"status"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payment status transitions by provider and resulting status",
			},
			[]string{"provider", "status"},
		),
		CancellationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancellations_total",
				Help:      "Cancellation attempts by scope and result",
			},
			[]string{"scope", "result"},
		),
		FulfillmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fulfillments_total",
				Help:      "Fulfillment handler calls by product type, action and result",
			},
			[]string{"product_type", "action", "result"},
		),
		ConsistencyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consistency_errors_total",
				Help:      "Mismatches between local and provider state",
			},
			[]string{"provider"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Payment gateway call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		ProviderCallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_call_errors_total",
				Help:      "Payment gateway call errors by kind",
			},
			[]string{"provider", "operation", "kind"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"source", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		),
		OutboxEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_total",
				Help:      "Outbox entries relayed by result",
			},
			[]string{"result"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.OrdersTotal,
		m.PaymentsTotal,
		m.CancellationsTotal,
		m.FulfillmentsTotal,
		m.ConsistencyErrors,
		m.ProviderCallDuration,
		m.ProviderCallErrors,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
		m.OutboxEventsTotal,
	)

	return m
}

func (m *Metrics) RecordOrder(status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPayment(provider, status string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordCancellation(scope, result string) {
	if m == nil {
		return
	}
	m.CancellationsTotal.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) RecordFulfillment(productType, action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FulfillmentsTotal.WithLabelValues(productType, action, result).Inc()
}

func (m *Metrics) RecordConsistencyError(provider string) {
	if m == nil {
		return
	}
	m.ConsistencyErrors.WithLabelValues(provider).Inc()
}

// ObserveProviderCall records one gateway round trip.
func (m *Metrics) ObserveProviderCall(provider, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCallDuration.WithLabelValues(provider, op).Observe(elapsed.Seconds())
	if err != nil {
		m.ProviderCallErrors.WithLabelValues(provider, op, string(domainErrors.KindOf(err))).Inc()
	}
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) RecordWorkerMessage(source, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WorkerMessagesProcessed.WithLabelValues(source, status).Inc()
	m.WorkerProcessingDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxEventsTotal.WithLabelValues(result).Inc()
}
