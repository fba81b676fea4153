package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	ReferralsAttributed *prometheus.CounterVec
	CommissionCredited  prometheus.Counter
	ClicksTracked       prometheus.Counter
	PayoutsTotal        *prometheus.CounterVec
	PayoutAmount        *prometheus.CounterVec
	BatchDuration       prometheus.Histogram

	// Processor metrics
	ProcessorCalls *prometheus.CounterVec
}

// New registers all metrics on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all metrics on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		ReferralsAttributed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_referrals_attributed_total",
				Help: "Purchases attributed to an affiliate",
			},
			[]string{"result"}, // created, duplicate
		),
		CommissionCredited: factory.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_commission_credited_minor_units_total",
			Help: "Commission credited to affiliates in minor currency units",
		}),
		ClicksTracked: factory.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_clicks_total",
			Help: "Visits through affiliate links",
		}),
		PayoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_payouts_total",
				Help: "Payouts by method and outcome",
			},
			[]string{"method", "status"},
		),
		PayoutAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_payout_minor_units_total",
				Help: "Money paid out in minor currency units",
			},
			[]string{"method"},
		),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "affiliate_payout_batch_duration_seconds",
			Help:    "Automatic payout batch duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}),

		ProcessorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_processor_calls_total",
				Help: "Calls to the payment processor",
			},
			[]string{"operation", "outcome"}, // outcome: ok, error
		),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the raw path

			err := next(c)

			status := strconv.Itoa(c.Response().Status)
			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, status).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// RecordReferral counts an attribution attempt
func (m *Metrics) RecordReferral(created bool, commission int64) {
	if m == nil {
		return
	}
	if !created {
		m.ReferralsAttributed.WithLabelValues("duplicate").Inc()
		return
	}
	m.ReferralsAttributed.WithLabelValues("created").Inc()
	m.CommissionCredited.Add(float64(commission))
}

// RecordClick counts a tracked click
func (m *Metrics) RecordClick() {
	if m == nil {
		return
	}
	m.ClicksTracked.Inc()
}

// RecordPayout counts a payout outcome
func (m *Metrics) RecordPayout(method, status string, amount int64) {
	if m == nil {
		return
	}
	m.PayoutsTotal.WithLabelValues(method, status).Inc()
	if status == "completed" {
		m.PayoutAmount.WithLabelValues(method).Add(float64(amount))
	}
}

// RecordBatch observes a batch duration
func (m *Metrics) RecordBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordProcessorCall counts a processor call outcome
func (m *Metrics) RecordProcessorCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProcessorCalls.WithLabelValues(operation, outcome).Inc()
}
