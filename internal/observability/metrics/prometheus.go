// Package metrics provides Prometheus metrics for the refill and delivery
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rxcare/rxcare/pkg/circuitbreaker"
)

const namespace = "rxcare"

// Metrics holds all application metrics
type Metrics struct {
	reg *prometheus.Registry

	Transitions         *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	Urgency             *prometheus.CounterVec
	Reminders           *prometheus.CounterVec
	OutboxRelayedTotal  prometheus.Counter
	OutboxFailures      prometheus.Counter
	OutboxPendingGauge  prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	RequestDuration     *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry that also
// carries the Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied status transitions",
		}, []string{"kind", "from", "to"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_rejected_total",
			Help:      "Rejected or failed status transitions",
		}, []string{"kind", "reason"}),
		Urgency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urgency_classified_total",
			Help:      "Refill urgency classifications by tier",
		}, []string{"tier"}),
		Reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Refill reminders sent",
		}, []string{"channel"}),
		OutboxRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Outbox entries published to the broker",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failures_total",
			Help:      "Failed outbox publish attempts",
		}),
		OutboxPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.Transitions,
		m.TransitionsRejected,
		m.Urgency,
		m.Reminders,
		m.OutboxRelayedTotal,
		m.OutboxFailures,
		m.OutboxPendingGauge,
		m.CircuitBreakerState,
		m.RequestDuration,
	)

	return m
}

// TransitionApplied counts a committed transition
func (m *Metrics) TransitionApplied(kind, from, to string) {
	m.Transitions.WithLabelValues(kind, from, to).Inc()
}

// TransitionRejected counts a refused or failed transition
func (m *Metrics) TransitionRejected(kind, reason string) {
	m.TransitionsRejected.WithLabelValues(kind, reason).Inc()
}

// UrgencyClassified counts a classification
func (m *Metrics) UrgencyClassified(tier string) {
	m.Urgency.WithLabelValues(tier).Inc()
}

// ReminderSent counts a delivered reminder
func (m *Metrics) ReminderSent(channel string) {
	m.Reminders.WithLabelValues(channel).Inc()
}

// OutboxRelayed counts published entries
func (m *Metrics) OutboxRelayed(n int) { m.OutboxRelayedTotal.Add(float64(n)) }

// OutboxFailed counts a failed publish
func (m *Metrics) OutboxFailed() { m.OutboxFailures.Inc() }

// OutboxPending sets the backlog gauge
func (m *Metrics) OutboxPending(n int64) { m.OutboxPendingGauge.Set(float64(n)) }

// BreakerStateChanged is a circuitbreaker.StateObserver
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// GaugeFunc registers a gauge read from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter read from fn at scrape time
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
