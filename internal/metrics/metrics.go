package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for handler duration (in seconds).
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics wraps the prometheus collectors for the queue engine. A nil
// *Metrics is valid and records nothing, so instrumentation call sites do
// not need guards.
type Metrics struct {
	registry *prometheus.Registry

	enqueuedTotal    *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	pollsTotal       *prometheus.CounterVec
	resurrectedTotal *prometheus.CounterVec
	purgedTotal      *prometheus.CounterVec

	handlerDuration *prometheus.HistogramVec

	pollInterval *prometheus.GaugeVec
}

// New builds a registry with all queue collectors under the namespace.
func New(namespace string, buckets []float64) *Metrics {
	if namespace == "" {
		namespace = "quasar"
	}
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		enqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_enqueued_total",
				Help:      "Total messages enqueued, by queue and initial state",
			},
			[]string{"queue", "state"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery settlements, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Claim polls, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		resurrectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_resurrected_total",
				Help:      "Dead letters returned to their queue",
			},
			[]string{"queue"},
		),
		purgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_purged_total",
				Help:      "Messages removed by purge",
			},
			[]string{"queue"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler invocation duration",
				Buckets:   buckets,
			},
			[]string{"queue", "outcome"},
		),
		pollInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_interval_seconds",
				Help:      "Current adaptive polling interval",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.enqueuedTotal,
		m.deliveriesTotal,
		m.pollsTotal,
		m.resurrectedTotal,
		m.purgedTotal,
		m.handlerDuration,
		m.pollInterval,
	)
	return m
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued(queue, state string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(queue, state).Inc()
}

func (m *Metrics) Delivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) PollOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) Resurrected(queue string) {
	if m == nil {
		return
	}
	m.resurrectedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) Purged(queue string, count int64) {
	if m == nil {
		return
	}
	m.purgedTotal.WithLabelValues(queue).Add(float64(count))
}

func (m *Metrics) ObserveHandler(queue string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.handlerDuration.WithLabelValues(queue, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetPollInterval(queue string, interval time.Duration) {
	if m == nil {
		return
	}
	m.pollInterval.WithLabelValues(queue).Set(interval.Seconds())
}
