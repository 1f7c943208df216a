// Package metrics holds the Prometheus collectors for the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "partner_events"

type Metrics struct {
	registry *prometheus.Registry

	outboxPublished  prometheus.Counter
	outboxFailed     prometheus.Counter
	eventsConsumed   prometheus.Counter
	eventsDeadLetter prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	gatewayRequests  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox records acknowledged by the broker.",
		}),
		outboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Outbox records marked FAILED because they could not be decoded.",
		}),
		eventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Broker events matched to partners.",
		}),
		eventsDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Broker messages forwarded to the dead-letter topic.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts by resulting status.",
		}, []string{"status"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_seconds",
			Help:      "Time spent on the partner's webhook call.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Partner gateway responses by upstream and status code.",
		}, []string{"upstream", "code"}),
	}

	reg.MustRegister(
		m.outboxPublished,
		m.outboxFailed,
		m.eventsConsumed,
		m.eventsDeadLetter,
		m.deliveries,
		m.deliveryDuration,
		m.gatewayRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OutboxPublished() {
	if m != nil {
		m.outboxPublished.Inc()
	}
}

func (m *Metrics) OutboxFailed() {
	if m != nil {
		m.outboxFailed.Inc()
	}
}

func (m *Metrics) EventConsumed() {
	if m != nil {
		m.eventsConsumed.Inc()
	}
}

func (m *Metrics) EventDeadLettered() {
	if m != nil {
		m.eventsDeadLetter.Inc()
	}
}

func (m *Metrics) DeliveryAttempt(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
	m.deliveryDuration.Observe(took.Seconds())
}

func (m *Metrics) GatewayResponse(upstream, code string) {
	if m != nil {
		m.gatewayRequests.WithLabelValues(upstream, code).Inc()
	}
}
