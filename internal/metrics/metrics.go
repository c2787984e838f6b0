// Package metrics exposes Prometheus counters for booking sessions, outbound
// sends and the HTTP API. Every Observe method is safe on a nil receiver.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const namespace = "bookingpipe"

// Metrics holds the process-wide collectors.
type Metrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	sends       *prometheus.CounterVec
	inbound     *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New registers the collectors on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Stage transitions taken by booking sessions",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Sessions that ended in the Error stage",
		}, []string{"stage", "kind"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Outbound send attempts by channel",
		}, []string{"channel", "status"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_total",
			Help:      "Inbound patient messages by outcome",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "executed_total",
			Help:      "Durable jobs executed by kind",
		}, []string{"kind", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.failures, m.sends, m.inbound, m.jobs, m.httpLatency)
	return m
}

func (m *Metrics) ObserveTransition(from, to models.Stage) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveFailure(stage models.Stage, kind models.FailureKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(stage), string(kind)).Inc()
}

func (m *Metrics) ObserveSend(channel string, success bool) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(channel, statusLabel(success)).Inc()
}

// ObserveInbound counts webhook messages: routed, duplicate, unmatched or rejected.
func (m *Metrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveJob(kind string, success bool) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, statusLabel(success)).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(route, strconv.Itoa(code)).Observe(seconds)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
