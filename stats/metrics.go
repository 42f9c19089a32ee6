package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pagewalker"

// Metrics holds the process-wide Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	SessionsTotal       *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	StateTransitions    *prometheus.CounterVec
	ScreenshotsTotal    prometheus.Counter
	EventsTotal         prometheus.Counter
	EventsDroppedTotal  prometheus.Counter
	PersistErrorsTotal  prometheus.Counter
	ReportErrorsTotal   prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by final status",
		}, []string{"status"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions by entered state",
		}, []string{"state"}),
		ScreenshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screenshots_total",
			Help:      "Screenshots written to disk",
		}),
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_events_total",
			Help:      "Interaction events received from pages",
		}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_events_dropped_total",
			Help:      "Interaction events dropped because the buffer was full",
		}),
		PersistErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed result artifact writes",
		}),
		ReportErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Failed deliveries to the collecting backend",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.MustRegister(
		m.SessionsTotal, m.ActiveSessions, m.StateTransitions,
		m.ScreenshotsTotal, m.EventsTotal, m.EventsDroppedTotal,
		m.PersistErrorsTotal, m.ReportErrorsTotal,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Screenshot() {
	if m == nil {
		return
	}
	m.ScreenshotsTotal.Inc()
}

func (m *Metrics) Events(received int, dropped int64) {
	if m == nil {
		return
	}
	m.EventsTotal.Add(float64(received))
	m.EventsDroppedTotal.Add(float64(dropped))
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.Inc()
}

func (m *Metrics) ReportError() {
	if m == nil {
		return
	}
	m.ReportErrorsTotal.Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
