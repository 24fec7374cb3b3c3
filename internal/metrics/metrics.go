// Package metrics exports the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gembot"

// Metrics holds every instrument. The zero value is not usable; a nil
// *Metrics is, and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	InboundTotal   *prometheus.CounterVec
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	FirstToken     *prometheus.HistogramVec
	MergedMessages prometheus.Histogram
	RetriesTotal   prometheus.Counter
	Commands       *prometheus.CounterVec
	Routing        *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	InFlight       prometheus.Gauge
	Swept          prometheus.Counter
}

// New registers the instruments on a fresh registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InboundTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound messages accepted by the orchestrator",
			},
			[]string{"platform"},
		),
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Completed turns by outcome",
			},
			[]string{"platform", "tier", "outcome"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Time from dispatch to the terminal event",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"tier"},
		),
		FirstToken: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "first_token_seconds",
				Help:      "Time from dispatch to the first answer token",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"tier"},
		),
		MergedMessages: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_messages",
				Help:      "Messages merged into one turn",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
		),
		RetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cheaper_retries_total",
				Help:      "Turns retried on the cheaper tier after an early upstream failure",
			},
		),
		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Control commands handled",
			},
			[]string{"command"},
		),
		Routing: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Routing decisions by tier, thinking level and source",
			},
			[]string{"tier", "thinking", "source"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported by the model",
			},
			[]string{"kind"},
		),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_store_errors_total",
				Help:      "Session store failures absorbed by the memory policy",
			},
			[]string{"op"},
		),
		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "turns_in_flight",
				Help:      "Turns currently streaming",
			},
		),
		Swept: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_swept_total",
				Help:      "Expired sessions deleted by the sweeper",
			},
		),
	}
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Inbound counts an accepted message.
func (m *Metrics) Inbound(platform string) {
	if m == nil {
		return
	}
	m.InboundTotal.WithLabelValues(platform).Inc()
}

// TurnStarted records a dispatch.
func (m *Metrics) TurnStarted(members int) {
	if m == nil {
		return
	}
	m.InFlight.Inc()
	m.MergedMessages.Observe(float64(members))
}

// TurnEnded records the terminal outcome ("final", "failed", "cancelled").
func (m *Metrics) TurnEnded(platform, tier, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.TurnsTotal.WithLabelValues(platform, tier, outcome).Inc()
	m.TurnDuration.WithLabelValues(tier).Observe(took.Seconds())
}

// FirstTokenAfter records time to first answer token.
func (m *Metrics) FirstTokenAfter(tier string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstToken.WithLabelValues(tier).Observe(d.Seconds())
}

// Retried counts a cheaper-tier retry.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// Command counts a control command.
func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(name).Inc()
}

// Routed counts a routing decision.
func (m *Metrics) Routed(tier, thinking, source string) {
	if m == nil {
		return
	}
	m.Routing.WithLabelValues(tier, thinking, source).Inc()
}

// Tokens adds reported usage.
func (m *Metrics) Tokens(prompt, completion, thinking int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
	if thinking > 0 {
		m.TokensTotal.WithLabelValues("thinking").Add(float64(thinking))
	}
}

// StoreError counts an absorbed storage failure. It matches
// sessions.ErrorObserver.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

// SweptSessions counts sweeper deletions.
func (m *Metrics) SweptSessions(n int) {
	if m == nil {
		return
	}
	m.Swept.Add(float64(n))
}
