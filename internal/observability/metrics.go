package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects session registry and fan-out metrics.
//
// All methods are no-ops on a nil *Metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.SessionTransition("awaiting_pairing", "connected")
//	metrics.RecordCommand("send", "ok", time.Since(start))
type Metrics struct {
	// ActiveSessions tracks live sessions by connectivity.
	// Labels: connectivity
	ActiveSessions *prometheus.GaugeVec

	// SessionTransitions counts accepted connectivity transitions.
	// Labels: from, to
	SessionTransitions *prometheus.CounterVec

	// EventsPublished counts events delivered to a tenant topic.
	// Labels: kind
	EventsPublished *prometheus.CounterVec

	// EventsDiscarded counts events that never reached subscribers.
	// Labels: reason (stale_generation|no_topic|illegal_transition|closed)
	EventsDiscarded *prometheus.CounterVec

	// EventsDropped counts queued message events evicted from poll buffers.
	EventsDropped prometheus.Counter

	// SinkFailures counts subscriber sinks removed after a delivery failure.
	SinkFailures prometheus.Counter

	// CommandCounter counts command surface calls.
	// Labels: command, result
	CommandCounter *prometheus.CounterVec

	// CommandDuration measures command surface latency in seconds.
	// Labels: command
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s
	CommandDuration *prometheus.HistogramVec

	// ConnectAttempts counts client connect attempts.
	// Labels: result (ok|retry|failed)
	ConnectAttempts *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wagate_sessions_active",
				Help: "Current number of live sessions by connectivity",
			},
			[]string{"connectivity"},
		),

		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagate_session_transitions_total",
				Help: "Total number of session connectivity transitions",
			},
			[]string{"from", "to"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagate_events_published_total",
				Help: "Total number of events published to tenant subscribers by kind",
			},
			[]string{"kind"},
		),

		EventsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagate_events_discarded_total",
				Help: "Total number of events discarded before delivery by reason",
			},
			[]string{"reason"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wagate_events_dropped_total",
				Help: "Total number of queued message events dropped on poll buffer overflow",
			},
		),

		SinkFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wagate_sink_failures_total",
				Help: "Total number of subscriber sinks removed after delivery failure",
			},
		),

		CommandCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagate_commands_total",
				Help: "Total number of command surface calls by command and result",
			},
			[]string{"command", "result"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wagate_command_duration_seconds",
				Help:    "Duration of command surface calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"command"},
		),

		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagate_connect_attempts_total",
				Help: "Total number of client connect attempts by result",
			},
			[]string{"result"},
		),
	}
}

// SessionStarted records a new session entering the given state.
func (m *Metrics) SessionStarted(state string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(state).Inc()
}

// SessionTransition moves one session between connectivity gauges.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	m.ActiveSessions.WithLabelValues(from).Dec()
	m.ActiveSessions.WithLabelValues(to).Inc()
}

// SessionEnded removes a session in the given state from the gauges.
func (m *Metrics) SessionEnded(state string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(state).Dec()
}

// EventPublished increments the published counter for kind.
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// EventDiscarded increments the discarded counter for reason.
func (m *Metrics) EventDiscarded(reason string) {
	if m == nil {
		return
	}
	m.EventsDiscarded.WithLabelValues(reason).Inc()
}

// EventDropped records a poll buffer overflow.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// SinkFailed records a removed subscriber sink.
func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.SinkFailures.Inc()
}

// RecordCommand records one command surface call.
func (m *Metrics) RecordCommand(command, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommandCounter.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// ConnectAttempt records a connect attempt outcome.
func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}
