// Package metrics exposes the runtime's Prometheus instrumentation:
// per-type turn and failure counters, activation and mailbox gauges, and
// transport send counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, bound to its own registry so tests can
// build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Turn accounting.
	TurnsTotal    *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec

	// Dead letters by actor type.
	DeadLettersTotal *prometheus.CounterVec

	// Remote envelope sends by peer and outcome.
	RemoteSendsTotal *prometheus.CounterVec

	// Live activation count by actor type.
	Activations *prometheus.GaugeVec

	// Queued messages by actor type.
	MailboxDepth *prometheus.GaugeVec

	// Breaker state by actor identity: 0 closed, 1 open, 2 half-open.
	BreakerState *prometheus.GaugeVec

	// Reminder firings by outcome.
	ReminderFirings *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_turns_total",
				Help: "Total actor turns completed",
			},
			[]string{"actor_type"},
		),

		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_turn_failures_total",
				Help: "Total actor turns that ended in an error",
			},
			[]string{"actor_type"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_turn_retries_total",
				Help: "Total in-turn retry attempts",
			},
			[]string{"actor_type"},
		),

		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_dead_letters_total",
				Help: "Total messages captured by the dead " +
					"letter queue",
			},
			[]string{"actor_type"},
		),

		RemoteSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_remote_sends_total",
				Help: "Total envelopes sent to remote silos",
			},
			// outcome: ok, error, timeout.
			[]string{"peer", "outcome"},
		),

		Activations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_activations",
				Help: "Live actor activations",
			},
			[]string{"actor_type"},
		),

		MailboxDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_mailbox_depth",
				Help: "Queued messages across mailboxes",
			},
			[]string{"actor_type"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 " +
					"open, 2 half-open",
			},
			[]string{"actor_type", "actor_id"},
		),

		ReminderFirings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_reminder_firings_total",
				Help: "Total reminder deliveries",
			},
			// outcome: ok, error.
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry, promhttp.HandlerOpts{},
	)
}

// RecordTurn counts a completed turn, failed or not.
func (m *Metrics) RecordTurn(actorType string, failed bool) {
	m.TurnsTotal.WithLabelValues(actorType).Inc()
	if failed {
		m.FailuresTotal.WithLabelValues(actorType).Inc()
	}
}

// RecordRetry counts one re-delivery attempt.
func (m *Metrics) RecordRetry(actorType string) {
	m.RetriesTotal.WithLabelValues(actorType).Inc()
}

// RecordDeadLetter counts one captured message.
func (m *Metrics) RecordDeadLetter(actorType string) {
	m.DeadLettersTotal.WithLabelValues(actorType).Inc()
}

// RecordRemoteSend counts an envelope sent to a peer.
func (m *Metrics) RecordRemoteSend(peer, outcome string) {
	m.RemoteSendsTotal.WithLabelValues(peer, outcome).Inc()
}

// RecordReminderFiring counts a reminder delivery.
func (m *Metrics) RecordReminderFiring(outcome string) {
	m.ReminderFirings.WithLabelValues(outcome).Inc()
}

// ActivationStarted and ActivationEnded track the live activation gauge.
func (m *Metrics) ActivationStarted(actorType string) {
	m.Activations.WithLabelValues(actorType).Inc()
}

// ActivationEnded decrements the live activation gauge.
func (m *Metrics) ActivationEnded(actorType string) {
	m.Activations.WithLabelValues(actorType).Dec()
}

// SetMailboxDepth records the queued message count for a type.
func (m *Metrics) SetMailboxDepth(actorType string, depth int) {
	m.MailboxDepth.WithLabelValues(actorType).Set(float64(depth))
}

// SetBreakerState records an activation's breaker state.
func (m *Metrics) SetBreakerState(actorType, actorID string, state int) {
	m.BreakerState.WithLabelValues(actorType, actorID).Set(
		float64(state),
	)
}
