// Package metrics exposes enforcement activity counters on the health mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	PanicsTriggered  *prometheus.CounterVec
	PanicsRestored   prometheus.Counter
	RestoresRetried  prometheus.Counter
	MessagesScored   prometheus.Counter
	MessageActions   *prometheus.CounterVec
	RaidsDetected    prometheus.Counter
	RaidPunishments  *prometheus.CounterVec
	TempBansReversed prometheus.Counter
	TrackerTriggers  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PanicsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_panics_triggered_total",
			Help: "Panic lockdowns entered, by trigger source.",
		}, []string{"source"}),
		PanicsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_panics_restored_total",
			Help: "Panic lockdowns fully unlocked and restored.",
		}),
		RestoresRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_restores_retried_total",
			Help: "Restore retry attempts after a partial unlock.",
		}),
		MessagesScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_messages_scored_total",
			Help: "Messages run through the heat-scoring battery.",
		}),
		MessageActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_message_actions_total",
			Help: "Enforcement actions taken on messages, by action.",
		}, []string{"action"}),
		RaidsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_raids_detected_total",
			Help: "Join-raid windows opened.",
		}),
		RaidPunishments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_raid_punishments_total",
			Help: "Punishments applied to raid joiners, by kind.",
		}, []string{"kind"}),
		TempBansReversed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_temp_bans_reversed_total",
			Help: "Temporary raid bans reversed at expiry or on restart.",
		}),
		TrackerTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tracker_triggers_total",
			Help: "Privileged-action tracker triggers, by category.",
		}, []string{"category"}),
	}

	m.registry.MustRegister(
		m.PanicsTriggered, m.PanicsRestored, m.RestoresRetried,
		m.MessagesScored, m.MessageActions,
		m.RaidsDetected, m.RaidPunishments, m.TempBansReversed,
		m.TrackerTriggers,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
