// Package metrics exposes the engine's Prometheus collectors and wires them
// to the internal event bus so components never import prometheus directly.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
)

// Metrics holds every collector the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsReclaimed prometheus.Counter

	WorktreesActive prometheus.Gauge

	TurnsStarted   prometheus.Counter
	TurnsCompleted *prometheus.CounterVec

	Subscribers    prometheus.Gauge
	DroppedClients prometheus.Counter

	DiffRuns      *prometheus.CounterVec
	DiffCoalesced prometheus.Counter

	MessagesAppended prometheus.Counter
}

// New builds the collector set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibe80_sessions_active",
			Help: "Live sessions with a resident runtime.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_sessions_created_total",
			Help: "Sessions created since boot.",
		}),
		SessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_sessions_reclaimed_total",
			Help: "Sessions reclaimed by GC or explicit close.",
		}),
		WorktreesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibe80_worktrees_active",
			Help: "Worktrees in a non-closed status.",
		}),
		TurnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_turns_started_total",
			Help: "Agent turns started.",
		}),
		TurnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibe80_turns_completed_total",
			Help: "Agent turns finished, by result.",
		}, []string{"result"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibe80_ws_subscribers",
			Help: "Connected WebSocket subscribers.",
		}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_ws_dropped_total",
			Help: "Subscribers dropped for backpressure or write errors.",
		}),
		DiffRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibe80_diff_runs_total",
			Help: "Diff computations executed, by scope kind.",
		}, []string{"scope"}),
		DiffCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_diff_coalesced_total",
			Help: "Diff requests absorbed into an in-flight computation.",
		}),
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibe80_messages_appended_total",
			Help: "Messages persisted to the message log.",
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive, m.SessionsCreated, m.SessionsReclaimed,
		m.WorktreesActive,
		m.TurnsStarted, m.TurnsCompleted,
		m.Subscribers, m.DroppedClients,
		m.DiffRuns, m.DiffCoalesced,
		m.MessagesAppended,
	)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the lifecycle counters to the event bus.
func (m *Metrics) Observe(b bus.EventBus) error {
	_, err := b.Subscribe(events.AllSubjects, func(_ context.Context, event *bus.Event) error {
		switch event.Type {
		case events.SessionCreated:
			m.SessionsCreated.Inc()
		case events.SessionClosed, events.SessionReclaimed:
			m.SessionsReclaimed.Inc()
		case events.TurnStarted:
			m.TurnsStarted.Inc()
		case events.TurnCompleted:
			m.TurnsCompleted.WithLabelValues("completed").Inc()
		case events.TurnErrored:
			m.TurnsCompleted.WithLabelValues("error").Inc()
		}
		return nil
	})
	return err
}
