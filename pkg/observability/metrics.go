package observability

import (
	"log/slog"
	"net/http"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ingest"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binlens"

// Drop reasons reported by binlens_events_dropped_total.
const (
	DropDuplicate = "duplicate"
	DropMalformed = "malformed"
	DropDiscarded = "discarded"
)

// Metrics holds the collectors for sessions and their event pipelines.
type Metrics struct {
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	gaps        prometheus.Counter
	missing     prometheus.Counter
	findings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	active      prometheus.Gauge
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// It panics if they are already registered, like prometheus.MustRegister.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Engine events applied to the session views, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events not applied, by reason.",
		}, []string{"reason"}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Sequence gaps given up on after the grace period.",
		}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_missing_events_total",
			Help:      "Sequence numbers that never arrived.",
		}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings reported by the engine, by category.",
		}, []string{"category"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state changes.",
		}, []string{"from", "to", "trigger"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_rejected_total",
			Help:      "Triggers the session state machine refused, by state and trigger.",
		}, []string{"state", "trigger"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running or paused.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from start to end of a run, by final state.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"state"}),
	}
	reg.MustRegister(m.events, m.dropped, m.gaps, m.missing, m.findings, m.transitions, m.rejected, m.active, m.duration)
	return m
}

// IngestHooks returns pipeline hooks feeding the event collectors.
func (m *Metrics) IngestHooks() ingest.Hooks {
	return ingest.Hooks{
		OnApplied: func(ev domain.Event) {
			m.events.WithLabelValues(string(ev.Kind)).Inc()
			if ev.Finding != nil {
				m.findings.WithLabelValues(ev.Finding.Category).Inc()
			}
		},
		OnDuplicate: func(domain.Event) { m.dropped.WithLabelValues(DropDuplicate).Inc() },
		OnMalformed: func(domain.Event, error) { m.dropped.WithLabelValues(DropMalformed).Inc() },
		OnDiscarded: func(domain.Event) { m.dropped.WithLabelValues(DropDiscarded).Inc() },
		OnGap: func(gap domain.SequenceGap) {
			m.gaps.Inc()
			m.missing.Add(float64(gap.To - gap.From + 1))
		},
	}
}

// Transition is a session.TransitionHook.
func (m *Metrics) Transition(from, to domain.SessionState, trig session.Trigger) {
	m.transitions.WithLabelValues(string(from), string(to), string(trig)).Inc()
	switch {
	case !from.IsActive() && to.IsActive():
		m.active.Inc()
	case from.IsActive() && !to.IsActive():
		m.active.Dec()
	}
}

// Rejected is a session.RejectionHook.
func (m *Metrics) Rejected(err *domain.IllegalTransitionError) {
	m.rejected.WithLabelValues(string(err.State), err.Event).Inc()
}

// Track observes the run duration of s once it ends.
func (m *Metrics) Track(s *session.Session) {
	s.Subscribe(func(snap domain.Session) {
		if !snap.State.IsTerminal() || snap.StartedAt == nil || snap.EndedAt == nil {
			return
		}
		m.duration.WithLabelValues(string(snap.State)).Observe(snap.EndedAt.Sub(*snap.StartedAt).Seconds())
	})
}

// ControllerOptions wires the metrics into every session of a controller.
func (m *Metrics) ControllerOptions() []session.Option {
	return []session.Option{
		session.WithSessionOptions(
			session.WithIngestOptions(ingest.WithHooks(m.IngestHooks())),
			session.WithTransitionHook(m.Transition),
			session.WithRejectionHook(m.Rejected),
		),
		session.WithCreateHook(m.Track),
	}
}

// Handler serves the metrics of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// AuditTransitions returns a hook that logs every state change at info level.
func AuditTransitions(logger *slog.Logger, sessionID string) session.TransitionHook {
	return func(from, to domain.SessionState, trig session.Trigger) {
		logger.Info("audit: session transition",
			"session_id", sessionID,
			"from", from,
			"to", to,
			"trigger", trig,
		)
	}
}
