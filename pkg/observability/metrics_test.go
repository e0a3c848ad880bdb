package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/observability"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func committed(t *testing.T) domain.AnalysisConfig {
	t.Helper()
	d := config.NewDraft()
	d.AddEntrypoint("main")
	cfg, err := config.Commit(d)
	require.NoError(t, err)
	return cfg
}

func TestMetrics_CountsSessionRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	engine := memory.NewEngine(memory.WithScript(
		memory.Log(domain.LevelInfo, "start"),
		memory.Finding("double-free", "0x10"),
		memory.Finding("double-free", "0x20"),
		memory.Finding("format-string", "0x30"),
		memory.Complete(),
	))
	c := session.NewController(engine, m.ControllerOptions()...)

	s, err := c.Create(committed(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), s.ID()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(2), metricValue(t, reg, "binlens_findings_total", "category", "double-free"))
	assert.Equal(t, float64(1), metricValue(t, reg, "binlens_findings_total", "category", "format-string"))
	assert.Equal(t, float64(0), metricValue(t, reg, "binlens_sessions_active", "", ""))

	expected := `
# HELP binlens_session_transitions_total Session state changes.
# TYPE binlens_session_transitions_total counter
binlens_session_transitions_total{from="idle",to="running",trigger="start"} 1
binlens_session_transitions_total{from="running",to="completed",trigger="engine_completed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "binlens_session_transitions_total"))
	n, err := testutil.GatherAndCount(reg, "binlens_session_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_CountsRejectedTriggers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	engine := memory.NewEngine(memory.WithManualAck())
	c := session.NewController(engine, m.ControllerOptions()...)
	s, err := c.Create(committed(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), s.ID()))
	defer s.Release()

	assert.ErrorIs(t, s.Resume(context.Background()), domain.ErrIllegalTransition)

	run := engine.Last()
	run.Emit(domain.StatusChanged(0, domain.EnginePaused))
	require.Eventually(t, func() bool { return s.State() == domain.StatePaused }, 3*time.Second, 5*time.Millisecond)
	run.Step(memory.Complete())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, snap.State)

	expected := `
# HELP binlens_session_transitions_rejected_total Triggers the session state machine refused, by state and trigger.
# TYPE binlens_session_transitions_rejected_total counter
binlens_session_transitions_rejected_total{state="paused",trigger="engine_completed"} 1
binlens_session_transitions_rejected_total{state="running",trigger="resume"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "binlens_session_transitions_rejected_total"))
}

func TestMetrics_IngestHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	h := m.IngestHooks()

	h.OnDuplicate(domain.Event{})
	h.OnDuplicate(domain.Event{})
	h.OnGap(domain.SequenceGap{From: 4, To: 6})
	h.OnDiscarded(domain.Event{})

	expected := `
# HELP binlens_events_dropped_total Engine events not applied, by reason.
# TYPE binlens_events_dropped_total counter
binlens_events_dropped_total{reason="discarded"} 1
binlens_events_dropped_total{reason="duplicate"} 2
# HELP binlens_sequence_missing_events_total Sequence numbers that never arrived.
# TYPE binlens_sequence_missing_events_total counter
binlens_sequence_missing_events_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"binlens_events_dropped_total", "binlens_sequence_missing_events_total"))
}

func TestHandler_ServesText(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.Transition(domain.StateIdle, domain.StateRunning, session.TriggerStart)

	rec := httptest.NewRecorder()
	observability.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "binlens_sessions_active 1")
}

func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			match := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					match = true
				}
			}
			if !match {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, value)
	return 0
}
