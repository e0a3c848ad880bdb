package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ingest"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func committed(t *testing.T, timeout int) domain.AnalysisConfig {
	t.Helper()
	d := config.NewDraft()
	require.Nil(t, d.SetField(config.FieldISA, "x86_64"))
	require.Nil(t, d.SetField(config.FieldTimeoutSeconds, timeout))
	d.AddEntrypoint("main")
	cfg, err := config.Commit(d)
	require.NoError(t, err)
	return cfg
}

func newSession(t *testing.T, engine *memory.Engine, opts ...session.SessionOption) *session.Session {
	t.Helper()
	s, err := session.New("s-1", committed(t, 60), engine, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func waitState(t *testing.T, s *session.Session, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		waitFor, 5*time.Millisecond, "expected %s, still %s", want, s.State())
}

func wait(t *testing.T, s *session.Session) domain.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	snap, err := s.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestSession_RejectsDraftConfig(t *testing.T) {
	_, err := session.New("x", domain.AnalysisConfig{Entrypoints: []string{"main"}}, memory.NewEngine())
	assert.ErrorIs(t, err, domain.ErrNotCommitted)
}

// Scenario A: two findings of one category end up in the tally.
func TestSession_ScenarioA_Tally(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(
		memory.Log(domain.LevelInfo, "analysing main"),
		memory.Finding("buffer-overflow", "0x401000"),
		memory.Finding("buffer-overflow", "0x401200"),
		memory.Complete(),
	))
	s := newSession(t, engine)

	require.NoError(t, s.Start(context.Background()))
	snap := wait(t, s)

	assert.Equal(t, domain.StateCompleted, snap.State)
	assert.Equal(t, domain.ExitSuccess, snap.ExitReason)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.EndedAt)
	assert.False(t, snap.EndedAt.Before(*snap.StartedAt))
	assert.Equal(t, views.TallySnapshot{"buffer-overflow": 2}, s.Views().Tally.Current())
	assert.Equal(t, domain.ISAx86_64, engine.Last().Config().ISA)
}

func TestSession_CatalogueListsUndetected(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(
		memory.Finding("buffer-overflow", "0x401000"),
		memory.Complete(),
	))
	s := newSession(t, engine, session.WithCatalogue([]string{"use-after-free", "buffer-overflow", "format-string"}))

	require.NoError(t, s.Start(context.Background()))
	wait(t, s)

	r := s.Views().TallyReport()
	assert.Equal(t, []string{"buffer-overflow"}, r.Detected)
	assert.Equal(t, []string{"use-after-free", "format-string"}, r.Undetected)
}

// Scenario B: pause only takes effect on acknowledgement.
func TestSession_ScenarioB_PauseNeedsAck(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	s := newSession(t, engine)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause(context.Background()))

	assert.Equal(t, domain.StateRunning, s.State(), "pause is a request, not a transition")
	run := engine.Last()
	assert.Equal(t, []string{"pause"}, run.Requests())

	run.Emit(domain.StatusChanged(0, domain.EnginePaused))
	waitState(t, s, domain.StatePaused)

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, domain.StatePaused, s.State())
	run.Emit(domain.StatusChanged(0, domain.EngineRunning))
	waitState(t, s, domain.StateRunning)
}

// Scenario C: events emitted during teardown are kept.
func TestSession_ScenarioC_CancelKeepsTeardownEvents(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	s := newSession(t, engine)

	require.NoError(t, s.Start(context.Background()))
	run := engine.Last()
	run.Step(memory.Log(domain.LevelInfo, "scanning"))

	require.NoError(t, s.Cancel(context.Background()))
	assert.Equal(t, domain.StateRunning, s.State())

	run.Step(memory.Log(domain.LevelInfo, "stopping workers"))
	run.Step(memory.Log(domain.LevelInfo, "flushing results"))
	run.Emit(domain.RunTerminated(0, domain.OutcomeCancelled, ""))

	snap := wait(t, s)
	assert.Equal(t, domain.StateCancelled, snap.State)
	assert.Equal(t, domain.ExitCancelled, snap.ExitReason)

	entries := s.Views().Logs.Current().Entries
	require.Len(t, entries, 3)
	assert.Equal(t, "flushing results", entries[2].Text)
	assert.Equal(t, []string{"terminate"}, run.Requests())
}

func TestSession_IllegalControlLeavesStateUnchanged(t *testing.T) {
	type control struct {
		trig session.Trigger
		call func(*session.Session, context.Context) error
	}
	controls := []control{
		{session.TriggerStart, (*session.Session).Start},
		{session.TriggerPause, (*session.Session).Pause},
		{session.TriggerResume, (*session.Session).Resume},
		{session.TriggerCancel, (*session.Session).Cancel},
	}

	// setups drive a fresh session into each state.
	setups := map[domain.SessionState]func(t *testing.T, s *session.Session, e *memory.Engine){
		domain.StateIdle: func(t *testing.T, s *session.Session, e *memory.Engine) {},
		domain.StateRunning: func(t *testing.T, s *session.Session, e *memory.Engine) {
			require.NoError(t, s.Start(context.Background()))
		},
		domain.StatePaused: func(t *testing.T, s *session.Session, e *memory.Engine) {
			require.NoError(t, s.Start(context.Background()))
			e.Last().Emit(domain.StatusChanged(0, domain.EnginePaused))
			waitState(t, s, domain.StatePaused)
		},
		domain.StateCompleted: func(t *testing.T, s *session.Session, e *memory.Engine) {
			require.NoError(t, s.Start(context.Background()))
			e.Last().Step(memory.Complete())
			wait(t, s)
		},
		domain.StateFailed: func(t *testing.T, s *session.Session, e *memory.Engine) {
			require.NoError(t, s.Start(context.Background()))
			e.Last().Step(memory.Fail("segfault in loader"))
			wait(t, s)
		},
		domain.StateCancelled: func(t *testing.T, s *session.Session, e *memory.Engine) {
			require.NoError(t, s.Start(context.Background()))
			e.Last().Emit(domain.RunTerminated(0, domain.OutcomeCancelled, ""))
			wait(t, s)
		},
	}

	for _, state := range session.States {
		for _, c := range controls {
			if _, err := session.Next(state, c.trig); err == nil {
				continue
			}
			t.Run(string(c.trig)+"_while_"+string(state), func(t *testing.T) {
				engine := memory.NewEngine(memory.WithManualAck())
				s := newSession(t, engine)
				setups[state](t, s, engine)
				require.Equal(t, state, s.State())

				before := s.Snapshot()
				err := c.call(s, context.Background())

				var ite *domain.IllegalTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, state, ite.State)
				assert.Equal(t, string(c.trig), ite.Event)
				assert.Equal(t, before, s.Snapshot())

				if run := engine.Last(); run != nil {
					assert.NotContains(t, run.Requests(), string(c.trig), "illegal requests never reach the engine")
				}
			})
		}
	}
}

func TestSession_LaunchFailure(t *testing.T) {
	boom := errors.New("engine binary not found")
	s := newSession(t, memory.NewEngine(memory.WithLaunchError(boom)))

	err := s.Start(context.Background())

	var le *domain.EngineLaunchError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, domain.ErrEngineLaunch)
	assert.ErrorIs(t, err, boom)

	snap := s.Snapshot()
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, boom.Error(), snap.ExitReason)
	assert.NotNil(t, snap.EndedAt)

	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrIllegalTransition)
}

func TestSession_FailureReason(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(memory.Fail("license expired")))
	s := newSession(t, engine)

	require.NoError(t, s.Start(context.Background()))
	snap := wait(t, s)
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, "license expired", snap.ExitReason)
}

func TestSession_CompletionWhilePausedFails(t *testing.T) {
	var (
		mu       sync.Mutex
		rejected []domain.IllegalTransitionError
	)
	engine := memory.NewEngine(memory.WithManualAck())
	s := newSession(t, engine, session.WithRejectionHook(func(err *domain.IllegalTransitionError) {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, *err)
	}))

	require.NoError(t, s.Start(context.Background()))
	run := engine.Last()
	run.Emit(domain.StatusChanged(0, domain.EnginePaused))
	waitState(t, s, domain.StatePaused)

	run.Step(memory.Complete())
	snap := wait(t, s)
	assert.Equal(t, domain.StateFailed, snap.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.IllegalTransitionError{
		{State: domain.StatePaused, Event: string(session.TriggerEngineCompleted)},
	}, rejected)
}

func TestSession_Timeout(t *testing.T) {
	engine := memory.NewEngine(
		memory.WithStepDelay(time.Hour),
		memory.WithScript(memory.Complete()),
	)
	s, err := session.New("slow", committed(t, 1), engine)
	require.NoError(t, err)
	defer s.Release()

	require.NoError(t, s.Start(context.Background()))
	snap := wait(t, s)

	assert.Equal(t, domain.StateCancelled, snap.State)
	assert.Equal(t, domain.ExitTimeout, snap.ExitReason)
	assert.Equal(t, []string{"terminate"}, engine.Last().Requests())
}

func TestSession_CancelBeforeTimeoutKeepsReason(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	s, err := session.New("early-cancel", committed(t, 1), engine)
	require.NoError(t, err)
	defer s.Release()

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cancel(context.Background()))

	// The engine acknowledges only after the deadline has passed.
	time.Sleep(1200 * time.Millisecond)
	engine.Last().Emit(domain.RunTerminated(0, domain.OutcomeCancelled, ""))

	snap := wait(t, s)
	assert.Equal(t, domain.StateCancelled, snap.State)
	assert.Equal(t, domain.ExitCancelled, snap.ExitReason)
	assert.Equal(t, []string{"terminate"}, engine.Last().Requests())
}

func TestSession_StreamClosedWithoutTermination(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	s := newSession(t, engine, session.WithIngestOptions(ingest.WithGracePeriod(20*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	engine.Last().Close()

	snap := wait(t, s)
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, session.ReasonStreamClosed, snap.ExitReason)
}

func TestSession_SubscribeAndHooks(t *testing.T) {
	var (
		mu          sync.Mutex
		states      []domain.SessionState
		transitions []session.Trigger
	)
	engine := memory.NewEngine()
	s := newSession(t, engine, session.WithTransitionHook(func(from, to domain.SessionState, trig session.Trigger) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, trig)
	}))
	s.Subscribe(func(snap domain.Session) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, snap.State)
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause(context.Background()))
	waitState(t, s, domain.StatePaused)
	require.NoError(t, s.Resume(context.Background()))
	waitState(t, s, domain.StateRunning)
	engine.Last().Step(memory.Complete())
	wait(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.SessionState{
		domain.StateRunning, domain.StatePaused, domain.StateRunning, domain.StateCompleted,
	}, states)
	assert.Equal(t, []session.Trigger{
		session.TriggerStart, session.TriggerPause, session.TriggerResume, session.TriggerEngineCompleted,
	}, transitions)
}

func TestSession_ConfigIsolated(t *testing.T) {
	s := newSession(t, memory.NewEngine())
	cfg := s.Config()
	cfg.Entrypoints[0] = "tampered"
	assert.Equal(t, []string{"main"}, s.Config().Entrypoints)
	assert.True(t, s.Config().Committed())
}
