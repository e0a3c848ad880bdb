package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("event stream did not close")
		}
	}
}

func TestEngine_ManualEmit(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	h, err := engine.Launch(context.Background(), domain.AnalysisConfig{})
	require.NoError(t, err)

	run := engine.Last()
	require.NotNil(t, run)

	require.NoError(t, h.Pause(context.Background()))
	run.Step(memory.Log(domain.LevelInfo, "a"))
	run.Emit(domain.LogLine(5, domain.LevelInfo, "explicit"))
	assert.Equal(t, uint64(6), run.NextSequence())
	run.Step(memory.Complete())

	events := drain(t, h.Events())
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(5), events[1].Sequence)
	assert.Equal(t, uint64(6), events[2].Sequence)
	assert.Equal(t, []string{"pause"}, run.Requests())

	assert.ErrorIs(t, h.Resume(context.Background()), memory.ErrRunFinished)
}

func TestEngine_AutoAck(t *testing.T) {
	engine := memory.NewEngine(
		memory.WithStepDelay(20*time.Millisecond),
		memory.WithScript(memory.Log(domain.LevelInfo, "x"), memory.Complete()),
	)
	h, err := engine.Launch(context.Background(), domain.AnalysisConfig{})
	require.NoError(t, err)

	require.NoError(t, h.Pause(context.Background()))
	require.NoError(t, h.Terminate(context.Background()))

	events := drain(t, h.Events())
	require.Len(t, events, 2)
	assert.Equal(t, domain.EnginePaused, events[0].Status.Status)
	assert.Equal(t, domain.OutcomeCancelled, events[1].Termination.Outcome)
}

func TestEngine_LaunchError(t *testing.T) {
	boom := errors.New("binary not found")
	engine := memory.NewEngine(memory.WithLaunchError(boom))

	_, err := engine.Launch(context.Background(), domain.AnalysisConfig{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, engine.Runs())
}
