package tests

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// collect drains an engine event stream until it closes or the timeout elapses.
func collect(t *testing.T, h ports.EngineHandle, timeout time.Duration) []domain.Event {
	t.Helper()
	var out []domain.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("engine event stream did not close within %s (%d events so far)", timeout, len(out))
			return out
		}
	}
}

func terminal(events []domain.Event) *domain.Termination {
	for _, ev := range events {
		if ev.Kind == domain.EventRunTerminated && ev.Termination != nil {
			return ev.Termination
		}
	}
	return nil
}

// EngineContractTest is a reusable test suite that verifies if a Launcher
// complies with ports.Launcher and ports.EngineHandle.
//
// cfg must describe a run that completes on its own; the launcher must honour
// Terminate before that happens when asked right after launch.
func EngineContractTest(t *testing.T, launcher ports.Launcher, cfg domain.AnalysisConfig) {
	t.Helper()
	ctx := context.Background()

	t.Run("Run_To_Completion", func(t *testing.T) {
		h, err := launcher.Launch(ctx, cfg)
		if err != nil {
			t.Fatalf("unexpected launch error: %v", err)
		}

		events := collect(t, h, 10*time.Second)
		if len(events) == 0 {
			t.Fatal("expected at least one event")
		}
		for _, ev := range events {
			if err := ev.Validate(); err != nil {
				t.Errorf("engine emitted malformed event: %v", err)
			}
		}

		term := terminal(events)
		if term == nil {
			t.Fatal("expected a run_terminated event")
		}
		if term.Outcome != domain.OutcomeCompleted {
			t.Errorf("expected outcome %q, got %q (%s)", domain.OutcomeCompleted, term.Outcome, term.Reason)
		}
	})

	t.Run("Terminate_Acknowledged", func(t *testing.T) {
		h, err := launcher.Launch(ctx, cfg)
		if err != nil {
			t.Fatalf("unexpected launch error: %v", err)
		}
		if err := h.Terminate(ctx); err != nil {
			t.Fatalf("unexpected terminate error: %v", err)
		}

		term := terminal(collect(t, h, 10*time.Second))
		if term == nil {
			t.Fatal("expected a run_terminated event after terminate")
		}
		if term.Outcome == domain.OutcomeCompleted {
			t.Errorf("terminate should not report a completed run")
		}
	})

	t.Run("Sequences_Unique", func(t *testing.T) {
		h, err := launcher.Launch(ctx, cfg)
		if err != nil {
			t.Fatalf("unexpected launch error: %v", err)
		}

		seen := make(map[uint64]bool)
		for _, ev := range collect(t, h, 10*time.Second) {
			if seen[ev.Sequence] {
				t.Errorf("sequence %d emitted twice", ev.Sequence)
			}
			seen[ev.Sequence] = true
		}
	})
}
