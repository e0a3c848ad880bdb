package ports

import (
	"context"

	"github.com/aretw0/binlens/pkg/domain"
)

// Launcher starts the external analysis engine.
type Launcher interface {
	// Launch starts a run for a committed config and returns without waiting
	// for it to finish. An error means the engine never started.
	Launch(ctx context.Context, cfg domain.AnalysisConfig) (EngineHandle, error)
}

// EngineHandle controls one live engine run.
//
// Pause, Resume and Terminate are requests: the engine acknowledges them
// through the event stream (StatusChanged or RunTerminated).
type EngineHandle interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Terminate(ctx context.Context) error

	// Events yields the engine events. The channel is closed once the engine
	// has exited and every event has been delivered.
	Events() <-chan domain.Event
}
