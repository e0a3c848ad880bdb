package ingest

import (
	"log/slog"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
)

const (
	// DefaultMaxBuffer bounds the number of out-of-order events held back.
	DefaultMaxBuffer = 1024
	// DefaultGracePeriod is how long a missing sequence is awaited.
	DefaultGracePeriod = 2 * time.Second
)

// Hooks observe the pipeline. All hooks run on the applying goroutine and must not block.
type Hooks struct {
	OnApplied   func(ev domain.Event)
	OnDuplicate func(ev domain.Event)
	OnGap       func(gap domain.SequenceGap)
	OnMalformed func(ev domain.Event, err error)
	// OnDiscarded fires for events arriving after the run terminated.
	OnDiscarded func(ev domain.Event)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMaxBuffer sets the reorder buffer bound. Overflow forces a gap flush.
func WithMaxBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBuffer = n
		}
	}
}

// WithGracePeriod sets how long the pipeline waits for a missing sequence.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithClock overrides the time source used for grace accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) {
		p.hooks = h
	}
}

// WithStatusHandler receives engine pause/resume acknowledgements.
func WithStatusHandler(fn func(domain.StatusChange)) Option {
	return func(p *Pipeline) {
		p.onStatus = fn
	}
}

// WithTerminationHandler receives the terminal event of the run.
func WithTerminationHandler(fn func(domain.Termination)) Option {
	return func(p *Pipeline) {
		p.onTerminated = fn
	}
}
