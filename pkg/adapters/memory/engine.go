package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// ErrRunFinished is returned by control calls on a run that already terminated.
var ErrRunFinished = errors.New("engine run already finished")

// Step is one scripted engine action.
type Step struct {
	Kind     domain.EventKind
	Level    domain.LogLevel
	Text     string
	Category string
	Location string
	Pattern  string
	Args     []string
	Outcome  domain.Outcome
}

// Log scripts a log line.
func Log(level domain.LogLevel, text string) Step {
	return Step{Kind: domain.EventLogLine, Level: level, Text: text}
}

// Finding scripts a finding.
func Finding(category, location string) Step {
	return Step{Kind: domain.EventFindingReported, Category: category, Location: location}
}

// Invocation scripts a CLI invocation record.
func Invocation(pattern string, args ...string) Step {
	return Step{Kind: domain.EventInvocationRecorded, Pattern: pattern, Args: args}
}

// Complete scripts a successful end of run.
func Complete() Step {
	return Step{Kind: domain.EventRunTerminated, Outcome: domain.OutcomeCompleted}
}

// Fail scripts a failed run.
func Fail(reason string) Step {
	return Step{Kind: domain.EventRunTerminated, Outcome: domain.OutcomeFailed, Text: reason}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScript sets the steps each run plays after launch.
func WithScript(steps ...Step) EngineOption {
	return func(e *Engine) {
		e.script = steps
	}
}

// WithStepDelay paces scripted steps.
func WithStepDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.delay = d
	}
}

// WithManualAck stops runs from acknowledging control requests on their own;
// the caller acknowledges through Run.Emit.
func WithManualAck() EngineOption {
	return func(e *Engine) {
		e.manualAck = true
	}
}

// WithLaunchError makes every launch fail with err.
func WithLaunchError(err error) EngineOption {
	return func(e *Engine) {
		e.launchErr = err
	}
}

// Engine is an in-process ports.Launcher that plays a script or lets the
// caller emit events by hand. It is used by tests and demos.
type Engine struct {
	script    []Step
	delay     time.Duration
	manualAck bool
	launchErr error

	mu   sync.Mutex
	runs []*Run
}

// NewEngine creates an in-memory engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch starts a run.
func (e *Engine) Launch(ctx context.Context, cfg domain.AnalysisConfig) (ports.EngineHandle, error) {
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	r := &Run{
		cfg:       cfg.Clone(),
		manualAck: e.manualAck,
		events:    make(chan domain.Event, 4096),
		resume:    make(chan struct{}),
		stop:      make(chan struct{}),
	}
	e.mu.Lock()
	e.runs = append(e.runs, r)
	e.mu.Unlock()

	if len(e.script) > 0 {
		go r.play(ctx, e.script, e.delay)
	}
	return r, nil
}

// Runs returns the runs launched so far.
func (e *Engine) Runs() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Run, len(e.runs))
	copy(out, e.runs)
	return out
}

// Last returns the most recent run, or nil.
func (e *Engine) Last() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.runs) == 0 {
		return nil
	}
	return e.runs[len(e.runs)-1]
}

// Run is the handle of one in-memory engine run.
type Run struct {
	cfg       domain.AnalysisConfig
	manualAck bool

	mu       sync.Mutex
	seq      uint64
	paused   bool
	closed   bool
	requests []string
	resume   chan struct{}
	stop     chan struct{}
	events   chan domain.Event
}

// Config returns the config the run was launched with.
func (r *Run) Config() domain.AnalysisConfig { return r.cfg }

// Requests returns the control requests received, in order.
func (r *Run) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

// Events implements ports.EngineHandle.
func (r *Run) Events() <-chan domain.Event { return r.events }

// Pause implements ports.EngineHandle.
func (r *Run) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunFinished
	}
	r.requests = append(r.requests, "pause")
	if r.manualAck {
		return nil
	}
	if !r.paused {
		r.paused = true
		r.resume = make(chan struct{})
	}
	r.emitLocked(domain.StatusChanged(0, domain.EnginePaused))
	return nil
}

// Resume implements ports.EngineHandle.
func (r *Run) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunFinished
	}
	r.requests = append(r.requests, "resume")
	if r.manualAck {
		return nil
	}
	if r.paused {
		r.paused = false
		close(r.resume)
	}
	r.emitLocked(domain.StatusChanged(0, domain.EngineRunning))
	return nil
}

// Terminate implements ports.EngineHandle.
func (r *Run) Terminate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunFinished
	}
	r.requests = append(r.requests, "terminate")
	if r.manualAck {
		return nil
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.emitLocked(domain.RunTerminated(0, domain.OutcomeCancelled, ""))
	return nil
}

// Emit sends ev with the next sequence number. A zero-sequence event is
// numbered automatically; an explicit sequence is sent as-is so tests can
// reorder or duplicate events. Emitting a run_terminated event closes the stream.
func (r *Run) Emit(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.emitLocked(ev)
}

// Step emits a scripted step.
func (r *Run) Step(st Step) {
	r.Emit(st.event())
}

// Close ends the event stream without a terminal event.
func (r *Run) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

// NextSequence returns the sequence the next automatic event will carry.
func (r *Run) NextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq + 1
}

func (r *Run) emitLocked(ev domain.Event) {
	if ev.Sequence == 0 {
		r.seq++
		ev.Sequence = r.seq
	} else if ev.Sequence > r.seq {
		r.seq = ev.Sequence
	}
	renumber(&ev)
	r.events <- ev
	if ev.Kind == domain.EventRunTerminated {
		r.closed = true
		close(r.events)
	}
}

func (r *Run) play(ctx context.Context, steps []Step, delay time.Duration) {
	for _, st := range steps {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		r.mu.Lock()
		paused, resume := r.paused, r.resume
		r.mu.Unlock()
		if paused {
			select {
			case <-resume:
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-r.stop:
			return
		default:
		}
		r.Step(st)
	}
}

func (st Step) event() domain.Event {
	switch st.Kind {
	case domain.EventLogLine:
		return domain.LogLine(0, st.Level, st.Text)
	case domain.EventFindingReported:
		return domain.FindingReported(0, st.Category, st.Location)
	case domain.EventInvocationRecorded:
		return domain.InvocationRecorded(0, st.Pattern, st.Args...)
	default:
		return domain.RunTerminated(0, st.Outcome, st.Text)
	}
}

// renumber keeps payload sequences in step with the event sequence.
func renumber(ev *domain.Event) {
	switch {
	case ev.Log != nil:
		ev.Log.Sequence = ev.Sequence
	case ev.Finding != nil:
		ev.Finding.Sequence = ev.Sequence
	case ev.Invocation != nil:
		ev.Invocation.Sequence = ev.Sequence
	}
}
