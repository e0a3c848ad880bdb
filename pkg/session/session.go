package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/binlens/internal/logging"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ingest"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/binlens/pkg/views"
)

// ReasonStreamClosed is recorded when the engine stream ends without a terminal event.
const ReasonStreamClosed = "engine event stream closed without termination"

// TransitionHook observes every accepted state change.
type TransitionHook func(from, to domain.SessionState, trig Trigger)

// RejectionHook observes every trigger the state machine refused, including
// engine outcomes that were remapped.
type RejectionHook func(err *domain.IllegalTransitionError)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithLogCapacity bounds the session log buffer.
func WithLogCapacity(n int) SessionOption {
	return func(s *Session) {
		s.logCapacity = n
	}
}

// WithCatalogue sets the categories the engine can report, so the tally view
// can list the ones with no finding.
func WithCatalogue(categories []string) SessionOption {
	return func(s *Session) {
		s.catalogue = categories
	}
}

// WithIngestOptions passes options to the session's ingestion pipeline.
func WithIngestOptions(opts ...ingest.Option) SessionOption {
	return func(s *Session) {
		s.ingestOpts = append(s.ingestOpts, opts...)
	}
}

// WithTransitionHook installs a hook called after each state change.
func WithTransitionHook(h TransitionHook) SessionOption {
	return func(s *Session) {
		s.hooks = append(s.hooks, h)
	}
}

// WithRejectionHook installs a hook called for each refused trigger.
func WithRejectionHook(h RejectionHook) SessionOption {
	return func(s *Session) {
		s.rejectHooks = append(s.rejectHooks, h)
	}
}

// WithClock overrides the time source for startedAt and endedAt.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// Session owns one analysis run: its committed config, its views, and the
// engine handle once started.
//
// Control requests (Start, Pause, Resume, Cancel) are serialized. Pause,
// Resume and Cancel only ask the engine; the state moves when the engine
// acknowledges through the event stream.
type Session struct {
	id       string
	cfg      domain.AnalysisConfig
	launcher ports.Launcher

	logger      *slog.Logger
	logCapacity int
	catalogue   []string
	ingestOpts  []ingest.Option
	hooks       []TransitionHook
	rejectHooks []RejectionHook
	now         func() time.Time

	views    *views.Set
	pipeline *ingest.Pipeline

	ctrlMu sync.Mutex

	mu         sync.RWMutex
	state      domain.SessionState
	startedAt  *time.Time
	endedAt    *time.Time
	exitReason string
	handle     ports.EngineHandle
	timedOut   bool
	cancelSent bool
	stop       context.CancelFunc

	finished chan struct{}
	subs     views.Listeners[domain.Session]
}

// New creates an Idle session for a committed config.
func New(id string, cfg domain.AnalysisConfig, launcher ports.Launcher, opts ...SessionOption) (*Session, error) {
	if !cfg.Committed() {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotCommitted)
	}
	s := &Session{
		id:       id,
		cfg:      cfg.Clone(),
		launcher: launcher,
		logger:   logging.NewNop(),
		now:      time.Now,
		state:    domain.StateIdle,
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	s.views = views.NewSet(s.logCapacity, s.catalogue...)

	pipeOpts := []ingest.Option{ingest.WithLogger(s.logger)}
	pipeOpts = append(pipeOpts, s.ingestOpts...)
	pipeOpts = append(pipeOpts,
		ingest.WithStatusHandler(s.onStatus),
		ingest.WithTerminationHandler(s.onTerminated),
	)
	s.pipeline = ingest.New(s.views, pipeOpts...)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns a copy of the committed config.
func (s *Session) Config() domain.AnalysisConfig { return s.cfg.Clone() }

// Views returns the read-only projections of the run.
func (s *Session) Views() *views.Set { return s.views }

// Pipeline returns the ingestion pipeline feeding the views.
func (s *Session) Pipeline() *ingest.Pipeline { return s.pipeline }

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a point-in-time copy of the session.
func (s *Session) Snapshot() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.Session {
	out := domain.Session{
		ID:         s.id,
		Config:     s.cfg.Clone(),
		State:      s.state,
		ExitReason: s.exitReason,
	}
	if s.startedAt != nil {
		t := *s.startedAt
		out.StartedAt = &t
	}
	if s.endedAt != nil {
		t := *s.endedAt
		out.EndedAt = &t
	}
	return out
}

// Subscribe registers fn to receive a snapshot after every state change.
func (s *Session) Subscribe(fn func(domain.Session)) func() {
	return s.subs.Add(fn)
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (domain.Session, error) {
	select {
	case <-s.finished:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Start launches the engine and returns without waiting for the run.
// A launch error moves the session to Failed and is returned as *domain.EngineLaunchError.
func (s *Session) Start(ctx context.Context) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	if _, err := Next(s.State(), TriggerStart); err != nil {
		s.logger.Warn("rejected control request", "err", err)
		s.rejected(err)
		return err
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	handle, err := s.launcher.Launch(runCtx, s.cfg)
	if err != nil {
		stop()
		s.logger.Error("engine launch failed", "err", err)
		s.fire(TriggerLaunchFailed, err.Error())
		return &domain.EngineLaunchError{Cause: err}
	}

	s.mu.Lock()
	s.handle = handle
	s.stop = stop
	s.mu.Unlock()
	s.fire(TriggerStart, "")
	s.logger.Info("session started", "isa", s.cfg.ISA, "entrypoints", len(s.cfg.Entrypoints))

	go func() { _ = s.pipeline.Run(runCtx) }()
	go s.pump(runCtx, handle)
	if s.cfg.HasTimeout() {
		go s.watchTimeout(runCtx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	}
	return nil
}

// Pause asks the engine to suspend. The session becomes Paused on acknowledgement.
func (s *Session) Pause(ctx context.Context) error {
	return s.request(ctx, TriggerPause, ports.EngineHandle.Pause)
}

// Resume asks the engine to continue. The session becomes Running on acknowledgement.
func (s *Session) Resume(ctx context.Context) error {
	return s.request(ctx, TriggerResume, ports.EngineHandle.Resume)
}

// Cancel asks the engine to terminate. The session becomes Cancelled when the
// engine reports the cancelled run; events emitted during teardown still apply.
func (s *Session) Cancel(ctx context.Context) error {
	return s.request(ctx, TriggerCancel, ports.EngineHandle.Terminate)
}

func (s *Session) request(ctx context.Context, trig Trigger, call func(ports.EngineHandle, context.Context) error) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.requestLocked(ctx, trig, call)
}

// requestLocked runs under ctrlMu.
func (s *Session) requestLocked(ctx context.Context, trig Trigger, call func(ports.EngineHandle, context.Context) error) error {
	s.mu.RLock()
	state, handle := s.state, s.handle
	s.mu.RUnlock()

	if _, err := Next(state, trig); err != nil {
		s.logger.Warn("rejected control request", "err", err)
		s.rejected(err)
		return err
	}
	if err := call(handle, ctx); err != nil {
		return fmt.Errorf("%s request: %w", trig, err)
	}
	if trig == TriggerCancel {
		s.mu.Lock()
		s.cancelSent = true
		s.mu.Unlock()
	}
	s.logger.Debug("control request sent", "request", trig)
	return nil
}

func (s *Session) rejected(err error) {
	var ite *domain.IllegalTransitionError
	if !errors.As(err, &ite) {
		return
	}
	for _, h := range s.rejectHooks {
		h(ite)
	}
}

// Release stops the goroutines serving the run. It does not signal the engine.
func (s *Session) Release() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// fire applies trig and publishes the change. It reports whether the trigger was accepted.
func (s *Session) fire(trig Trigger, reason string) bool {
	s.mu.Lock()
	from := s.state
	to, err := Next(from, trig)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("engine event does not apply in current state", "err", err)
		s.rejected(err)
		return false
	}

	now := s.now()
	s.state = to
	if to == domain.StateRunning && s.startedAt == nil {
		s.startedAt = &now
	}
	if to.IsTerminal() {
		if s.startedAt == nil {
			s.startedAt = &now
		}
		s.endedAt = &now
		s.exitReason = reason
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("session state changed", "from", from, "to", to, "trigger", trig)
	for _, h := range s.hooks {
		h(from, to, trig)
	}
	s.subs.Notify(snap)
	if to.IsTerminal() {
		close(s.finished)
	}
	return true
}

func (s *Session) onStatus(sc domain.StatusChange) {
	var trig Trigger
	switch sc.Status {
	case domain.EnginePaused:
		trig = TriggerPause
	case domain.EngineRunning:
		trig = TriggerResume
	}
	if _, err := Next(s.State(), trig); err != nil {
		// The engine repeats its current status, e.g. "running" right after launch.
		s.logger.Debug("status acknowledgement ignored", "status", sc.Status, "state", s.State())
		return
	}
	s.fire(trig, "")
}

func (s *Session) onTerminated(term domain.Termination) {
	switch term.Outcome {
	case domain.OutcomeCompleted:
		if state := s.State(); state == domain.StatePaused {
			_, err := Next(state, TriggerEngineCompleted)
			s.logger.Warn("engine completion remapped to failure", "err", err)
			s.rejected(err)
			s.fire(TriggerEngineFailed, "engine reported completion while paused")
			return
		}
		s.fire(TriggerEngineCompleted, domain.ExitSuccess)
	case domain.OutcomeCancelled:
		s.mu.RLock()
		reason := domain.ExitCancelled
		if s.timedOut {
			reason = domain.ExitTimeout
		}
		s.mu.RUnlock()
		s.fire(TriggerCancel, reason)
	default:
		reason := term.Reason
		if reason == "" {
			reason = "engine failed"
		}
		s.fire(TriggerEngineFailed, reason)
	}
}

// pump forwards engine events into the pipeline until the stream closes.
func (s *Session) pump(ctx context.Context, h ports.EngineHandle) {
	for ev := range h.Events() {
		s.pipeline.Ingest(ev)
	}

	// Buffered events may still be waiting on a gap; give the pipeline its grace period.
	wait := s.pipeline.GracePeriod() + time.Second
	select {
	case <-s.pipeline.Done():
		return
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	s.logger.Error(ReasonStreamClosed)
	s.fire(TriggerEngineFailed, ReasonStreamClosed)
}

func (s *Session) watchTimeout(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.finished:
		return
	case <-ctx.Done():
		return
	}

	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	s.mu.Lock()
	if s.cancelSent || s.state.IsTerminal() {
		s.mu.Unlock()
		s.logger.Debug("timeout reached after cancellation was requested", "timeout", d)
		return
	}
	s.timedOut = true
	s.mu.Unlock()

	s.logger.Warn("analysis timeout reached, cancelling", "timeout", d)
	if err := s.requestLocked(context.Background(), TriggerCancel, ports.EngineHandle.Terminate); err != nil {
		s.logger.Error("timeout cancellation failed", "err", err)
	}
}
