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
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/google/uuid"
)

const (
	// ActiveLockKey is the distributed lock held while a session is active.
	ActiveLockKey = "active-session"
	// RemoteHolder is reported as the active ID when another replica holds the lock.
	RemoteHolder = "remote"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Controller owns the sessions of one window instance and enforces that at
// most one of them is active. It uses reference counting to garbage collect
// unused per-session locks.
type Controller struct {
	launcher ports.Launcher
	archive  ports.Archive

	mu       sync.Mutex            // Global lock for the maps
	locks    map[string]*lockEntry // Per-session operation locks
	sessions map[string]*Session
	order    []string

	startMu sync.Mutex // Serializes the single-active check with Start

	locker   ports.DistributedLocker // Optional distributed locker
	lockWait time.Duration
	lockTTL  time.Duration

	sessionOpts []SessionOption
	onCreate    []func(*Session)
	logger      *slog.Logger
	newID       func() string
}

// Option configures the Controller.
type Option func(*Controller)

// WithLocker enables distributed locking of the active slot.
// wait bounds how long Start waits for the lock before reporting a conflict.
func WithLocker(locker ports.DistributedLocker, wait, ttl time.Duration) Option {
	return func(c *Controller) {
		c.locker = locker
		c.lockWait = wait
		c.lockTTL = ttl
	}
}

// WithArchive stores a record of every closed session that ran.
func WithArchive(archive ports.Archive) Option {
	return func(c *Controller) {
		c.archive = archive
	}
}

// WithLogger configures a logger for the Controller and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithSessionOptions applies opts to every session the controller creates.
func WithSessionOptions(opts ...SessionOption) Option {
	return func(c *Controller) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithCreateHook calls fn with every session right after it is created.
func WithCreateHook(fn func(*Session)) Option {
	return func(c *Controller) {
		c.onCreate = append(c.onCreate, fn)
	}
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		c.newID = fn
	}
}

// NewController creates a controller that launches engines with launcher.
func NewController(launcher ports.Launcher, opts ...Option) *Controller {
	c := &Controller{
		launcher: launcher,
		locks:    make(map[string]*lockEntry),
		sessions: make(map[string]*Session),
		lockWait: 500 * time.Millisecond,
		lockTTL:  time.Hour,
		logger:   logging.NewNop(), // Default to no-op
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after unlocking.
func (c *Controller) acquire(sessionID string) *lockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		c.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (c *Controller) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.locks[sessionID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(c.locks, sessionID)
	}
}

// WithLock executes fn while holding the operation lock for the session.
func (c *Controller) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := c.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		c.release(sessionID)
	}()
	return fn(ctx)
}

// Create registers a new Idle session for a committed config.
func (c *Controller) Create(cfg domain.AnalysisConfig) (*Session, error) {
	id := c.newID()
	opts := append([]SessionOption{WithSessionLogger(c.logger)}, c.sessionOpts...)
	s, err := New(id, cfg, c.launcher, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.order = append(c.order, id)
	c.mu.Unlock()

	for _, fn := range c.onCreate {
		fn(s)
	}
	c.logger.Info("session created", "session_id", id)
	return s, nil
}

// Get returns the session with the given ID.
func (c *Controller) Get(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return s, nil
}

// List returns snapshots of the open sessions in creation order.
func (c *Controller) List() []domain.Session {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.order))
	for _, id := range c.order {
		sessions = append(sessions, c.sessions[id])
	}
	c.mu.Unlock()

	out := make([]domain.Session, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Active returns the running or paused session, if any.
func (c *Controller) Active() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if s := c.sessions[id]; s.State().IsActive() {
			return s, true
		}
	}
	return nil, false
}

// Start launches a session. It fails fast with *domain.ConflictError when
// another session is running or paused.
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	s, err := c.Get(sessionID)
	if err != nil {
		return err
	}

	return c.WithLock(ctx, sessionID, func(ctx context.Context) error {
		c.startMu.Lock()
		defer c.startMu.Unlock()

		if active, ok := c.Active(); ok && active.ID() != sessionID {
			err := &domain.ConflictError{ActiveID: active.ID(), State: active.State()}
			c.logger.Warn("start rejected", "session_id", sessionID, "err", err)
			return err
		}

		var unlock ports.UnlockFunc
		if c.locker != nil && s.State() == domain.StateIdle {
			lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
			unlock, err = c.locker.Lock(lockCtx, ActiveLockKey, c.lockTTL)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return &domain.ConflictError{ActiveID: RemoteHolder, State: domain.StateRunning}
				}
				return fmt.Errorf("failed to acquire distributed lock: %w", err)
			}
		}

		if err := s.Start(ctx); err != nil {
			c.unlock(sessionID, unlock)
			return err
		}
		if unlock != nil {
			go func() {
				<-s.Done()
				c.unlock(sessionID, unlock)
			}()
		}
		return nil
	})
}

func (c *Controller) unlock(sessionID string, unlock ports.UnlockFunc) {
	if unlock == nil {
		return
	}
	if err := unlock(context.Background()); err != nil {
		c.logger.Warn("Failed to release distributed lock (will expire via TTL)",
			"session_id", sessionID,
			"err", err,
		)
	}
}

// Pause forwards a pause request to the session.
func (c *Controller) Pause(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, (*Session).Pause)
}

// Resume forwards a resume request to the session.
func (c *Controller) Resume(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, (*Session).Resume)
}

// Cancel forwards a cancel request to the session.
func (c *Controller) Cancel(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, (*Session).Cancel)
}

func (c *Controller) control(ctx context.Context, sessionID string, fn func(*Session, context.Context) error) error {
	s, err := c.Get(sessionID)
	if err != nil {
		return err
	}
	return c.WithLock(ctx, sessionID, func(ctx context.Context) error {
		return fn(s, ctx)
	})
}

// Close removes a session. An active session is cancelled first and Close
// waits for the engine to acknowledge, bounded by ctx. Sessions that ran are
// archived when an Archive is configured.
func (c *Controller) Close(ctx context.Context, sessionID string) error {
	s, err := c.Get(sessionID)
	if err != nil {
		return err
	}

	return c.WithLock(ctx, sessionID, func(ctx context.Context) error {
		if s.State().IsActive() {
			if err := s.Cancel(ctx); err != nil && !errors.Is(err, domain.ErrIllegalTransition) {
				return err
			}
			if _, err := s.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for session %s to stop: %w", sessionID, err)
			}
		}

		snap := s.Snapshot()
		if c.archive != nil && snap.State.IsTerminal() {
			rec := s.Views().Record(snap)
			rec.ArchivedAt = time.Now().UTC()
			if err := c.archive.Put(ctx, rec); err != nil {
				return fmt.Errorf("failed to archive session %s: %w", sessionID, err)
			}
		}
		s.Release()

		c.mu.Lock()
		delete(c.sessions, sessionID)
		for i, id := range c.order {
			if id == sessionID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

		c.logger.Info("session closed", "session_id", sessionID, "state", snap.State)
		return nil
	})
}

// Shutdown closes every session, cancelling active ones.
func (c *Controller) Shutdown(ctx context.Context) error {
	var errs []error
	for _, snap := range c.List() {
		if err := c.Close(ctx, snap.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
