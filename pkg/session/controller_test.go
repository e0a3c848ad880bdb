package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/adapters/redis"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("s-%d", n)
	}
}

func TestController_CreateRequiresCommittedConfig(t *testing.T) {
	c := session.NewController(memory.NewEngine())
	_, err := c.Create(domain.AnalysisConfig{Entrypoints: []string{"main"}})
	assert.ErrorIs(t, err, domain.ErrNotCommitted)
	assert.Empty(t, c.List())
}

// Scenario D: a second start while one session runs is a conflict.
func TestController_ScenarioD_Conflict(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	c := session.NewController(engine, session.WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	first, err := c.Create(committed(t, 60))
	require.NoError(t, err)
	second, err := c.Create(committed(t, 60))
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx, first.ID()))
	before := first.Snapshot()

	err = c.Start(ctx, second.ID())
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, first.ID(), conflict.ActiveID)
	assert.Equal(t, domain.StateRunning, conflict.State)

	assert.Equal(t, before, first.Snapshot(), "existing session untouched")
	assert.Equal(t, domain.StateIdle, second.State())
	assert.Len(t, engine.Runs(), 1)

	// Paused still counts as active.
	engine.Last().Emit(domain.StatusChanged(0, domain.EnginePaused))
	waitState(t, first, domain.StatePaused)
	assert.ErrorIs(t, c.Start(ctx, second.ID()), domain.ErrConflict)

	// Once the first run ends the slot is free.
	engine.Last().Step(memory.Fail("crashed"))
	wait(t, first)
	require.NoError(t, c.Start(ctx, second.ID()))
	assert.Equal(t, domain.StateRunning, second.State())
}

func TestController_ConcurrentStarts(t *testing.T) {
	engine := memory.NewEngine(memory.WithManualAck())
	c := session.NewController(engine)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		s, err := c.Create(committed(t, 60))
		require.NoError(t, err)
		ids[i] = s.ID()
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		started   int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.Start(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if assert.ErrorIs(t, err, domain.ErrConflict) {
				conflicts++
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, n-1, conflicts)
}

func TestController_GetListClose(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(memory.Finding("uaf", ""), memory.Complete()))
	archive := memory.NewArchive()
	c := session.NewController(engine,
		session.WithArchive(archive),
		session.WithIDGenerator(sequentialIDs()),
	)
	ctx := context.Background()

	s, err := c.Create(committed(t, 60))
	require.NoError(t, err)
	idle, err := c.Create(committed(t, 60))
	require.NoError(t, err)

	got, err := c.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, []string{"s-1", "s-2"}, []string{list[0].ID, list[1].ID})

	require.NoError(t, c.Start(ctx, s.ID()))
	wait(t, s)
	require.NoError(t, c.Close(ctx, s.ID()))
	require.NoError(t, c.Close(ctx, idle.ID()))

	_, err = c.Get(s.ID())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Empty(t, c.List())

	rec, err := archive.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.Session.State)
	assert.Equal(t, 1, rec.Tally["uaf"])
	assert.False(t, rec.ArchivedAt.IsZero())

	_, err = archive.Get(ctx, idle.ID())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "sessions that never ran are not archived")
}

func TestController_CloseCancelsActive(t *testing.T) {
	engine := memory.NewEngine(
		memory.WithStepDelay(time.Hour),
		memory.WithScript(memory.Complete()),
	)
	archive := memory.NewArchive()
	c := session.NewController(engine, session.WithArchive(archive))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	s, err := c.Create(committed(t, 60))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, s.ID()))

	require.NoError(t, c.Close(ctx, s.ID()))
	assert.Equal(t, domain.StateCancelled, s.State())

	rec, err := archive.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.ExitCancelled, rec.Session.ExitReason)
}

func TestController_ControlUnknownSession(t *testing.T) {
	c := session.NewController(memory.NewEngine())
	ctx := context.Background()
	assert.ErrorIs(t, c.Start(ctx, "nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, c.Pause(ctx, "nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, c.Resume(ctx, "nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, c.Cancel(ctx, "nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, c.Close(ctx, "nope"), domain.ErrSessionNotFound)
}

func TestController_DistributedConflict(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})

	// Two replicas share one redis.
	lockerA := redis.NewLocker(client, "binlens:")
	lockerB := redis.NewLocker(client, "binlens:")
	engineA := memory.NewEngine(memory.WithManualAck())
	engineB := memory.NewEngine(memory.WithManualAck())
	replicaA := session.NewController(engineA, session.WithLocker(lockerA, 200*time.Millisecond, time.Minute))
	replicaB := session.NewController(engineB, session.WithLocker(lockerB, 200*time.Millisecond, time.Minute))
	ctx := context.Background()

	a, err := replicaA.Create(committed(t, 60))
	require.NoError(t, err)
	b, err := replicaB.Create(committed(t, 60))
	require.NoError(t, err)

	require.NoError(t, replicaA.Start(ctx, a.ID()))

	err = replicaB.Start(ctx, b.ID())
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, session.RemoteHolder, conflict.ActiveID)
	assert.Equal(t, domain.StateIdle, b.State())

	// Ending the run on A releases the lock for B.
	engineA.Last().Step(memory.Complete())
	wait(t, a)
	require.Eventually(t, func() bool {
		return !mr.Exists("binlens:lock:" + session.ActiveLockKey)
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, replicaB.Start(ctx, b.ID()))
	assert.Equal(t, domain.StateRunning, b.State())
}
