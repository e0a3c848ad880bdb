package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunConfigStoreContract runs a suite of tests to verify that a ConfigStore
// implementation adheres to the defined interface contract.
func RunConfigStoreContract(t *testing.T, store ConfigStore) {
	ctx := context.Background()
	name := "contract-" + time.Now().Format("20060102150405")

	cfg := domain.AnalysisConfig{
		Target:         "/bin/target",
		ISA:            domain.ISAx86_64,
		TimeoutSeconds: 60,
		LibraryPaths: []domain.LibraryPath{
			{Path: "/usr/lib", Kind: domain.LibraryShared},
			{Path: "/opt/static", Kind: domain.LibraryStatic},
		},
		Entrypoints:    []string{"main", "0x401000"},
		CLIArgPatterns: []string{"--entry {entrypoint}", "-t {timeout}"},
		MaxCLIArgs:     5,
	}

	t.Run("Save and Load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, name, cfg), "Save should not return error")

		loaded, err := store.Load(ctx, name)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, cfg.Target, loaded.Target)
		assert.Equal(t, cfg.ISA, loaded.ISA)
		assert.Equal(t, cfg.TimeoutSeconds, loaded.TimeoutSeconds)
		assert.Equal(t, cfg.LibraryPaths, loaded.LibraryPaths, "library order is search precedence")
		assert.Equal(t, cfg.Entrypoints, loaded.Entrypoints)
		assert.Equal(t, cfg.CLIArgPatterns, loaded.CLIArgPatterns)
		assert.Equal(t, cfg.MaxCLIArgs, loaded.MaxCLIArgs)
		assert.False(t, loaded.Committed(), "stored configs come back as drafts")
	})

	t.Run("Overwrite", func(t *testing.T) {
		next := cfg.Clone()
		next.ISA = domain.ISAArm64
		require.NoError(t, store.Save(ctx, name, next))

		loaded, err := store.Load(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, domain.ISAArm64, loaded.ISA)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+name)
		assert.ErrorIs(t, err, domain.ErrConfigNotFound)
	})

	t.Run("List", func(t *testing.T) {
		other := name + "-other"
		require.NoError(t, store.Save(ctx, other, cfg))
		defer func() { _ = store.Delete(ctx, other) }()

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, name)
		assert.Contains(t, names, other)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, name), "Delete should not return error")

		_, err := store.Load(ctx, name)
		assert.ErrorIs(t, err, domain.ErrConfigNotFound, "Load after Delete should return ErrConfigNotFound")
	})
}

// RunArchiveContract verifies that an Archive implementation keeps session
// records retrievable by ID and lists them oldest first.
func RunArchiveContract(t *testing.T, archive Archive) {
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405")

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	record := func(id string, archivedAt time.Time) domain.SessionRecord {
		return domain.SessionRecord{
			Session: domain.Session{
				ID: id,
				Config: domain.AnalysisConfig{
					ISA:         domain.ISAArm32,
					Entrypoints: []string{"main"},
				},
				State:      domain.StateCompleted,
				StartedAt:  &started,
				EndedAt:    &ended,
				ExitReason: domain.ExitSuccess,
			},
			Tally:       map[string]int{"buffer-overflow": 2, "format-string": 1},
			LogLines:    120,
			Invocations: 3,
			ArchivedAt:  archivedAt,
		}
	}

	first := record(prefix+"-a", ended.Add(time.Minute))
	second := record(prefix+"-b", ended.Add(2*time.Minute))

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, archive.Put(ctx, first))

		got, err := archive.Get(ctx, first.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Session.ID, got.Session.ID)
		assert.Equal(t, domain.StateCompleted, got.Session.State)
		assert.Equal(t, domain.ExitSuccess, got.Session.ExitReason)
		assert.Equal(t, first.Tally, got.Tally)
		assert.Equal(t, 120, got.LogLines)
		assert.Equal(t, 3, got.Invocations)
		require.NotNil(t, got.Session.StartedAt)
		assert.True(t, started.Equal(*got.Session.StartedAt))
		assert.Equal(t, []string{"main"}, got.Session.Config.Entrypoints)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := archive.Get(ctx, "non-existent-"+prefix)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("List Oldest First", func(t *testing.T) {
		require.NoError(t, archive.Put(ctx, second))

		ids, err := archive.List(ctx)
		require.NoError(t, err)

		ia, ib := -1, -1
		for i, id := range ids {
			switch id {
			case first.Session.ID:
				ia = i
			case second.Session.ID:
				ib = i
			}
		}
		require.NotEqual(t, -1, ia)
		require.NotEqual(t, -1, ib)
		assert.Less(t, ia, ib)
	})
}
