package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/aretw0/binlens/pkg/domain"
)

// Store implements ports.ConfigStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]domain.AnalysisConfig
	mu   sync.RWMutex
}

// NewStore creates a new in-memory config store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]domain.AnalysisConfig),
	}
}

// Save stores a draft copy of cfg under name.
func (s *Store) Save(ctx context.Context, name string, cfg domain.AnalysisConfig) error {
	// Round-tripping through a plain value drops the committed marker, like serialization would.
	stored := domain.AnalysisConfig{
		Target:         cfg.Target,
		ISA:            cfg.ISA,
		TimeoutSeconds: cfg.TimeoutSeconds,
		LibraryPaths:   slices.Clone(cfg.LibraryPaths),
		Entrypoints:    slices.Clone(cfg.Entrypoints),
		CLIArgPatterns: slices.Clone(cfg.CLIArgPatterns),
		MaxCLIArgs:     cfg.MaxCLIArgs,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = stored
	return nil
}

// Load returns a copy of the config stored under name.
func (s *Store) Load(ctx context.Context, name string) (domain.AnalysisConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.data[name]
	if !ok {
		return domain.AnalysisConfig{}, domain.ErrConfigNotFound
	}
	return cfg.Clone(), nil
}

// Delete removes the config.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
	return nil
}

// List returns the stored names sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

// Archive implements ports.Archive in memory.
type Archive struct {
	mu      sync.RWMutex
	records map[string]domain.SessionRecord
}

// NewArchive creates an empty in-memory archive.
func NewArchive() *Archive {
	return &Archive{records: make(map[string]domain.SessionRecord)}
}

// Put stores rec, replacing any record with the same session ID.
func (a *Archive) Put(ctx context.Context, rec domain.SessionRecord) error {
	rec.Tally = maps.Clone(rec.Tally)
	rec.Session.Config = rec.Session.Config.Clone()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.Session.ID] = rec
	return nil
}

// Get returns the record of a session.
func (a *Archive) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[sessionID]
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	rec.Tally = maps.Clone(rec.Tally)
	return rec, nil
}

// List returns archived session IDs, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	recs := slices.Collect(maps.Values(a.records))
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ArchivedAt.Equal(recs[j].ArchivedAt) {
			return recs[i].Session.ID < recs[j].Session.ID
		}
		return recs[i].ArchivedAt.Before(recs[j].ArchivedAt)
	})
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.Session.ID
	}
	return ids, nil
}
