package ports

import (
	"context"

	"github.com/aretw0/binlens/pkg/domain"
)

// ConfigStore persists analysis configs keyed by a user-chosen name.
// Loaded configs are not committed; callers run them through config.Validate.
type ConfigStore interface {
	Save(ctx context.Context, name string, cfg domain.AnalysisConfig) error

	// Load returns domain.ErrConfigNotFound if the name does not exist.
	Load(ctx context.Context, name string) (domain.AnalysisConfig, error)

	Delete(ctx context.Context, name string) error

	List(ctx context.Context) ([]string, error)
}

// Archive keeps the records of closed sessions.
type Archive interface {
	Put(ctx context.Context, rec domain.SessionRecord) error

	// Get returns domain.ErrSessionNotFound if no record exists for id.
	Get(ctx context.Context, sessionID string) (domain.SessionRecord, error)

	// List returns the archived session IDs, oldest first.
	List(ctx context.Context) ([]string, error)
}
