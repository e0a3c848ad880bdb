package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// Archive implements ports.Archive as one JSON file per closed session.
type Archive struct {
	BasePath string
}

var _ ports.Archive = (*Archive)(nil)

// NewArchive creates an Archive. An empty basePath defaults to ".binlens/sessions".
func NewArchive(basePath string) *Archive {
	if basePath == "" {
		basePath = filepath.Join(".binlens", "sessions")
	}
	return &Archive{BasePath: basePath}
}

func (a *Archive) path(id string) (string, error) {
	if id == "" || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(a.BasePath, id+".json"), nil
}

// Put writes the record atomically.
func (a *Archive) Put(ctx context.Context, rec domain.SessionRecord) error {
	path, err := a.path(rec.Session.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	return writeAtomic(path, data)
}

// Get reads the record of a session.
func (a *Archive) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	path, err := a.path(sessionID)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.SessionRecord{}, domain.ErrSessionNotFound
		}
		return domain.SessionRecord{}, fmt.Errorf("failed to read session record: %w", err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return rec, nil
}

// List returns archived session IDs, oldest first. It reads every record.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	ids, err := listNames(a.BasePath, ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	recs := make([]domain.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ArchivedAt.Equal(recs[j].ArchivedAt) {
			return recs[i].Session.ID < recs[j].Session.ID
		}
		return recs[i].ArchivedAt.Before(recs[j].ArchivedAt)
	})
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Session.ID
	}
	return out, nil
}
