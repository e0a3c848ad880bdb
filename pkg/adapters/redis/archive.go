package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/binlens/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultArchivePrefix namespaces archived session records.
const DefaultArchivePrefix = "binlens:archive:"

// Archive implements ports.Archive using Redis. Records are JSON values;
// a ZSET scored by archive time keeps them ordered.
type Archive struct {
	client *backend.Client
	prefix string
}

// NewArchive creates an archive on client under prefix (DefaultArchivePrefix if empty).
func NewArchive(client *backend.Client, prefix string) *Archive {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return &Archive{client: client, prefix: prefix}
}

func (a *Archive) key(id string) string { return a.prefix + id }

func (a *Archive) indexKey() string { return a.prefix + "index" }

// Put stores rec.
func (a *Archive) Put(ctx context.Context, rec domain.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.key(rec.Session.ID), data, 0)
	pipe.ZAdd(ctx, a.indexKey(), backend.Z{
		Score:  float64(rec.ArchivedAt.UnixMilli()),
		Member: rec.Session.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive to redis: %w", err)
	}
	return nil
}

// Get loads the record of a session.
func (a *Archive) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	val, err := a.client.Get(ctx, a.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.SessionRecord{}, domain.ErrSessionNotFound
		}
		return domain.SessionRecord{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// List returns archived IDs, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	ids, err := a.client.ZRange(ctx, a.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	return ids, nil
}
