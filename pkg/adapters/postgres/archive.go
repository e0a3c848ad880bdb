// Package postgres implements ports.Archive on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable holds one row per archived session.
const DefaultTable = "binlens_sessions"

// NotifyChannel receives the session ID after every Put.
const NotifyChannel = "binlens_archived"

// Archive stores session records in a single table. The full record is kept
// as JSONB next to the columns used for ordering and filtering.
type Archive struct {
	Pool  *pgxpool.Pool
	table string
	owned bool
}

var _ ports.Archive = (*Archive)(nil)

// Option configures the archive.
type Option func(*Archive)

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(a *Archive) {
		a.table = name
	}
}

// Open connects to url and ensures the schema exists.
func Open(ctx context.Context, url string, opts ...Option) (*Archive, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := NewFromPool(pool, opts...)
	a.owned = true
	if err := a.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// NewFromPool wraps an existing pool. The caller keeps ownership of the pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Archive {
	a := &Archive{Pool: pool, table: DefaultTable}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EnsureSchema creates the table and its ordering index if missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	ident := pgx.Identifier{a.table}.Sanitize()
	idx := pgx.Identifier{a.table + "_archived_at"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          text PRIMARY KEY,
			state       text NOT NULL,
			exit_reason text NOT NULL DEFAULT '',
			started_at  timestamptz,
			ended_at    timestamptz,
			archived_at timestamptz NOT NULL,
			record      jsonb NOT NULL
		)`, ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (archived_at, id)`, idx, ident),
	}
	for _, stmt := range stmts {
		if _, err := a.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Put upserts the record.
func (a *Archive) Put(ctx context.Context, rec domain.SessionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	s := rec.Session
	_, err = a.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, state, exit_reason, started_at, ended_at, archived_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state=EXCLUDED.state,
		    exit_reason=EXCLUDED.exit_reason,
		    started_at=EXCLUDED.started_at,
		    ended_at=EXCLUDED.ended_at,
		    archived_at=EXCLUDED.archived_at,
		    record=EXCLUDED.record
	`, pgx.Identifier{a.table}.Sanitize()),
		s.ID, string(s.State), s.ExitReason, s.StartedAt, s.EndedAt, rec.ArchivedAt, body)
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	_, _ = a.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, s.ID)
	return nil
}

// Get loads the record of a session.
func (a *Archive) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	var body []byte
	err := a.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT record FROM %s WHERE id=$1`, pgx.Identifier{a.table}.Sanitize()),
		sessionID,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionRecord{}, domain.ErrSessionNotFound
		}
		return domain.SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return rec, nil
}

// List returns archived session IDs, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	rows, err := a.Pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM %s ORDER BY archived_at, id`, pgx.Identifier{a.table}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Close releases the pool if the archive opened it.
func (a *Archive) Close() {
	if a.owned {
		a.Pool.Close()
	}
}
