package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// Mask replaces every redacted match.
const Mask = "***"

type redactMiddleware struct {
	next     ports.Archive
	patterns []*regexp.Regexp
}

// NewRedactMiddleware creates a middleware that masks the parts of archived
// paths and exit reasons matching any of the patterns, e.g. `/home/[^/]+`.
func NewRedactMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, 0, len(patternStrings))
	for _, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return func(next ports.Archive) ports.Archive {
		return &redactMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *redactMiddleware) Put(ctx context.Context, rec domain.SessionRecord) error {
	// Copy so the live session keeps its config untouched.
	cloned := rec
	cloned.Session.Config = rec.Session.Config.Clone()

	cfg := &cloned.Session.Config
	cfg.Target = m.mask(cfg.Target)
	for i := range cfg.LibraryPaths {
		cfg.LibraryPaths[i].Path = m.mask(cfg.LibraryPaths[i].Path)
	}
	cloned.Session.ExitReason = m.mask(cloned.Session.ExitReason)

	return m.next.Put(ctx, cloned)
}

func (m *redactMiddleware) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	return m.next.Get(ctx, sessionID)
}

func (m *redactMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *redactMiddleware) mask(s string) string {
	for _, p := range m.patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}
