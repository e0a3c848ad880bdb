package tui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, engine *memory.Engine, opts ...session.SessionOption) *session.Session {
	t.Helper()
	cfg, err := config.Parse([]byte("isa: x86_64\ntimeout_seconds: 0\ntarget: /bin/ls\nentrypoints: [main]\n"), ".yaml")
	require.NoError(t, err)
	sess, err := session.New("s-1", cfg, engine, opts...)
	require.NoError(t, err)
	return sess
}

func TestSummary_Markdown(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	s := Summary{
		Session: domain.Session{
			ID:         "abc",
			State:      domain.StateCompleted,
			ExitReason: domain.ExitSuccess,
			StartedAt:  &start,
			EndedAt:    &end,
			Config:     domain.AnalysisConfig{ISA: "arm64", Target: "/bin/ls", Entrypoints: []string{"main"}},
		},
		Tally: views.TallySnapshot{"heap-overflow": 1, "use-after-free": 3},
		Logs: views.LogSnapshot{Total: 3, Entries: []domain.LogEntry{
			{Sequence: 1, Level: domain.LevelInfo, Text: "one"},
			{Sequence: 2, Level: domain.LevelWarn, Text: "two"},
		}},
		Trace:      []domain.Invocation{{Pattern: "{entrypoint}", ResolvedArgs: []string{"--entry", "main"}}},
		Undetected: []string{"format-string", "double-free"},
	}

	md := s.Markdown(1)
	assert.Contains(t, md, "# Session `abc`")
	assert.Contains(t, md, "**State:** completed (success) in 1.5s")
	assert.Contains(t, md, "## Findings (4)")
	assert.Less(t, strings.Index(md, "use-after-free"), strings.Index(md, "heap-overflow"), "sorted by count")
	assert.Contains(t, md, "## Not detected (2)\n\nformat-string, double-free")
	assert.Contains(t, md, "- `--entry main`")
	assert.Contains(t, md, "## Log (last 1 of 3)")
	assert.Contains(t, md, "WARN  two")
	assert.NotContains(t, md, "one\n")
}

func TestSummary_Empty(t *testing.T) {
	md := Summary{Session: domain.Session{ID: "x", State: domain.StateIdle}}.Markdown(10)
	assert.Contains(t, md, "_No findings._")
	assert.NotContains(t, md, "Not detected")
	assert.Contains(t, md, "## Log (last 0 of 0)")
	assert.NotContains(t, md, "```")
}

func TestSummaryOf_Catalogue(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(
		memory.Finding("double-free", "0x1"),
		memory.Complete(),
	))
	sess := newSession(t, engine, session.WithCatalogue([]string{"double-free", "stack-overflow"}))
	require.NoError(t, sess.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := sess.Wait(ctx)
	require.NoError(t, err)

	s := SummaryOf(sess)
	assert.Equal(t, views.TallySnapshot{"double-free": 1}, s.Tally)
	assert.Equal(t, []string{"stack-overflow"}, s.Undetected)
	assert.Contains(t, s.Markdown(0), "## Not detected (1)\n\nstack-overflow")
}

func TestConsole_FollowsSession(t *testing.T) {
	engine := memory.NewEngine(memory.WithScript(
		memory.Log(domain.LevelInfo, "loading target"),
		memory.Finding("double-free", "0x1"),
		memory.Log(domain.LevelError, "crash in callee"),
		memory.Complete(),
	))
	sess := newSession(t, engine)

	var buf bytes.Buffer
	c := NewConsole(&buf, termenv.WithProfile(termenv.Ascii))
	detach := c.Attach(sess)

	require.NoError(t, sess.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := sess.Wait(ctx)
	require.NoError(t, err)

	detach()
	c.Close()
	c.Println("after close is ignored")

	out := buf.String()
	assert.Contains(t, out, ">>>  RUNNING ")
	assert.Contains(t, out, "     1 INFO  loading target")
	assert.Contains(t, out, "  ! finding double-free (1)")
	assert.Contains(t, out, "     3 ERROR crash in callee")
	assert.Contains(t, out, ">>>  COMPLETED  success")
	assert.NotContains(t, out, "after close")
	assert.Zero(t, c.Dropped())
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "v1.0.0\n")
	assert.Contains(t, buf.String(), "v1.0.0")
}

func TestNewRenderer(t *testing.T) {
	render := NewRenderer(80)
	out, err := render("# Title\n\nbody")
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
}
