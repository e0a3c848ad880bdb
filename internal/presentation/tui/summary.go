package tui

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
)

// Summary is a point-in-time copy of a session and its views.
type Summary struct {
	Session domain.Session
	Tally   views.TallySnapshot
	Logs    views.LogSnapshot
	Trace   []domain.Invocation
	// Undetected lists catalogue categories without a finding.
	Undetected []string
}

// SummaryOf copies the current state of sess.
func SummaryOf(sess *session.Session) Summary {
	vs := sess.Views()
	report := vs.TallyReport()
	return Summary{
		Session:    sess.Snapshot(),
		Tally:      report.Counts,
		Logs:       vs.Logs.Current(),
		Trace:      vs.Trace.Current(),
		Undetected: report.Undetected,
	}
}

// Markdown renders the summary with the newest tail log lines.
func (s Summary) Markdown(tail int) string {
	var b strings.Builder
	snap := s.Session

	fmt.Fprintf(&b, "# Session `%s`\n\n", snap.ID)
	fmt.Fprintf(&b, "**State:** %s", snap.State)
	if snap.ExitReason != "" {
		fmt.Fprintf(&b, " (%s)", snap.ExitReason)
	}
	if snap.StartedAt != nil && snap.EndedAt != nil {
		fmt.Fprintf(&b, " in %s", snap.EndedAt.Sub(*snap.StartedAt).Round(time.Millisecond))
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Target:** `%s` on %s, %d entrypoint(s)\n\n", orDash(snap.Config.Target), snap.Config.ISA, len(snap.Config.Entrypoints))

	fmt.Fprintf(&b, "## Findings (%d)\n\n", s.Tally.Total())
	if len(s.Tally) == 0 {
		b.WriteString("_No findings._\n\n")
	} else {
		b.WriteString("| Category | Count |\n|---|---:|\n")
		cats := s.Tally.Categories()
		slices.SortStableFunc(cats, func(a, c string) int {
			return cmp.Compare(s.Tally[c], s.Tally[a])
		})
		for _, c := range cats {
			fmt.Fprintf(&b, "| %s | %d |\n", c, s.Tally[c])
		}
		b.WriteString("\n")
	}
	if len(s.Undetected) > 0 {
		fmt.Fprintf(&b, "## Not detected (%d)\n\n%s\n\n", len(s.Undetected), strings.Join(s.Undetected, ", "))
	}

	fmt.Fprintf(&b, "## Invocations (%d)\n\n", len(s.Trace))
	for _, inv := range lastN(s.Trace, 5) {
		fmt.Fprintf(&b, "- `%s`\n", strings.Join(inv.ResolvedArgs, " "))
	}
	if len(s.Trace) > 0 {
		b.WriteString("\n")
	}

	entries := lastN(s.Logs.Entries, tail)
	fmt.Fprintf(&b, "## Log (last %d of %d)\n\n", len(entries), s.Logs.Total)
	if len(entries) > 0 {
		b.WriteString("```\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%6d %-5s %s\n", e.Sequence, strings.ToUpper(string(e.Level)), e.Text)
		}
		b.WriteString("```\n")
	}
	return b.String()
}

func lastN[T any](s []T, n int) []T {
	if n < 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
