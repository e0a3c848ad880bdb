/*
Package views provides the read-only projections derived from engine events.

Each view is an incremental fold: the ingestion pipeline is the only writer,
readers call Current for an immutable copy or OnChange for push updates.
*/
package views

import (
	"slices"

	"github.com/aretw0/binlens/pkg/domain"
)

// Names used by presentation adapters to select a view.
const (
	NameSession = "session"
	NameLogs    = "logs"
	NameTally   = "tally"
	NameTrace   = "trace"
)

// Set bundles the views owned by one session.
type Set struct {
	Logs  *LogBuffer
	Tally *Tally
	Trace *Trace

	// Catalogue lists the categories the engine can report, in display order.
	Catalogue []string
}

// NewSet creates the views of a session with the given log capacity and
// optional category catalogue.
func NewSet(logCapacity int, catalogue ...string) *Set {
	return &Set{
		Logs:      NewLogBuffer(logCapacity),
		Tally:     NewTally(),
		Trace:     NewTrace(),
		Catalogue: slices.Clone(catalogue),
	}
}

// TallyReport reports the current tally against the catalogue.
func (s *Set) TallyReport() TallyReport {
	return s.Tally.Current().Report(s.Catalogue)
}

// Record builds the archive record of a session from its views.
func (s *Set) Record(sess domain.Session) domain.SessionRecord {
	return domain.SessionRecord{
		Session:     sess,
		Tally:       s.Tally.Current(),
		LogLines:    s.Logs.Current().Total,
		Invocations: s.Trace.Len(),
	}
}
