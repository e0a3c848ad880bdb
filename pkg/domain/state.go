package domain

import "time"

// SessionState is the lifecycle position of an analysis run.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsActive reports whether the engine is live (running or paused).
func (s SessionState) IsActive() bool {
	return s == StateRunning || s == StatePaused
}

// Exit reasons recorded on terminal sessions. Failures carry the engine-supplied text instead.
const (
	ExitSuccess   = "success"
	ExitCancelled = "cancelled"
	ExitTimeout   = "timeout"
)

// Session is a point-in-time copy of one analysis run.
type Session struct {
	ID         string         `json:"id"`
	Config     AnalysisConfig `json:"config"`
	State      SessionState   `json:"state"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	ExitReason string         `json:"exit_reason,omitempty"`
}

// SessionRecord is what gets archived when a session is closed.
type SessionRecord struct {
	Session     Session        `json:"session"`
	Tally       map[string]int `json:"tally"`
	LogLines    int            `json:"log_lines"`
	Invocations int            `json:"invocations"`
	ArchivedAt  time.Time      `json:"archived_at"`
}
