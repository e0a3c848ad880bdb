package domain

// SessionDiff represents the changes between two session snapshots.
// It is designed to be serialized to JSON for partial updates on the client.
type SessionDiff struct {
	// SessionID is always present to identify the target.
	SessionID string `json:"session_id"`

	State      *SessionState `json:"state,omitempty"`
	ExitReason *string       `json:"exit_reason,omitempty"`
	Started    bool          `json:"started,omitempty"`
	Ended      bool          `json:"ended,omitempty"`
}

// Diff calculates the difference between two snapshots of the same session.
// If old is nil, the diff describes the whole of next (initial load).
// It returns nil when nothing observable changed.
func Diff(old, next *Session) *SessionDiff {
	if next == nil {
		return nil
	}

	diff := &SessionDiff{SessionID: next.ID}

	if old == nil || old.State != next.State {
		s := next.State
		diff.State = &s
	}
	if next.ExitReason != "" && (old == nil || old.ExitReason != next.ExitReason) {
		r := next.ExitReason
		diff.ExitReason = &r
	}
	if next.StartedAt != nil && (old == nil || old.StartedAt == nil) {
		diff.Started = true
	}
	if next.EndedAt != nil && (old == nil || old.EndedAt == nil) {
		diff.Ended = true
	}

	if diff.State == nil && diff.ExitReason == nil && !diff.Started && !diff.Ended {
		return nil
	}
	return diff
}
