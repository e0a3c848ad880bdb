package domain

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDiff(t *testing.T) {
	running := StateRunning
	failed := StateFailed
	reason := "segfault in engine"
	now := time.Now()

	tests := []struct {
		name     string
		old      *Session
		new      *Session
		wantDiff *SessionDiff // nil means we expect no diff
	}{
		{
			name:     "Initial Load (Old is Nil)",
			old:      nil,
			new:      &Session{ID: "sess-1", State: StateRunning, StartedAt: &now},
			wantDiff: &SessionDiff{SessionID: "sess-1", State: &running, Started: true},
		},
		{
			name:     "No Changes",
			old:      &Session{ID: "sess-1", State: StateRunning, StartedAt: &now},
			new:      &Session{ID: "sess-1", State: StateRunning, StartedAt: &now},
			wantDiff: nil,
		},
		{
			name: "Failure With Reason",
			old:  &Session{ID: "sess-1", State: StateRunning, StartedAt: &now},
			new: &Session{
				ID:         "sess-1",
				State:      StateFailed,
				StartedAt:  &now,
				EndedAt:    &now,
				ExitReason: reason,
			},
			wantDiff: &SessionDiff{SessionID: "sess-1", State: &failed, ExitReason: &reason, Ended: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			if !reflect.DeepEqual(got, tt.wantDiff) {
				gotJSON, _ := json.Marshal(got)
				wantJSON, _ := json.Marshal(tt.wantDiff)
				t.Errorf("Diff() = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestDiff_JSONOmitsUnchanged(t *testing.T) {
	running := StateRunning
	d := &SessionDiff{SessionID: "s", State: &running}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "exit_reason") {
		t.Errorf("expected exit_reason to be omitted, got %s", b)
	}
}
