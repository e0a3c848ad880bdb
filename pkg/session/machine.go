package session

import "github.com/aretw0/binlens/pkg/domain"

// Trigger is an event offered to the session state machine.
type Trigger string

const (
	TriggerStart           Trigger = "start"
	TriggerPause           Trigger = "pause"
	TriggerResume          Trigger = "resume"
	TriggerCancel          Trigger = "cancel"
	TriggerEngineCompleted Trigger = "engine_completed"
	TriggerEngineFailed    Trigger = "engine_failed"
	// TriggerLaunchFailed moves a session that never got an engine straight to Failed.
	TriggerLaunchFailed Trigger = "launch_failed"
)

// Triggers lists every trigger, in table order.
var Triggers = []Trigger{
	TriggerStart, TriggerPause, TriggerResume, TriggerCancel,
	TriggerEngineCompleted, TriggerEngineFailed, TriggerLaunchFailed,
}

// States lists every session state.
var States = []domain.SessionState{
	domain.StateIdle, domain.StateRunning, domain.StatePaused,
	domain.StateCompleted, domain.StateFailed, domain.StateCancelled,
}

var transitions = map[domain.SessionState]map[Trigger]domain.SessionState{
	domain.StateIdle: {
		TriggerStart:        domain.StateRunning,
		TriggerLaunchFailed: domain.StateFailed,
	},
	domain.StateRunning: {
		TriggerPause:           domain.StatePaused,
		TriggerCancel:          domain.StateCancelled,
		TriggerEngineCompleted: domain.StateCompleted,
		TriggerEngineFailed:    domain.StateFailed,
	},
	domain.StatePaused: {
		TriggerResume:       domain.StateRunning,
		TriggerCancel:       domain.StateCancelled,
		TriggerEngineFailed: domain.StateFailed,
	},
}

// Next returns the state reached from `from` on trig, or an
// *domain.IllegalTransitionError if the pair is not in the table.
func Next(from domain.SessionState, trig Trigger) (domain.SessionState, error) {
	if to, ok := transitions[from][trig]; ok {
		return to, nil
	}
	return from, &domain.IllegalTransitionError{State: from, Event: string(trig)}
}

// Allowed returns the triggers accepted in state s.
func Allowed(s domain.SessionState) []Trigger {
	var out []Trigger
	for _, trig := range Triggers {
		if _, ok := transitions[s][trig]; ok {
			out = append(out, trig)
		}
	}
	return out
}

// Requestable reports whether a client may issue trig. The other triggers
// come from the engine.
func (t Trigger) Requestable() bool {
	switch t {
	case TriggerStart, TriggerPause, TriggerResume, TriggerCancel:
		return true
	}
	return false
}
