package domain

import (
	"fmt"
	"time"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventLogLine            EventKind = "log_line"
	EventStatusChanged      EventKind = "status_changed"
	EventFindingReported    EventKind = "finding_reported"
	EventInvocationRecorded EventKind = "invocation_recorded"
	EventRunTerminated      EventKind = "run_terminated"
)

// LogLevel is the severity of an engine log line.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of the engine log.
type LogEntry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     LogLevel  `json:"level"`
}

// Finding is a single reported vulnerability instance.
type Finding struct {
	Category string `json:"category"`
	Location string `json:"location,omitempty"`
	Sequence uint64 `json:"sequence"`
}

// Invocation is one CLI invocation the engine performed.
type Invocation struct {
	Pattern      string   `json:"pattern"`
	ResolvedArgs []string `json:"resolved_args"`
	Sequence     uint64   `json:"sequence"`
}

// EngineStatus is the run status acknowledged by the engine.
type EngineStatus string

const (
	EngineRunning EngineStatus = "running"
	EnginePaused  EngineStatus = "paused"
)

// StatusChange acknowledges a pause or resume request.
type StatusChange struct {
	Status EngineStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Outcome is how an engine run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Termination closes a run.
type Termination struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Event is the tagged union emitted by the engine.
// Exactly one payload pointer matching Kind must be set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Log         *LogEntry     `json:"log,omitempty"`
	Status      *StatusChange `json:"status,omitempty"`
	Finding     *Finding      `json:"finding,omitempty"`
	Invocation  *Invocation   `json:"invocation,omitempty"`
	Termination *Termination  `json:"termination,omitempty"`
}

// Validate reports why an event cannot be applied, or nil.
func (e Event) Validate() error {
	if e.Sequence == 0 {
		return fmt.Errorf("event %q: sequence must be >= 1", e.Kind)
	}
	var ok bool
	switch e.Kind {
	case EventLogLine:
		ok = e.Log != nil
	case EventStatusChanged:
		ok = e.Status != nil && (e.Status.Status == EngineRunning || e.Status.Status == EnginePaused)
	case EventFindingReported:
		ok = e.Finding != nil && e.Finding.Category != ""
	case EventInvocationRecorded:
		ok = e.Invocation != nil
	case EventRunTerminated:
		ok = e.Termination != nil
		if ok {
			switch e.Termination.Outcome {
			case OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
			default:
				ok = false
			}
		}
	default:
		return fmt.Errorf("event %d: unknown kind %q", e.Sequence, e.Kind)
	}
	if !ok {
		return fmt.Errorf("event %d: missing or invalid %s payload", e.Sequence, e.Kind)
	}
	return nil
}

// LogLine builds a log_line event.
func LogLine(seq uint64, level LogLevel, text string) Event {
	now := time.Now()
	return Event{
		Kind:      EventLogLine,
		Sequence:  seq,
		Timestamp: now,
		Log:       &LogEntry{Sequence: seq, Timestamp: now, Text: text, Level: level},
	}
}

// FindingReported builds a finding_reported event.
func FindingReported(seq uint64, category, location string) Event {
	return Event{
		Kind:      EventFindingReported,
		Sequence:  seq,
		Timestamp: time.Now(),
		Finding:   &Finding{Category: category, Location: location, Sequence: seq},
	}
}

// InvocationRecorded builds an invocation_recorded event.
func InvocationRecorded(seq uint64, pattern string, args ...string) Event {
	return Event{
		Kind:       EventInvocationRecorded,
		Sequence:   seq,
		Timestamp:  time.Now(),
		Invocation: &Invocation{Pattern: pattern, ResolvedArgs: args, Sequence: seq},
	}
}

// StatusChanged builds a status_changed event.
func StatusChanged(seq uint64, status EngineStatus) Event {
	return Event{
		Kind:      EventStatusChanged,
		Sequence:  seq,
		Timestamp: time.Now(),
		Status:    &StatusChange{Status: status},
	}
}

// RunTerminated builds a run_terminated event.
func RunTerminated(seq uint64, outcome Outcome, reason string) Event {
	return Event{
		Kind:        EventRunTerminated,
		Sequence:    seq,
		Timestamp:   time.Now(),
		Termination: &Termination{Outcome: outcome, Reason: reason},
	}
}

// SequenceGap is the warning raised when buffered events are applied
// without the missing sequences [From, To] ever arriving.
type SequenceGap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (g SequenceGap) String() string {
	if g.From == g.To {
		return fmt.Sprintf("sequence gap detected: missing %d", g.From)
	}
	return fmt.Sprintf("sequence gap detected: missing %d..%d", g.From, g.To)
}
