package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound is returned when a session ID is unknown to a controller or archive.
var ErrSessionNotFound = errors.New("session not found")

// ErrConfigNotFound is returned when a named config does not exist in a store.
var ErrConfigNotFound = errors.New("config not found")

// ErrNotCommitted is returned when a draft config is used where a committed one is required.
var ErrNotCommitted = errors.New("config is not committed")

var (
	ErrValidation        = errors.New("validation failed")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflict          = errors.New("another session is active")
	ErrEngineLaunch      = errors.New("engine launch failed")
)

// FieldError is a single field validation failure.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

func (e *FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %q: %s (got %v)", e.Field, e.Reason, e.Value)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// ValidationError aggregates every violation found while committing a config.
type ValidationError struct {
	Fields []*FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return e.Fields[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:\n", len(e.Fields))
	for i, f := range e.Fields {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, f.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// For returns the violations recorded for one field.
func (e *ValidationError) For(field string) []*FieldError {
	var out []*FieldError
	for _, f := range e.Fields {
		if f.Field == field {
			out = append(out, f)
		}
	}
	return out
}

// FieldErrors returns all field errors if err is a *ValidationError, otherwise nil.
func FieldErrors(err error) []*FieldError {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Fields
	}
	return nil
}

// IllegalTransitionError reports an event that the current state does not accept.
type IllegalTransitionError struct {
	State SessionState
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s while %s", e.Event, e.State)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// ConflictError is returned when a start is attempted while another session is active.
type ConflictError struct {
	ActiveID string
	State    SessionState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is %s: only one active session allowed", e.ActiveID, e.State)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// EngineLaunchError wraps the cause of a failed engine start.
type EngineLaunchError struct {
	Cause error
}

func (e *EngineLaunchError) Error() string {
	return fmt.Sprintf("engine launch failed: %v", e.Cause)
}

func (e *EngineLaunchError) Unwrap() []error { return []error{ErrEngineLaunch, e.Cause} }
