package engine

import (
	"fmt"
	"strings"
)

// InvalidTransitionError is returned when a lifecycle command asks for a
// stage or status move the state machine does not allow.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IncompleteCalibrationError is returned when a session is asked to
// complete while in-scope reviews are still unresolved.
type IncompleteCalibrationError struct {
	SessionID  string
	Unresolved []string
}

func (e IncompleteCalibrationError) Error() string {
	return fmt.Sprintf("calibration session %s has %d unresolved reviews: %s",
		e.SessionID, len(e.Unresolved), strings.Join(e.Unresolved, ", "))
}
