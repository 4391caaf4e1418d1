package event

import (
	"strings"
	"time"
)

// Type identifies the type of a domain event.
type Type string

// Review cycle events.
const (
	// TypeCycleCreated records the creation of a review cycle.
	TypeCycleCreated Type = "review_cycle.created"
	// TypeCycleStatusChanged records a review cycle stage transition.
	TypeCycleStatusChanged Type = "review_cycle.status_changed"
	// TypeCycleLaunched records the launch of a review cycle with the
	// participant count resolved once from the participant criteria.
	TypeCycleLaunched Type = "review_cycle.launched"
	// TypeGraceOverrideSet records toggling a cycle's grace override
	// flag. Unlike status_changed, the stage does not move.
	TypeGraceOverrideSet Type = "review_cycle.grace_override_set"
)

// Review events.
const (
	// TypeReviewCreated records the creation of a review.
	TypeReviewCreated Type = "review.created"
	// TypeReviewSubmitted records a reviewer submitting a rating.
	TypeReviewSubmitted Type = "review.submitted"
	// TypeReviewShared records a review being shared with the reviewee.
	TypeReviewShared Type = "review.shared"
	// TypeReviewAcknowledged records the reviewee acknowledging a review.
	TypeReviewAcknowledged Type = "review.acknowledged"
)

// Calibration events.
const (
	// TypeSessionScheduled records the creation of a calibration session.
	TypeSessionScheduled Type = "calibration.session_scheduled"
	// TypeSessionStarted records a session entering progress with its
	// participant-count snapshot.
	TypeSessionStarted Type = "calibration.session_started"
	// TypeSessionCompleted records the completion of a session.
	TypeSessionCompleted Type = "calibration.session_completed"
	// TypeSessionCancelled records the cancellation of a session.
	TypeSessionCancelled Type = "calibration.session_cancelled"
	// TypeRatingAdjusted records a calibrated rating adjustment.
	TypeRatingAdjusted Type = "calibration.rating_adjusted"
	// TypeReviewUnchanged records a review explicitly left unchanged.
	TypeReviewUnchanged Type = "calibration.review_unchanged"
	// TypeBiasAlert is an informational alert from a bias detector.
	TypeBiasAlert Type = "calibration.bias_alert"
)

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "review_cycle").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Metadata travels with every event. CorrelationID links all events of one
// business operation; CausationID points at the event that triggered this
// one, if any.
type Metadata struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	SchemaVersion int       `json:"schema_version"`
}

// Event is an immutable domain event. Construct with New; events are
// passed by value and never mutated after construction.
type Event struct {
	Type    Type     `json:"type"`
	Payload any      `json:"payload"`
	Meta    Metadata `json:"metadata"`
}
