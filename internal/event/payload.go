package event

// CycleCreatedPayload captures the payload for review_cycle.created events.
type CycleCreatedPayload struct {
	CycleID string `json:"cycle_id"`
	Name    string `json:"name"`
}

// CycleStatusChangedPayload captures the payload for
// review_cycle.status_changed events.
type CycleStatusChangedPayload struct {
	CycleID    string `json:"cycle_id"`
	FromStage  string `json:"from_stage"`
	ToStage    string `json:"to_stage"`
	ActorID    string `json:"actor_id"`
	GraceUsed  bool   `json:"grace_used,omitempty"`
	CancelNote string `json:"cancel_note,omitempty"`
}

// CycleLaunchedPayload captures the payload for review_cycle.launched
// events. ParticipantCount is resolved once at launch.
type CycleLaunchedPayload struct {
	CycleID          string `json:"cycle_id"`
	ParticipantCount int    `json:"participant_count"`
}

// GraceOverrideSetPayload captures the payload for
// review_cycle.grace_override_set events.
type GraceOverrideSetPayload struct {
	CycleID string `json:"cycle_id"`
	Enabled bool   `json:"enabled"`
	ActorID string `json:"actor_id"`
}

// ReviewCreatedPayload captures the payload for review.created events.
type ReviewCreatedPayload struct {
	ReviewID   string `json:"review_id"`
	CycleID    string `json:"cycle_id"`
	RevieweeID string `json:"reviewee_id"`
	ReviewerID string `json:"reviewer_id"`
	ReviewType string `json:"review_type"`
}

// ReviewSubmittedPayload captures the payload for review.submitted events.
type ReviewSubmittedPayload struct {
	ReviewID string `json:"review_id"`
	CycleID  string `json:"cycle_id"`
	Rating   int    `json:"rating"`
}

// ReviewSharedPayload captures the payload for review.shared events.
type ReviewSharedPayload struct {
	ReviewID string `json:"review_id"`
	CycleID  string `json:"cycle_id"`
}

// ReviewAcknowledgedPayload captures the payload for review.acknowledged
// events.
type ReviewAcknowledgedPayload struct {
	ReviewID string `json:"review_id"`
	CycleID  string `json:"cycle_id"`
}

// SessionScheduledPayload captures the payload for
// calibration.session_scheduled events.
type SessionScheduledPayload struct {
	SessionID string `json:"session_id"`
	CycleID   string `json:"cycle_id"`
}

// SessionStartedPayload captures the payload for
// calibration.session_started events. ParticipantCount is a snapshot at
// session start and stays fixed even if membership changes later.
type SessionStartedPayload struct {
	SessionID        string `json:"session_id"`
	CycleID          string `json:"cycle_id"`
	ParticipantCount int    `json:"participant_count"`
	ScopeSize        int    `json:"scope_size"`
}

// SessionCompletedPayload captures the payload for
// calibration.session_completed events.
type SessionCompletedPayload struct {
	SessionID      string `json:"session_id"`
	CycleID        string `json:"cycle_id"`
	AdjustedCount  int    `json:"adjusted_count"`
	UnchangedCount int    `json:"unchanged_count"`
}

// SessionCancelledPayload captures the payload for
// calibration.session_cancelled events.
type SessionCancelledPayload struct {
	SessionID string `json:"session_id"`
	CycleID   string `json:"cycle_id"`
	Reason    string `json:"reason,omitempty"`
}

// RatingAdjustedPayload captures the payload for
// calibration.rating_adjusted events. Rationale is mandatory; events
// without one fail schema validation and are never persisted.
type RatingAdjustedPayload struct {
	ReviewID       string `json:"review_id"`
	SessionID      string `json:"session_id"`
	OriginalRating int    `json:"original_rating"`
	AdjustedRating int    `json:"adjusted_rating"`
	AdjustedBy     string `json:"adjusted_by"`
	Rationale      string `json:"rationale"`
}

// ReviewUnchangedPayload captures the payload for
// calibration.review_unchanged events.
type ReviewUnchangedPayload struct {
	ReviewID  string `json:"review_id"`
	SessionID string `json:"session_id"`
	MarkedBy  string `json:"marked_by"`
}

// BiasAlertPayload captures the payload for calibration.bias_alert
// events. Alerts are informational and never block completion.
type BiasAlertPayload struct {
	SessionID       string   `json:"session_id"`
	Severity        string   `json:"severity"`
	Description     string   `json:"description"`
	AffectedReviews []string `json:"affected_reviews,omitempty"`
}
