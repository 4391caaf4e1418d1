package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a payload that failed its registered schema.
// Fields maps the failing field name to the problem.
type ValidationError struct {
	Type   Type
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("event %s: invalid payload", e.Type)
	}
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, f := range names {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return fmt.Sprintf("event %s: invalid payload (%s)", e.Type, strings.Join(parts, "; "))
}

type schema struct {
	version    int
	newPayload func() any
	validate   func(p any) map[string]string
}

// Alert severities accepted by the bias-alert schema.
var severities = map[string]bool{"low": true, "medium": true, "high": true}

var registry = map[Type]schema{
	TypeCycleCreated: {
		version:    1,
		newPayload: func() any { return &CycleCreatedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(CycleCreatedPayload)
			if !ok {
				return typedMismatch("CycleCreatedPayload")
			}
			f := fields{}
			f.require("cycle_id", v.CycleID)
			f.require("name", v.Name)
			return f
		},
	},
	TypeCycleStatusChanged: {
		version:    1,
		newPayload: func() any { return &CycleStatusChangedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(CycleStatusChangedPayload)
			if !ok {
				return typedMismatch("CycleStatusChangedPayload")
			}
			f := fields{}
			f.require("cycle_id", v.CycleID)
			f.require("from_stage", v.FromStage)
			f.require("to_stage", v.ToStage)
			f.require("actor_id", v.ActorID)
			return f
		},
	},
	TypeCycleLaunched: {
		version:    1,
		newPayload: func() any { return &CycleLaunchedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(CycleLaunchedPayload)
			if !ok {
				return typedMismatch("CycleLaunchedPayload")
			}
			f := fields{}
			f.require("cycle_id", v.CycleID)
			if v.ParticipantCount < 0 {
				f["participant_count"] = "must not be negative"
			}
			return f
		},
	},
	TypeGraceOverrideSet: {
		version:    1,
		newPayload: func() any { return &GraceOverrideSetPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(GraceOverrideSetPayload)
			if !ok {
				return typedMismatch("GraceOverrideSetPayload")
			}
			f := fields{}
			f.require("cycle_id", v.CycleID)
			f.require("actor_id", v.ActorID)
			return f
		},
	},
	TypeReviewCreated: {
		version:    1,
		newPayload: func() any { return &ReviewCreatedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(ReviewCreatedPayload)
			if !ok {
				return typedMismatch("ReviewCreatedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("cycle_id", v.CycleID)
			f.require("reviewee_id", v.RevieweeID)
			f.require("reviewer_id", v.ReviewerID)
			f.require("review_type", v.ReviewType)
			return f
		},
	},
	TypeReviewSubmitted: {
		version:    1,
		newPayload: func() any { return &ReviewSubmittedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(ReviewSubmittedPayload)
			if !ok {
				return typedMismatch("ReviewSubmittedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("cycle_id", v.CycleID)
			f.rating("rating", v.Rating)
			return f
		},
	},
	TypeReviewShared: {
		version:    1,
		newPayload: func() any { return &ReviewSharedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(ReviewSharedPayload)
			if !ok {
				return typedMismatch("ReviewSharedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("cycle_id", v.CycleID)
			return f
		},
	},
	TypeReviewAcknowledged: {
		version:    1,
		newPayload: func() any { return &ReviewAcknowledgedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(ReviewAcknowledgedPayload)
			if !ok {
				return typedMismatch("ReviewAcknowledgedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("cycle_id", v.CycleID)
			return f
		},
	},
	TypeSessionScheduled: {
		version:    1,
		newPayload: func() any { return &SessionScheduledPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(SessionScheduledPayload)
			if !ok {
				return typedMismatch("SessionScheduledPayload")
			}
			f := fields{}
			f.require("session_id", v.SessionID)
			f.require("cycle_id", v.CycleID)
			return f
		},
	},
	TypeSessionStarted: {
		version:    1,
		newPayload: func() any { return &SessionStartedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(SessionStartedPayload)
			if !ok {
				return typedMismatch("SessionStartedPayload")
			}
			f := fields{}
			f.require("session_id", v.SessionID)
			f.require("cycle_id", v.CycleID)
			if v.ParticipantCount < 0 {
				f["participant_count"] = "must not be negative"
			}
			return f
		},
	},
	TypeSessionCompleted: {
		version:    1,
		newPayload: func() any { return &SessionCompletedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(SessionCompletedPayload)
			if !ok {
				return typedMismatch("SessionCompletedPayload")
			}
			f := fields{}
			f.require("session_id", v.SessionID)
			f.require("cycle_id", v.CycleID)
			return f
		},
	},
	TypeSessionCancelled: {
		version:    1,
		newPayload: func() any { return &SessionCancelledPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(SessionCancelledPayload)
			if !ok {
				return typedMismatch("SessionCancelledPayload")
			}
			f := fields{}
			f.require("session_id", v.SessionID)
			f.require("cycle_id", v.CycleID)
			return f
		},
	},
	TypeRatingAdjusted: {
		version:    1,
		newPayload: func() any { return &RatingAdjustedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(RatingAdjustedPayload)
			if !ok {
				return typedMismatch("RatingAdjustedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("session_id", v.SessionID)
			f.require("adjusted_by", v.AdjustedBy)
			f.rating("original_rating", v.OriginalRating)
			f.rating("adjusted_rating", v.AdjustedRating)
			if strings.TrimSpace(v.Rationale) == "" {
				f["rationale"] = "is required"
			}
			return f
		},
	},
	TypeReviewUnchanged: {
		version:    1,
		newPayload: func() any { return &ReviewUnchangedPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(ReviewUnchangedPayload)
			if !ok {
				return typedMismatch("ReviewUnchangedPayload")
			}
			f := fields{}
			f.require("review_id", v.ReviewID)
			f.require("session_id", v.SessionID)
			f.require("marked_by", v.MarkedBy)
			return f
		},
	},
	TypeBiasAlert: {
		version:    1,
		newPayload: func() any { return &BiasAlertPayload{} },
		validate: func(p any) map[string]string {
			v, ok := p.(BiasAlertPayload)
			if !ok {
				return typedMismatch("BiasAlertPayload")
			}
			f := fields{}
			f.require("session_id", v.SessionID)
			f.require("description", v.Description)
			if !severities[v.Severity] {
				f["severity"] = "must be one of low, medium, high"
			}
			return f
		},
	},
}

type fields map[string]string

func (f fields) require(name, value string) {
	if strings.TrimSpace(value) == "" {
		f[name] = "is required"
	}
}

func (f fields) rating(name string, value int) {
	if value < 1 || value > 5 {
		f[name] = "must be between 1 and 5"
	}
}

func typedMismatch(want string) map[string]string {
	return map[string]string{"payload": "must be a " + want}
}

// Registered reports whether a payload schema exists for the type.
func Registered(t Type) bool {
	_, ok := registry[t]
	return ok
}

// Types returns all registered event types, sorted.
func Types() []Type {
	res := make([]Type, 0, len(registry))
	for t := range registry {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// SchemaVersion returns the current schema version for a type, 0 if
// unregistered.
func SchemaVersion(t Type) int {
	return registry[t].version
}

// New constructs an immutable event after validating the payload against
// the type's registered schema. Construction fails closed: an event with
// an unregistered type or an invalid payload is never produced. Missing
// metadata is defaulted: EventID and CorrelationID get fresh UUIDs so
// unrelated commands are never silently correlated, Timestamp defaults to
// now, SchemaVersion to the registered version.
func New(t Type, payload any, meta Metadata) (Event, error) {
	s, ok := registry[t]
	if !ok {
		return Event{}, &ValidationError{Type: t, Fields: map[string]string{"type": "is not registered"}}
	}
	if strings.TrimSpace(meta.TenantID) == "" {
		return Event{}, &ValidationError{Type: t, Fields: map[string]string{"metadata.tenant_id": "is required"}}
	}
	if bad := s.validate(payload); len(bad) > 0 {
		return Event{}, &ValidationError{Type: t, Fields: bad}
	}
	if meta.EventID == "" {
		meta.EventID = uuid.New().String()
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.New().String()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = s.version
	}
	return Event{Type: t, Payload: payload, Meta: meta}, nil
}

// Encode serializes the event to its wire form.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire-form event back into its typed payload. The result
// round-trips with Encode for every registered type.
func Decode(data []byte) (Event, error) {
	var raw struct {
		Type    Type            `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Meta    Metadata        `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	s, ok := registry[raw.Type]
	if !ok {
		return Event{}, &ValidationError{Type: raw.Type, Fields: map[string]string{"type": "is not registered"}}
	}
	payload := s.newPayload()
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	// Payloads are carried by value; New re-validates the decoded form.
	return New(raw.Type, deref(payload), raw.Meta)
}

func deref(p any) any {
	switch v := p.(type) {
	case *CycleCreatedPayload:
		return *v
	case *CycleStatusChangedPayload:
		return *v
	case *CycleLaunchedPayload:
		return *v
	case *ReviewCreatedPayload:
		return *v
	case *ReviewSubmittedPayload:
		return *v
	case *ReviewSharedPayload:
		return *v
	case *ReviewAcknowledgedPayload:
		return *v
	case *SessionScheduledPayload:
		return *v
	case *SessionStartedPayload:
		return *v
	case *SessionCompletedPayload:
		return *v
	case *SessionCancelledPayload:
		return *v
	case *RatingAdjustedPayload:
		return *v
	case *ReviewUnchangedPayload:
		return *v
	case *BiasAlertPayload:
		return *v
	default:
		return p
	}
}
