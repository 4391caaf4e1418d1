package domain

// Review cycle stages in forward order. Cancellation is the only
// non-linear move and is allowed from every stage except Completed.
const (
	StageDraft          = "draft"
	StageScheduled      = "scheduled"
	StageSelfAssessment = "self_assessment"
	StageManagerReview  = "manager_review"
	StageCalibration    = "calibration"
	StageFinalization   = "finalization"
	StageSharing        = "sharing"
	StageCompleted      = "completed"
	StageCancelled      = "cancelled"
)

// StageOrder lists the forward stages of a review cycle, terminal
// Completed included, Cancelled excluded.
var StageOrder = []string{
	StageDraft,
	StageScheduled,
	StageSelfAssessment,
	StageManagerReview,
	StageCalibration,
	StageFinalization,
	StageSharing,
	StageCompleted,
}

// StageIndex returns the position of a forward stage, or -1 for
// cancelled/unknown stages.
func StageIndex(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Review statuses.
const (
	ReviewPending      = "pending"
	ReviewInProgress   = "in_progress"
	ReviewSubmitted    = "submitted"
	ReviewCalibrated   = "calibrated"
	ReviewShared       = "shared"
	ReviewAcknowledged = "acknowledged"
)

// Review types.
const (
	ReviewTypeSelf     = "self"
	ReviewTypeManager  = "manager"
	ReviewTypePeer     = "peer"
	ReviewTypeUpward   = "upward"
	ReviewTypeExternal = "external"
)

// Calibration session statuses.
const (
	SessionScheduled  = "scheduled"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionCancelled  = "cancelled"
)

// Calibration resolution kinds.
const (
	ResolutionAdjusted  = "adjusted"
	ResolutionUnchanged = "unchanged"
)

// History change types.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ReviewCycle is the top-level aggregate of the review lifecycle. It is
// mutated only through stage-transition commands and versioned for
// optimistic concurrency.
type ReviewCycle struct {
	ID                    string  `json:"id"`
	TenantID              string  `json:"tenant_id"`
	Name                  string  `json:"name"`
	Stage                 string  `json:"stage" enum:"draft,scheduled,self_assessment,manager_review,calibration,finalization,sharing,completed,cancelled"`
	SelfReviewDeadline    string  `json:"self_review_deadline" format:"date-time"`
	ManagerReviewDeadline string  `json:"manager_review_deadline" format:"date-time"`
	CalibrationDeadline   string  `json:"calibration_deadline" format:"date-time"`
	SharingDeadline       string  `json:"sharing_deadline" format:"date-time"`
	ParticipantCriteria   *string `json:"participant_criteria,omitempty"`
	ParticipantCount      *int    `json:"participant_count,omitempty"`
	GraceOverride         bool    `json:"grace_override"`
	Version               int     `json:"version"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the cycle can no longer transition.
func (c ReviewCycle) Terminal() bool {
	return c.Stage == StageCompleted || c.Stage == StageCancelled
}

// Review belongs to exactly one cycle. Rating holds the reviewer's
// original score; CalibratedRating is set by calibration and never
// replaces Rating.
type Review struct {
	ID               string  `json:"id"`
	TenantID         string  `json:"tenant_id"`
	CycleID          string  `json:"cycle_id"`
	RevieweeID       string  `json:"reviewee_id"`
	ReviewerID       string  `json:"reviewer_id"`
	Type             string  `json:"type" enum:"self,manager,peer,upward,external"`
	Status           string  `json:"status" enum:"pending,in_progress,submitted,calibrated,shared,acknowledged"`
	Rating           *int    `json:"rating,omitempty"`
	CalibratedRating *int    `json:"calibrated_rating,omitempty"`
	SubmittedAt      *string `json:"submitted_at,omitempty" format:"date-time"`
	Version          int     `json:"version"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// CalibrationSession is scoped to one cycle. ParticipantSnapshot is the
// participant count frozen at session start; ScopeReviewIDs is the set of
// reviews eligible for adjustment, materialized at the same moment.
type CalibrationSession struct {
	ID                  string   `json:"id"`
	TenantID            string   `json:"tenant_id"`
	CycleID             string   `json:"cycle_id"`
	Status              string   `json:"status" enum:"scheduled,in_progress,completed,cancelled"`
	FacilitatorID       *string  `json:"facilitator_id,omitempty"`
	ParticipantIDs      []string `json:"participant_ids,omitempty"`
	ParticipantSnapshot *int     `json:"participant_snapshot,omitempty"`
	ScopeReviewIDs      []string `json:"scope_review_ids,omitempty"`
	Version             int      `json:"version"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// CalibrationResolution records the outcome of calibration for a single
// in-scope review: either an adjustment with its mandatory rationale, or
// an explicit reviewed-unchanged mark.
type CalibrationResolution struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	SessionID      string `json:"session_id"`
	ReviewID       string `json:"review_id"`
	Kind           string `json:"kind" enum:"adjusted,unchanged"`
	OriginalRating *int   `json:"original_rating,omitempty"`
	AdjustedRating *int   `json:"adjusted_rating,omitempty"`
	ResolvedBy     string `json:"resolved_by"`
	Rationale      string `json:"rationale,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// AuditRecord is one row of the append-only audit log. Rows are never
// updated or deleted by application code.
type AuditRecord struct {
	ID            int64   `json:"id"`
	TenantID      string  `json:"tenant_id"`
	EventID       string  `json:"event_id"`
	EventType     string  `json:"event_type"`
	AggregateType string  `json:"aggregate_type"`
	AggregateID   string  `json:"aggregate_id"`
	ActorID       string  `json:"actor_id"`
	Action        string  `json:"action"`
	OldValues     *string `json:"old_values,omitempty"`
	NewValues     *string `json:"new_values,omitempty"`
	Changes       *string `json:"changes,omitempty"`
	CorrelationID string  `json:"correlation_id"`
	CausationID   *string `json:"causation_id,omitempty"`
	OccurredAt    string  `json:"occurred_at" format:"date-time"`
}

// HistoryRecord is one bitemporal snapshot of an aggregate. For a given
// aggregate the [ValidFrom, ValidTo) intervals partition time and exactly
// one row has ValidTo unset.
type HistoryRecord struct {
	HistoryID     int64   `json:"history_id"`
	TenantID      string  `json:"tenant_id"`
	AggregateType string  `json:"aggregate_type"`
	AggregateID   string  `json:"aggregate_id"`
	Snapshot      string  `json:"snapshot"`
	ValidFrom     string  `json:"valid_from" format:"date-time"`
	ValidTo       *string `json:"valid_to,omitempty" format:"date-time"`
	ChangeType    string  `json:"change_type" enum:"insert,update,delete"`
	ChangedBy     string  `json:"changed_by"`
	Version       int     `json:"version"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
