package server

import (
	"perfline/internal/domain"
)

// Request payloads

type CreateCycleRequest struct {
	Name                string `json:"name"`
	SelfReviewDeadline  string `json:"self_review_deadline" format:"date-time"`
	ManagerDeadline     string `json:"manager_review_deadline" format:"date-time"`
	CalibrationDeadline string `json:"calibration_deadline" format:"date-time"`
	SharingDeadline     string `json:"sharing_deadline" format:"date-time"`
	ParticipantCriteria string `json:"participant_criteria,omitempty"`
}

type AdvanceCycleRequest struct {
	ToStage string `json:"to_stage" enum:"scheduled,self_assessment,manager_review,calibration,finalization,sharing,completed"`
}

type CancelCycleRequest struct {
	Note string `json:"note,omitempty"`
}

type AddParticipantsRequest struct {
	EmployeeIDs []string `json:"employee_ids"`
}

type GraceOverrideRequest struct {
	Enabled bool `json:"enabled"`
}

type CreateReviewRequest struct {
	CycleID    string `json:"cycle_id"`
	RevieweeID string `json:"reviewee_id"`
	ReviewerID string `json:"reviewer_id"`
	Type       string `json:"type" enum:"manager,peer,upward,external"`
}

type SubmitReviewRequest struct {
	Rating int `json:"rating" minimum:"1" maximum:"5"`
}

type ScheduleSessionRequest struct {
	CycleID       string `json:"cycle_id"`
	FacilitatorID string `json:"facilitator_id,omitempty"`
}

type AdjustRatingRequest struct {
	ReviewID       string `json:"review_id"`
	AdjustedRating int    `json:"adjusted_rating" minimum:"1" maximum:"5"`
	Rationale      string `json:"rationale"`
}

type MarkReviewedRequest struct {
	ReviewID string `json:"review_id"`
}

type CancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Responses reuse the domain structs directly; their json tags are the
// wire contract.

type CycleResponse = domain.ReviewCycle

type ReviewResponse = domain.Review

type SessionResponse = domain.CalibrationSession

type AuditResponse = domain.AuditRecord

type HistoryResponse = domain.HistoryRecord
