package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"perfline/internal/audit"
	"perfline/internal/bias"
	"perfline/internal/domain"
	"perfline/internal/event"
)

// onCycleStatusChanged schedules a calibration session when a cycle
// enters the calibration stage. The session command carries the
// triggering event as its cause.
func (e *Engine) onCycleStatusChanged(ctx context.Context, ev event.Event) error {
	p, ok := ev.Payload.(event.CycleStatusChangedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	if p.ToStage != domain.StageCalibration {
		return nil
	}
	_, err := e.ScheduleSession(ctx, SessionScheduleOptions{
		TenantID:      ev.Meta.TenantID,
		CycleID:       p.CycleID,
		ActorID:       "system",
		CorrelationID: ev.Meta.CorrelationID,
		CausationID:   ev.Meta.EventID,
	})
	return err
}

// SessionScheduleOptions are parameters for scheduling a calibration
// session.
type SessionScheduleOptions struct {
	TenantID      string
	CycleID       string
	FacilitatorID string
	ActorID       string
	CorrelationID string
	CausationID   string
}

func (e *Engine) ScheduleSession(ctx context.Context, opts SessionScheduleOptions) (domain.CalibrationSession, error) {
	c, err := e.Repo.GetCycle(ctx, opts.TenantID, opts.CycleID)
	if err != nil {
		return domain.CalibrationSession{}, err
	}
	if c.Terminal() {
		return domain.CalibrationSession{}, InvalidTransitionError{Entity: "calibration_session",
			From: "", To: domain.SessionScheduled, Reason: "cycle is terminal"}
	}
	if e.Config != nil && e.Config.Calibration.RequireFacilitator && opts.FacilitatorID == "" && opts.ActorID != "system" {
		return domain.CalibrationSession{}, errors.New("facilitator is required")
	}

	now := e.nowRFC3339()
	s := domain.CalibrationSession{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		CycleID:   opts.CycleID,
		Status:    domain.SessionScheduled,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.FacilitatorID != "" {
		s.FacilitatorID = &opts.FacilitatorID
	}
	ev, err := event.New(event.TypeSessionScheduled, event.SessionScheduledPayload{
		SessionID: s.ID,
		CycleID:   s.CycleID,
	}, event.Metadata{TenantID: opts.TenantID, UserID: opts.ActorID, Timestamp: e.now(),
		CorrelationID: opts.CorrelationID, CausationID: opts.CausationID})
	if err != nil {
		return domain.CalibrationSession{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CalibrationSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.CalibrationSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.persist(ctx, tx, ev, "calibration_session", s.ID, "schedule",
		nil, map[string]any{"status": s.Status}, s, domain.ChangeInsert); err != nil {
		return domain.CalibrationSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CalibrationSession{}, err
	}
	e.Events.Publish(ctx, ev)
	return s, nil
}

// StartSession moves a session to in progress and freezes its scope: the
// participant count and the set of submitted manager reviews eligible
// for adjustment. Later membership changes do not alter a started
// session.
func (e *Engine) StartSession(ctx context.Context, tenantID, sessionID, actorID string) (domain.CalibrationSession, error) {
	s, err := e.Repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionInProgress); err != nil {
		return s, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	participants, err := e.Repo.CountParticipantsTx(ctx, tx, s.CycleID)
	if err != nil {
		return s, err
	}
	scope, err := e.Repo.ReviewIDsTx(ctx, tx, s.CycleID, domain.ReviewTypeManager)
	if err != nil {
		return s, err
	}

	ev, err := event.New(event.TypeSessionStarted, event.SessionStartedPayload{
		SessionID:        s.ID,
		CycleID:          s.CycleID,
		ParticipantCount: participants,
		ScopeSize:        len(scope),
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return s, err
	}

	old := s.Status
	s.Status = domain.SessionInProgress
	s.ParticipantSnapshot = &participants
	s.ScopeReviewIDs = scope
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	after := s
	after.Version++
	if err := e.persist(ctx, tx, ev, "calibration_session", s.ID, "start",
		map[string]any{"status": old}, map[string]any{"status": s.Status, "scope_size": len(scope)}, after, domain.ChangeUpdate); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Events.Publish(ctx, ev)
	return after, nil
}

// AdjustRating records a calibrated rating for an in-scope review. The
// rationale is mandatory; without one the command fails validation
// before anything is written. The original rating is never overwritten.
func (e *Engine) AdjustRating(ctx context.Context, tenantID, sessionID, reviewID string, adjusted int, rationale, actorID string) (domain.Review, error) {
	s, err := e.Repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return domain.Review{}, err
	}
	if s.Status != domain.SessionInProgress {
		return domain.Review{}, InvalidTransitionError{Entity: "calibration_session",
			From: s.Status, To: s.Status, Reason: "ratings can only be adjusted while in progress"}
	}
	if !inScope(s, reviewID) {
		return domain.Review{}, fmt.Errorf("review %s is not in scope of session %s", reviewID, sessionID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	rv, err := e.Repo.GetReviewTx(ctx, tx, tenantID, reviewID)
	if err != nil {
		return rv, err
	}
	if rv.Rating == nil {
		return rv, fmt.Errorf("review %s has no submitted rating", reviewID)
	}

	ev, err := event.New(event.TypeRatingAdjusted, event.RatingAdjustedPayload{
		ReviewID:       rv.ID,
		SessionID:      s.ID,
		OriginalRating: *rv.Rating,
		AdjustedRating: adjusted,
		AdjustedBy:     actorID,
		Rationale:      rationale,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return rv, err
	}

	oldCalibrated := rv.CalibratedRating
	rv.CalibratedRating = &adjusted
	if rv.Status == domain.ReviewSubmitted {
		rv.Status = domain.ReviewCalibrated
	}
	rv.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateReviewTx(ctx, tx, rv); err != nil {
		return rv, err
	}
	if err := e.Repo.UpsertResolutionTx(ctx, tx, domain.CalibrationResolution{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		SessionID:      s.ID,
		ReviewID:       rv.ID,
		Kind:           domain.ResolutionAdjusted,
		OriginalRating: intPtr(*rv.Rating),
		AdjustedRating: &adjusted,
		ResolvedBy:     actorID,
		Rationale:      rationale,
		CreatedAt:      e.nowRFC3339(),
	}); err != nil {
		return rv, err
	}
	after := rv
	after.Version++
	if err := e.persist(ctx, tx, ev, "review", rv.ID, "adjust_rating",
		map[string]any{"calibrated_rating": derefInt(oldCalibrated)},
		map[string]any{"calibrated_rating": adjusted, "rationale": rationale},
		after, domain.ChangeUpdate); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	e.Events.Publish(ctx, ev)
	e.runBiasDetection(ctx, s, ev)
	return after, nil
}

// MarkReviewed resolves an in-scope review without changing its rating.
func (e *Engine) MarkReviewed(ctx context.Context, tenantID, sessionID, reviewID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionInProgress {
		return InvalidTransitionError{Entity: "calibration_session",
			From: s.Status, To: s.Status, Reason: "reviews can only be resolved while in progress"}
	}
	if !inScope(s, reviewID) {
		return fmt.Errorf("review %s is not in scope of session %s", reviewID, sessionID)
	}
	rv, err := e.Repo.GetReviewTx(ctx, tx, tenantID, reviewID)
	if err != nil {
		return err
	}

	ev, err := event.New(event.TypeReviewUnchanged, event.ReviewUnchangedPayload{
		ReviewID:  reviewID,
		SessionID: sessionID,
		MarkedBy:  actorID,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return err
	}

	if err := e.Repo.UpsertResolutionTx(ctx, tx, domain.CalibrationResolution{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		SessionID:      sessionID,
		ReviewID:       reviewID,
		Kind:           domain.ResolutionUnchanged,
		OriginalRating: rv.Rating,
		ResolvedBy:     actorID,
		CreatedAt:      e.nowRFC3339(),
	}); err != nil {
		return err
	}
	rec, err := audit.Record(ev, "review", reviewID, "mark_reviewed",
		nil, map[string]any{"resolution": domain.ResolutionUnchanged})
	if err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Events.Publish(ctx, ev)
	return nil
}

// CompleteSession closes a session. Every in-scope review must carry a
// resolution; otherwise the command fails with the unresolved IDs and
// nothing is written.
func (e *Engine) CompleteSession(ctx context.Context, tenantID, sessionID, actorID string) (domain.CalibrationSession, error) {
	s, err := e.Repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionCompleted); err != nil {
		return s, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	// Completeness gate and status flip share one transaction.
	resolutions, err := e.Repo.ListResolutionsTx(ctx, tx, tenantID, sessionID)
	if err != nil {
		return s, err
	}
	resolved := make(map[string]string, len(resolutions))
	adjustedCount, unchangedCount := 0, 0
	for _, r := range resolutions {
		resolved[r.ReviewID] = r.Kind
		switch r.Kind {
		case domain.ResolutionAdjusted:
			adjustedCount++
		case domain.ResolutionUnchanged:
			unchangedCount++
		}
	}
	var unresolved []string
	for _, id := range s.ScopeReviewIDs {
		if _, ok := resolved[id]; !ok {
			unresolved = append(unresolved, id)
		}
	}
	if len(unresolved) > 0 {
		return s, IncompleteCalibrationError{SessionID: sessionID, Unresolved: unresolved}
	}

	ev, err := event.New(event.TypeSessionCompleted, event.SessionCompletedPayload{
		SessionID:      s.ID,
		CycleID:        s.CycleID,
		AdjustedCount:  adjustedCount,
		UnchangedCount: unchangedCount,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return s, err
	}

	old := s.Status
	s.Status = domain.SessionCompleted
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	after := s
	after.Version++
	if err := e.persist(ctx, tx, ev, "calibration_session", s.ID, "complete",
		map[string]any{"status": old}, map[string]any{"status": s.Status}, after, domain.ChangeUpdate); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Events.Publish(ctx, ev)
	return after, nil
}

// CancelSession abandons a session without resolving its reviews.
func (e *Engine) CancelSession(ctx context.Context, tenantID, sessionID, reason, actorID string) (domain.CalibrationSession, error) {
	s, err := e.Repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionCancelled); err != nil {
		return s, err
	}
	ev, err := event.New(event.TypeSessionCancelled, event.SessionCancelledPayload{
		SessionID: s.ID,
		CycleID:   s.CycleID,
		Reason:    reason,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return s, err
	}
	return e.updateSessionStatus(ctx, s, domain.SessionCancelled, "cancel", ev)
}

func (e *Engine) updateSessionStatus(ctx context.Context, s domain.CalibrationSession, status, action string, ev event.Event) (domain.CalibrationSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	old := s.Status
	s.Status = status
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	after := s
	after.Version++
	if err := e.persist(ctx, tx, ev, "calibration_session", s.ID, action,
		map[string]any{"status": old}, map[string]any{"status": status}, after, domain.ChangeUpdate); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Events.Publish(ctx, ev)
	return after, nil
}

// runBiasDetection asks the configured detector for findings after an
// adjustment. Alerts never block the adjustment; detector errors are
// only logged.
func (e *Engine) runBiasDetection(ctx context.Context, s domain.CalibrationSession, cause event.Event) {
	if e.Bias == nil {
		return
	}
	fresh, err := e.Repo.GetSession(ctx, s.TenantID, s.ID)
	if err != nil {
		e.Log.Error().Err(err).Str("session_id", s.ID).Msg("bias detection: reload session")
		return
	}
	resolutions, err := e.Repo.ListResolutions(ctx, s.TenantID, s.ID)
	if err != nil {
		e.Log.Error().Err(err).Str("session_id", s.ID).Msg("bias detection: list resolutions")
		return
	}
	reports, err := e.Bias.Inspect(ctx, fresh, resolutions)
	if err != nil {
		e.Log.Error().Err(err).Str("session_id", s.ID).Msg("bias detection failed")
		return
	}
	minSeverity := bias.SeverityLow
	if e.Config != nil && e.Config.Calibration.Bias.MinSeverity != "" {
		minSeverity = e.Config.Calibration.Bias.MinSeverity
	}
	for _, rep := range reports {
		if !bias.SeverityAtLeast(rep.Severity, minSeverity) {
			continue
		}
		ev, err := event.New(event.TypeBiasAlert, event.BiasAlertPayload{
			SessionID:       s.ID,
			Severity:        rep.Severity,
			Description:     rep.Description,
			AffectedReviews: rep.AffectedReviews,
		}, event.Metadata{TenantID: s.TenantID, UserID: "system", Timestamp: e.now(),
			CorrelationID: cause.Meta.CorrelationID, CausationID: cause.Meta.EventID})
		if err != nil {
			e.Log.Error().Err(err).Str("session_id", s.ID).Msg("bias alert rejected")
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			e.Log.Error().Err(err).Msg("bias alert: begin tx")
			continue
		}
		rec, err := audit.Record(ev, "calibration_session", s.ID, "bias_alert",
			nil, map[string]any{"severity": rep.Severity, "description": rep.Description})
		if err == nil {
			err = e.Audit.Append(ctx, tx, rec)
		}
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
		if err != nil {
			e.Log.Error().Err(err).Str("session_id", s.ID).Msg("bias alert: append audit")
			continue
		}
		e.Events.Publish(ctx, ev)
	}
}

func ensureSessionTransition(from, to string) error {
	ok := false
	switch from {
	case domain.SessionScheduled:
		ok = to == domain.SessionInProgress || to == domain.SessionCancelled
	case domain.SessionInProgress:
		ok = to == domain.SessionCompleted || to == domain.SessionCancelled
	}
	if !ok {
		return InvalidTransitionError{Entity: "calibration_session", From: from, To: to}
	}
	return nil
}

func inScope(s domain.CalibrationSession, reviewID string) bool {
	for _, id := range s.ScopeReviewIDs {
		if id == reviewID {
			return true
		}
	}
	return false
}

func intPtr(n int) *int { return &n }

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
