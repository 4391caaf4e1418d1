package engine_test

import (
	"context"
	"errors"
	"testing"

	"perfline/internal/audit"
	"perfline/internal/bias"
	"perfline/internal/domain"
	"perfline/internal/engine"
	"perfline/internal/event"
	"perfline/internal/repo"
)

// calibrationFixture drives a cycle into calibration with n submitted
// manager reviews and returns the started session.
func calibrationFixture(t *testing.T, env testEnv, n int) domain.CalibrationSession {
	t.Helper()
	c := mustCreateCycle(t, env)
	ids := addParticipants(t, env, c.ID, n)
	mustAdvance(t, env, c.ID, domain.StageScheduled)
	mustAdvance(t, env, c.ID, domain.StageSelfAssessment)
	submitAll(t, env, c.ID, domain.ReviewTypeSelf, 3)
	mustAdvance(t, env, c.ID, domain.StageManagerReview)
	for _, emp := range ids {
		rv, err := env.Engine.CreateReview(env.Ctx, engine.ReviewCreateOptions{
			TenantID: "acme", CycleID: c.ID, RevieweeID: emp, ReviewerID: "mgr-1",
			Type: domain.ReviewTypeManager, ActorID: "mgr-1",
		})
		if err != nil {
			t.Fatalf("create manager review: %v", err)
		}
		if _, err := env.Engine.SubmitReview(env.Ctx, "acme", rv.ID, 3, "mgr-1"); err != nil {
			t.Fatalf("submit manager review: %v", err)
		}
	}
	mustAdvance(t, env, c.ID, domain.StageCalibration)

	sessions, err := env.Engine.Repo.ListSessions(env.Ctx, "acme", c.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 auto-scheduled", len(sessions))
	}
	s, err := env.Engine.StartSession(env.Ctx, "acme", sessions[0].ID, "facilitator-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func TestSessionAutoScheduledOnCalibrationEntry(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)

	if s.ParticipantSnapshot == nil || *s.ParticipantSnapshot != 2 {
		t.Fatalf("participant snapshot = %v, want 2", s.ParticipantSnapshot)
	}
	if len(s.ScopeReviewIDs) != 2 {
		t.Fatalf("scope size = %d, want 2", len(s.ScopeReviewIDs))
	}

	// The schedule command is caused by the stage-change event.
	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateType: "calibration_session", AggregateID: s.ID,
		EventType: "calibration.session_scheduled",
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("schedule audit rows = %d (%v), want 1", len(recs), err)
	}
	if recs[0].CausationID == nil || *recs[0].CausationID == "" {
		t.Fatal("scheduled session carries no causation id")
	}
	cause, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", CorrelationID: recs[0].CorrelationID, EventType: "review_cycle.status_changed",
	})
	if err != nil || len(cause) == 0 {
		t.Fatalf("no correlated stage change found (%v)", err)
	}
}

func TestAdjustRatingKeepsOriginal(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)
	reviewID := s.ScopeReviewIDs[0]

	rv, err := env.Engine.AdjustRating(env.Ctx, "acme", s.ID, reviewID, 4, "peer calibration consensus", "facilitator-1")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rv.Rating == nil || *rv.Rating != 3 {
		t.Fatalf("original rating = %v, want 3", rv.Rating)
	}
	if rv.CalibratedRating == nil || *rv.CalibratedRating != 4 {
		t.Fatalf("calibrated rating = %v, want 4", rv.CalibratedRating)
	}
	if rv.Status != domain.ReviewCalibrated {
		t.Fatalf("status = %s, want calibrated", rv.Status)
	}

	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateID: reviewID, EventType: "calibration.rating_adjusted",
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("adjust audit rows = %d (%v), want exactly 1", len(recs), err)
	}
}

func TestAdjustWithoutRationaleFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)
	reviewID := s.ScopeReviewIDs[0]

	before, err := env.Engine.Audit.LatestID(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("latest audit id: %v", err)
	}

	_, err = env.Engine.AdjustRating(env.Ctx, "acme", s.ID, reviewID, 4, "   ", "facilitator-1")
	var verr *event.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, ok := verr.Fields["rationale"]; !ok {
		t.Fatalf("validation fields = %v, want rationale", verr.Fields)
	}

	after, err := env.Engine.Audit.LatestID(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("latest audit id: %v", err)
	}
	if after != before {
		t.Fatalf("audit grew from %d to %d on a rejected command", before, after)
	}
	rv, err := env.Engine.Repo.GetReview(env.Ctx, "acme", reviewID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if rv.CalibratedRating != nil {
		t.Fatalf("calibrated rating = %v, want unset", rv.CalibratedRating)
	}
}

func TestAdjustOutOfScopeFails(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)

	// Self reviews are not in scope.
	selfReviews, err := env.Engine.Repo.ListReviews(env.Ctx, "acme", repo.ReviewFilter{CycleID: s.CycleID, Type: domain.ReviewTypeSelf})
	if err != nil || len(selfReviews) == 0 {
		t.Fatalf("list self reviews: %v", err)
	}
	if _, err := env.Engine.AdjustRating(env.Ctx, "acme", s.ID, selfReviews[0].ID, 4, "consensus", "facilitator-1"); err == nil {
		t.Fatal("expected out-of-scope error")
	}
}

func TestCompleteSessionRequiresEveryResolution(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 5)

	for _, id := range s.ScopeReviewIDs[:4] {
		if err := env.Engine.MarkReviewed(env.Ctx, "acme", s.ID, id, "facilitator-1"); err != nil {
			t.Fatalf("mark reviewed: %v", err)
		}
	}
	_, err := env.Engine.CompleteSession(env.Ctx, "acme", s.ID, "facilitator-1")
	var ice engine.IncompleteCalibrationError
	if !errors.As(err, &ice) {
		t.Fatalf("err = %v, want IncompleteCalibrationError", err)
	}
	if len(ice.Unresolved) != 1 || ice.Unresolved[0] != s.ScopeReviewIDs[4] {
		t.Fatalf("unresolved = %v, want [%s]", ice.Unresolved, s.ScopeReviewIDs[4])
	}

	if _, err := env.Engine.AdjustRating(env.Ctx, "acme", s.ID, s.ScopeReviewIDs[4], 2, "distribution outlier", "facilitator-1"); err != nil {
		t.Fatalf("adjust last: %v", err)
	}
	done, err := env.Engine.CompleteSession(env.Ctx, "acme", s.ID, "facilitator-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}

	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateID: s.ID, EventType: "calibration.session_completed",
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("completed audit rows = %d (%v), want 1", len(recs), err)
	}
}

func TestCancelledSessionUnblocksFinalization(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)

	if _, err := env.Engine.CancelSession(env.Ctx, "acme", s.ID, "rescheduling", "hr-admin"); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if _, err := env.Engine.AdvanceCycle(env.Ctx, "acme", s.CycleID, domain.StageFinalization, "hr-admin"); err != nil {
		t.Fatalf("advance to finalization: %v", err)
	}
}

type stubDetector struct {
	reports []bias.Report
}

func (d stubDetector) Inspect(context.Context, domain.CalibrationSession, []domain.CalibrationResolution) ([]bias.Report, error) {
	return d.reports, nil
}

func TestBiasDetectorEmitsAlerts(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)

	var seen []event.Event
	env.Engine.Events.Subscribe(event.TypeBiasAlert, func(_ context.Context, e event.Event) error {
		seen = append(seen, e)
		return nil
	})
	env.Engine.Bias = stubDetector{reports: []bias.Report{
		{Severity: bias.SeverityHigh, Description: "adjustments cluster below original ratings", AffectedReviews: s.ScopeReviewIDs},
	}}

	if _, err := env.Engine.AdjustRating(env.Ctx, "acme", s.ID, s.ScopeReviewIDs[0], 2, "distribution outlier", "facilitator-1"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("bias alerts published = %d, want 1", len(seen))
	}
	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateID: s.ID, EventType: "calibration.bias_alert",
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("bias audit rows = %d (%v), want 1", len(recs), err)
	}
}

func TestBiasAlertsBelowThresholdSuppressed(t *testing.T) {
	env := newTestEnv(t)
	s := calibrationFixture(t, env, 2)
	env.Engine.Config.Calibration.Bias.MinSeverity = bias.SeverityHigh
	env.Engine.Bias = stubDetector{reports: []bias.Report{
		{Severity: bias.SeverityLow, Description: "minor skew"},
	}}

	if _, err := env.Engine.AdjustRating(env.Ctx, "acme", s.ID, s.ScopeReviewIDs[0], 4, "consensus", "facilitator-1"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateID: s.ID, EventType: "calibration.bias_alert",
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("bias audit rows = %d, want 0", len(recs))
	}
}
