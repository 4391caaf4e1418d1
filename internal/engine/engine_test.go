package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perfline/internal/audit"
	"perfline/internal/config"
	"perfline/internal/db"
	"perfline/internal/domain"
	"perfline/internal/engine"
	"perfline/internal/migrate"
	"perfline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg, zerolog.Nop())
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	step := 0
	eng.Now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.CreateTenant(ctx, "acme", "Acme Corp"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreateCycle(t *testing.T, env testEnv) domain.ReviewCycle {
	t.Helper()
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		TenantID:            "acme",
		Name:                "H1 2026",
		SelfReviewDeadline:  "2026-04-01T00:00:00Z",
		ManagerDeadline:     "2026-04-15T00:00:00Z",
		CalibrationDeadline: "2026-05-01T00:00:00Z",
		SharingDeadline:     "2026-05-15T00:00:00Z",
		ActorID:             "hr-admin",
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return c
}

func mustAdvance(t *testing.T, env testEnv, cycleID, toStage string) domain.ReviewCycle {
	t.Helper()
	c, err := env.Engine.AdvanceCycle(env.Ctx, "acme", cycleID, toStage, "hr-admin")
	if err != nil {
		t.Fatalf("advance to %s: %v", toStage, err)
	}
	return c
}

func addParticipants(t *testing.T, env testEnv, cycleID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("emp-%02d", i+1))
	}
	if _, err := env.Engine.AddParticipants(env.Ctx, "acme", cycleID, ids, "hr-admin"); err != nil {
		t.Fatalf("add participants: %v", err)
	}
	return ids
}

func submitAll(t *testing.T, env testEnv, cycleID, reviewType string, rating int) {
	t.Helper()
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, "acme", repo.ReviewFilter{CycleID: cycleID, Type: reviewType})
	if err != nil {
		t.Fatalf("list %s reviews: %v", reviewType, err)
	}
	for _, rv := range reviews {
		if _, err := env.Engine.SubmitReview(env.Ctx, "acme", rv.ID, rating, rv.ReviewerID); err != nil {
			t.Fatalf("submit review %s: %v", rv.ID, err)
		}
	}
}

func TestCycleCreateValidatesDeadlineOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		TenantID:            "acme",
		Name:                "bad deadlines",
		SelfReviewDeadline:  "2026-04-15T00:00:00Z",
		ManagerDeadline:     "2026-04-01T00:00:00Z",
		CalibrationDeadline: "2026-05-01T00:00:00Z",
		SharingDeadline:     "2026-05-15T00:00:00Z",
		ActorID:             "hr-admin",
	})
	if err == nil {
		t.Fatal("expected deadline order error")
	}
}

func TestLaunchRecordsParticipantCount(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 10)

	// A draft cycle launches straight into self assessment without
	// passing through scheduled.
	c = mustAdvance(t, env, c.ID, domain.StageSelfAssessment)
	if c.Stage != domain.StageSelfAssessment {
		t.Fatalf("stage = %s, want self_assessment", c.Stage)
	}
	if c.ParticipantCount == nil || *c.ParticipantCount != 10 {
		t.Fatalf("participant count = %v, want 10", c.ParticipantCount)
	}

	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{TenantID: "acme", AggregateID: c.ID, EventType: "review_cycle.launched"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("launched audit rows = %d, want 1", len(recs))
	}
	if recs[0].NewValues == nil || !strings.Contains(*recs[0].NewValues, `"participant_count":10`) {
		t.Fatalf("launched new values = %v, want participant_count 10", recs[0].NewValues)
	}
}

func TestLaunchRequiresParticipants(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	// Scheduling needs no participants, launching does.
	mustAdvance(t, env, c.ID, domain.StageScheduled)
	_, err := env.Engine.AdvanceCycle(env.Ctx, "acme", c.ID, domain.StageSelfAssessment, "hr-admin")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestStagesAdvanceOneStepAtATime(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 3)

	_, err := env.Engine.AdvanceCycle(env.Ctx, "acme", c.ID, domain.StageCalibration, "hr-admin")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	_, err = env.Engine.AdvanceCycle(env.Ctx, "acme", c.ID, domain.StageDraft, "hr-admin")
	if !errors.As(err, &ite) {
		t.Fatalf("backwards err = %v, want InvalidTransitionError", err)
	}
}

func TestSelfAssessmentCreatesSelfReviews(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	ids := addParticipants(t, env, c.ID, 4)
	mustAdvance(t, env, c.ID, domain.StageScheduled)
	mustAdvance(t, env, c.ID, domain.StageSelfAssessment)

	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, "acme", repo.ReviewFilter{CycleID: c.ID, Type: domain.ReviewTypeSelf})
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != len(ids) {
		t.Fatalf("self reviews = %d, want %d", len(reviews), len(ids))
	}
	for _, rv := range reviews {
		if rv.RevieweeID != rv.ReviewerID {
			t.Errorf("self review %s has reviewer %s for reviewee %s", rv.ID, rv.ReviewerID, rv.RevieweeID)
		}
		if rv.Status != domain.ReviewPending {
			t.Errorf("self review %s status = %s, want pending", rv.ID, rv.Status)
		}
	}
}

func TestDuplicateReviewRejected(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	opts := engine.ReviewCreateOptions{
		TenantID: "acme", CycleID: c.ID, RevieweeID: "emp-01", ReviewerID: "mgr-1",
		Type: domain.ReviewTypeManager, ActorID: "mgr-1",
	}
	if _, err := env.Engine.CreateReview(env.Ctx, opts); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := env.Engine.CreateReview(env.Ctx, opts); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	// A different reviewer for the same reviewee is a new review.
	opts.ReviewerID = "mgr-2"
	opts.ActorID = "mgr-2"
	if _, err := env.Engine.CreateReview(env.Ctx, opts); err != nil {
		t.Fatalf("create with different reviewer: %v", err)
	}
}

func TestManagerReviewGuardAndGraceOverride(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 2)
	mustAdvance(t, env, c.ID, domain.StageScheduled)
	mustAdvance(t, env, c.ID, domain.StageSelfAssessment)

	// No self review submitted yet, guard must hold.
	_, err := env.Engine.AdvanceCycle(env.Ctx, "acme", c.ID, domain.StageManagerReview, "hr-admin")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}

	if _, err := env.Engine.SetGraceOverride(env.Ctx, "acme", c.ID, true, "hr-admin"); err != nil {
		t.Fatalf("set grace: %v", err)
	}
	if _, err := env.Engine.AdvanceCycle(env.Ctx, "acme", c.ID, domain.StageManagerReview, "hr-admin"); err != nil {
		t.Fatalf("advance with grace: %v", err)
	}
}

func TestGraceOverrideEmitsDedicatedEvent(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	if _, err := env.Engine.SetGraceOverride(env.Ctx, "acme", c.ID, true, "hr-admin"); err != nil {
		t.Fatalf("set grace: %v", err)
	}

	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{TenantID: "acme", AggregateID: c.ID, EventType: "review_cycle.grace_override_set"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("grace_override_set audit rows = %d, want 1", len(recs))
	}
	// Toggling the flag is not a stage transition.
	recs, err = env.Engine.Audit.List(env.Ctx, audit.Query{TenantID: "acme", AggregateID: c.ID, EventType: "review_cycle.status_changed"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("status_changed audit rows = %d, want 0", len(recs))
	}
	sessions, err := env.Engine.Repo.ListSessions(env.Ctx, "acme", c.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want none", len(sessions))
	}
}

func TestCancelFromAnyStageExceptCompleted(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 2)
	mustAdvance(t, env, c.ID, domain.StageScheduled)

	c2, err := env.Engine.CancelCycle(env.Ctx, "acme", c.ID, "reorg", "hr-admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c2.Stage != domain.StageCancelled {
		t.Fatalf("stage = %s, want cancelled", c2.Stage)
	}
	// Cancelled is terminal too.
	if _, err := env.Engine.CancelCycle(env.Ctx, "acme", c.ID, "again", "hr-admin"); err == nil {
		t.Fatal("expected error cancelling a cancelled cycle")
	}
}

func TestCompletedCycleCannotBeCancelled(t *testing.T) {
	env := newTestEnv(t)
	c := runCycleToCompleted(t, env)
	_, err := env.Engine.CancelCycle(env.Ctx, "acme", c.ID, "too late", "hr-admin")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

// runCycleToCompleted drives a small cycle through the full happy path.
func runCycleToCompleted(t *testing.T, env testEnv) domain.ReviewCycle {
	t.Helper()
	c := mustCreateCycle(t, env)
	ids := addParticipants(t, env, c.ID, 2)
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
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %d (%v), want 1", len(sessions), err)
	}
	s, err := env.Engine.StartSession(env.Ctx, "acme", sessions[0].ID, "hr-admin")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, id := range s.ScopeReviewIDs {
		if err := env.Engine.MarkReviewed(env.Ctx, "acme", s.ID, id, "hr-admin"); err != nil {
			t.Fatalf("mark reviewed: %v", err)
		}
	}
	if _, err := env.Engine.CompleteSession(env.Ctx, "acme", s.ID, "hr-admin"); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	c = mustAdvance(t, env, c.ID, domain.StageFinalization)
	c = mustAdvance(t, env, c.ID, domain.StageSharing)
	for _, rt := range []string{domain.ReviewTypeSelf, domain.ReviewTypeManager} {
		reviews, err := env.Engine.Repo.ListReviews(env.Ctx, "acme", repo.ReviewFilter{CycleID: c.ID, Type: rt})
		if err != nil {
			t.Fatalf("list reviews: %v", err)
		}
		for _, rv := range reviews {
			shared, err := env.Engine.ShareReview(env.Ctx, "acme", rv.ID, "mgr-1")
			if err != nil {
				t.Fatalf("share review: %v", err)
			}
			if _, err := env.Engine.AcknowledgeReview(env.Ctx, "acme", shared.ID, rv.RevieweeID); err != nil {
				t.Fatalf("acknowledge review: %v", err)
			}
		}
	}
	return mustAdvance(t, env, c.ID, domain.StageCompleted)
}

func TestFullLifecycleAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	c := runCycleToCompleted(t, env)

	recs, err := env.Engine.Audit.List(env.Ctx, audit.Query{
		TenantID: "acme", AggregateType: "review_cycle", AggregateID: c.ID, Limit: 100,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	// Newest first: walk backwards and check occurred_at never decreases.
	for i := len(recs) - 1; i > 0; i-- {
		if recs[i].OccurredAt > recs[i-1].OccurredAt {
			t.Fatalf("audit out of order: %s after %s", recs[i].OccurredAt, recs[i-1].OccurredAt)
		}
	}
	// create + launch + 7 advances.
	if len(recs) != 9 {
		t.Fatalf("cycle audit rows = %d, want 9", len(recs))
	}
	count, err := env.Engine.Audit.CountForAggregate(env.Ctx, "acme", "review_cycle", c.ID)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if count != len(recs) {
		t.Fatalf("audit count = %d, listed %d", count, len(recs))
	}
}

func TestHistoryReconstructsPastStage(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 2)
	mustAdvance(t, env, c.ID, domain.StageScheduled)

	cur, err := env.Engine.History.Current(env.Ctx, "acme", "review_cycle", c.ID)
	if err != nil {
		t.Fatalf("current history: %v", err)
	}
	if cur.Version != 2 {
		t.Fatalf("history version = %d, want 2", cur.Version)
	}

	recs, err := env.Engine.History.ListHistory(env.Ctx, "acme", "review_cycle", c.ID)
	if err != nil || len(recs) != 2 {
		t.Fatalf("history rows = %d (%v), want 2", len(recs), err)
	}
	createdAt, err := time.Parse(time.RFC3339, recs[0].ValidFrom)
	if err != nil {
		t.Fatalf("parse valid_from: %v", err)
	}
	past, err := env.Engine.History.ReconstructAsOf(env.Ctx, "acme", "review_cycle", c.ID, createdAt)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if past.Version != 1 {
		t.Fatalf("as-of version = %d, want 1", past.Version)
	}
}

func TestStaleCycleUpdateConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCycle(t, env)
	addParticipants(t, env, c.ID, 2)
	stale := c

	mustAdvance(t, env, c.ID, domain.StageScheduled)

	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	stale.Name = "renamed"
	err = env.Engine.Repo.UpdateCycleTx(env.Ctx, tx, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}
