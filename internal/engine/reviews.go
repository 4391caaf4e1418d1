package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"perfline/internal/domain"
	"perfline/internal/event"
	"perfline/internal/repo"
)

// createSelfReviewsTx assigns every participant their self review when
// the cycle enters self assessment. Returned events are published by the
// caller after commit.
func (e *Engine) createSelfReviewsTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCycle, cause event.Event) ([]event.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT employee_id FROM cycle_participants WHERE cycle_id=? ORDER BY employee_id`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var participants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		participants = append(participants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := e.nowRFC3339()
	var created []event.Event
	for _, employee := range participants {
		rv := domain.Review{
			ID:         uuid.NewString(),
			TenantID:   c.TenantID,
			CycleID:    c.ID,
			RevieweeID: employee,
			ReviewerID: employee,
			Type:       domain.ReviewTypeSelf,
			Status:     domain.ReviewPending,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		ev, err := event.New(event.TypeReviewCreated, event.ReviewCreatedPayload{
			ReviewID:   rv.ID,
			CycleID:    c.ID,
			RevieweeID: rv.RevieweeID,
			ReviewerID: rv.ReviewerID,
			ReviewType: rv.Type,
		}, event.Metadata{TenantID: c.TenantID, UserID: cause.Meta.UserID, Timestamp: e.now(),
			CorrelationID: cause.Meta.CorrelationID, CausationID: cause.Meta.EventID})
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
			return nil, fmt.Errorf("insert self review for %s: %w", employee, err)
		}
		if err := e.persist(ctx, tx, ev, "review", rv.ID, "create",
			nil, map[string]any{"status": rv.Status, "type": rv.Type}, rv, domain.ChangeInsert); err != nil {
			return nil, err
		}
		created = append(created, ev)
	}
	return created, nil
}

// ReviewCreateOptions are parameters for assigning a review.
type ReviewCreateOptions struct {
	TenantID   string
	CycleID    string
	RevieweeID string
	ReviewerID string
	Type       string
	ActorID    string
}

// CreateReview assigns a manager, peer, upward or external review. Self
// reviews are created automatically when the cycle enters self
// assessment.
func (e *Engine) CreateReview(ctx context.Context, opts ReviewCreateOptions) (domain.Review, error) {
	switch opts.Type {
	case domain.ReviewTypeManager, domain.ReviewTypePeer, domain.ReviewTypeUpward, domain.ReviewTypeExternal:
	case domain.ReviewTypeSelf:
		return domain.Review{}, errors.New("self reviews are created when the cycle enters self assessment")
	default:
		return domain.Review{}, fmt.Errorf("unknown review type %q", opts.Type)
	}
	if opts.RevieweeID == "" || opts.ReviewerID == "" {
		return domain.Review{}, errors.New("reviewee and reviewer are required")
	}
	c, err := e.Repo.GetCycle(ctx, opts.TenantID, opts.CycleID)
	if err != nil {
		return domain.Review{}, err
	}
	if c.Terminal() {
		return domain.Review{}, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: c.Stage,
			Reason: "cycle is terminal"}
	}

	now := e.nowRFC3339()
	rv := domain.Review{
		ID:         uuid.NewString(),
		TenantID:   opts.TenantID,
		CycleID:    opts.CycleID,
		RevieweeID: opts.RevieweeID,
		ReviewerID: opts.ReviewerID,
		Type:       opts.Type,
		Status:     domain.ReviewPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ev, err := event.New(event.TypeReviewCreated, event.ReviewCreatedPayload{
		ReviewID:   rv.ID,
		CycleID:    rv.CycleID,
		RevieweeID: rv.RevieweeID,
		ReviewerID: rv.ReviewerID,
		ReviewType: rv.Type,
	}, event.Metadata{TenantID: opts.TenantID, UserID: opts.ActorID, Timestamp: e.now()})
	if err != nil {
		return domain.Review{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.ReviewExistsTx(ctx, tx, opts.TenantID, opts.CycleID, opts.RevieweeID, opts.ReviewerID, opts.Type)
	if err != nil {
		return domain.Review{}, err
	}
	if exists {
		return domain.Review{}, fmt.Errorf("%s review of %s by %s in cycle %s: %w",
			opts.Type, opts.RevieweeID, opts.ReviewerID, opts.CycleID, repo.ErrDuplicate)
	}
	if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return domain.Review{}, fmt.Errorf("insert review: %w", err)
	}
	if err := e.persist(ctx, tx, ev, "review", rv.ID, "create",
		nil, map[string]any{"status": rv.Status, "type": rv.Type}, rv, domain.ChangeInsert); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	e.Events.Publish(ctx, ev)
	return rv, nil
}

// SubmitReview records the reviewer's rating. Ratings are integers 1 to
// 5; the original rating never changes after submission.
func (e *Engine) SubmitReview(ctx context.Context, tenantID, reviewID string, rating int, actorID string) (domain.Review, error) {
	rv, err := e.Repo.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return rv, err
	}
	if err := ensureReviewTransition(rv.Status, domain.ReviewSubmitted); err != nil {
		return rv, err
	}

	ev, err := event.New(event.TypeReviewSubmitted, event.ReviewSubmittedPayload{
		ReviewID: rv.ID,
		CycleID:  rv.CycleID,
		Rating:   rating,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return rv, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rv, err
	}
	defer tx.Rollback()
	old := rv.Status
	now := e.nowRFC3339()
	rv.Status = domain.ReviewSubmitted
	rv.Rating = &rating
	rv.SubmittedAt = &now
	rv.UpdatedAt = now
	if err := e.Repo.UpdateReviewTx(ctx, tx, rv); err != nil {
		return rv, err
	}
	after := rv
	after.Version++
	if err := e.persist(ctx, tx, ev, "review", rv.ID, "submit",
		map[string]any{"status": old}, map[string]any{"status": rv.Status, "rating": rating}, after, domain.ChangeUpdate); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	e.Events.Publish(ctx, ev)
	return after, nil
}

// ShareReview releases an outcome to the reviewee. Only allowed while
// the cycle is in sharing.
func (e *Engine) ShareReview(ctx context.Context, tenantID, reviewID, actorID string) (domain.Review, error) {
	rv, err := e.Repo.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return rv, err
	}
	c, err := e.Repo.GetCycle(ctx, tenantID, rv.CycleID)
	if err != nil {
		return rv, err
	}
	if c.Stage != domain.StageSharing {
		return rv, InvalidTransitionError{Entity: "review", From: rv.Status, To: domain.ReviewShared,
			Reason: fmt.Sprintf("cycle is in %s, sharing requires the sharing stage", c.Stage)}
	}
	if err := ensureReviewTransition(rv.Status, domain.ReviewShared); err != nil {
		return rv, err
	}
	ev, err := event.New(event.TypeReviewShared, event.ReviewSharedPayload{
		ReviewID: rv.ID,
		CycleID:  rv.CycleID,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return rv, err
	}
	return e.updateReviewStatus(ctx, rv, domain.ReviewShared, "share", ev)
}

// AcknowledgeReview records the reviewee's acknowledgement.
func (e *Engine) AcknowledgeReview(ctx context.Context, tenantID, reviewID, actorID string) (domain.Review, error) {
	rv, err := e.Repo.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return rv, err
	}
	if err := ensureReviewTransition(rv.Status, domain.ReviewAcknowledged); err != nil {
		return rv, err
	}
	ev, err := event.New(event.TypeReviewAcknowledged, event.ReviewAcknowledgedPayload{
		ReviewID: rv.ID,
		CycleID:  rv.CycleID,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return rv, err
	}
	return e.updateReviewStatus(ctx, rv, domain.ReviewAcknowledged, "acknowledge", ev)
}

func (e *Engine) updateReviewStatus(ctx context.Context, rv domain.Review, status, action string, ev event.Event) (domain.Review, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rv, err
	}
	defer tx.Rollback()
	old := rv.Status
	rv.Status = status
	rv.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateReviewTx(ctx, tx, rv); err != nil {
		return rv, err
	}
	after := rv
	after.Version++
	if err := e.persist(ctx, tx, ev, "review", rv.ID, action,
		map[string]any{"status": old}, map[string]any{"status": status}, after, domain.ChangeUpdate); err != nil {
		return rv, err
	}
	if err := tx.Commit(); err != nil {
		return rv, err
	}
	e.Events.Publish(ctx, ev)
	return after, nil
}

// ensureReviewTransition enforces the review status machine.
func ensureReviewTransition(from, to string) error {
	ok := false
	switch from {
	case domain.ReviewPending:
		ok = to == domain.ReviewInProgress || to == domain.ReviewSubmitted
	case domain.ReviewInProgress:
		ok = to == domain.ReviewSubmitted
	case domain.ReviewSubmitted:
		ok = to == domain.ReviewCalibrated || to == domain.ReviewShared
	case domain.ReviewCalibrated:
		ok = to == domain.ReviewShared
	case domain.ReviewShared:
		ok = to == domain.ReviewAcknowledged
	}
	if !ok {
		return InvalidTransitionError{Entity: "review", From: from, To: to}
	}
	return nil
}
