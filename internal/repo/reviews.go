package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"perfline/internal/domain"
)

const reviewColumns = `id,tenant_id,cycle_id,reviewee_id,reviewer_id,type,status,rating,calibrated_rating,submitted_at,version,created_at,updated_at`

func scanReview(scan func(...any) error) (domain.Review, error) {
	var rv domain.Review
	var rating, calibrated sql.NullInt64
	var submitted sql.NullString
	err := scan(&rv.ID, &rv.TenantID, &rv.CycleID, &rv.RevieweeID, &rv.ReviewerID, &rv.Type, &rv.Status,
		&rating, &calibrated, &submitted, &rv.Version, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if rating.Valid {
		n := int(rating.Int64)
		rv.Rating = &n
	}
	if calibrated.Valid {
		n := int(calibrated.Int64)
		rv.CalibratedRating = &n
	}
	if submitted.Valid {
		rv.SubmittedAt = &submitted.String
	}
	return rv, err
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.TenantID, rv.CycleID, rv.RevieweeID, rv.ReviewerID, rv.Type, rv.Status,
		nullablePtr(rv.Rating), nullablePtr(rv.CalibratedRating), nullablePtr(rv.SubmittedAt), rv.Version, rv.CreatedAt, rv.UpdatedAt)
	return err
}

// ReviewExistsTx reports whether the cycle already has a review of the
// given type for this reviewee and reviewer pair.
func (r Repo) ReviewExistsTx(ctx context.Context, tx *sql.Tx, tenantID, cycleID, revieweeID, reviewerID, reviewType string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews WHERE tenant_id=? AND cycle_id=? AND reviewee_id=? AND reviewer_id=? AND type=?`,
		tenantID, cycleID, revieweeID, reviewerID, reviewType).Scan(&n)
	return n > 0, err
}

func (r Repo) GetReview(ctx context.Context, tenantID, id string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanReview(row.Scan)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Review, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanReview(row.Scan)
}

// ReviewFilter narrows ListReviews. Zero values mean no filter.
type ReviewFilter struct {
	CycleID    string
	RevieweeID string
	ReviewerID string
	Type       string
	Status     string
}

func (r Repo) ListReviews(ctx context.Context, tenantID string, f ReviewFilter) ([]domain.Review, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, val)
		}
	}
	add("cycle_id", f.CycleID)
	add("reviewee_id", f.RevieweeID)
	add("reviewer_id", f.ReviewerID)
	add("type", f.Type)
	add("status", f.Status)
	query := fmt.Sprintf(`SELECT %s FROM reviews WHERE %s ORDER BY created_at ASC`, reviewColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) UpdateReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviews
SET status=?, rating=?, calibrated_rating=?, submitted_at=?, version=version+1, updated_at=?
WHERE tenant_id=? AND id=? AND version=?`,
		rv.Status, nullablePtr(rv.Rating), nullablePtr(rv.CalibratedRating), nullablePtr(rv.SubmittedAt), rv.UpdatedAt,
		rv.TenantID, rv.ID, rv.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CountReviewsTx returns total and submitted-or-later counts for reviews
// of one type in a cycle, for stage guard checks.
func (r Repo) CountReviewsTx(ctx context.Context, tx *sql.Tx, cycleID, reviewType string) (total, submitted int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(CASE WHEN status IN ('submitted','calibrated','shared','acknowledged') THEN 1 ELSE 0 END),0)
FROM reviews WHERE cycle_id=? AND type=?`, cycleID, reviewType).Scan(&total, &submitted)
	return total, submitted, err
}

// ReviewIDsTx returns the IDs of reviews of one type in a cycle, in
// creation order.
func (r Repo) ReviewIDsTx(ctx context.Context, tx *sql.Tx, cycleID, reviewType string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM reviews WHERE cycle_id=? AND type=? ORDER BY created_at ASC`, cycleID, reviewType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
