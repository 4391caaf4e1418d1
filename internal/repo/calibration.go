package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"perfline/internal/domain"
)

const sessionColumns = `id,tenant_id,cycle_id,status,facilitator_id,participant_ids,participant_snapshot,scope_review_ids,version,created_at,updated_at`

func scanSession(scan func(...any) error) (domain.CalibrationSession, error) {
	var s domain.CalibrationSession
	var facilitator, participants, scope sql.NullString
	var snapshot sql.NullInt64
	err := scan(&s.ID, &s.TenantID, &s.CycleID, &s.Status, &facilitator, &participants, &snapshot, &scope,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if facilitator.Valid {
		s.FacilitatorID = &facilitator.String
	}
	if snapshot.Valid {
		n := int(snapshot.Int64)
		s.ParticipantSnapshot = &n
	}
	if participants.Valid && participants.String != "" {
		if err := json.Unmarshal([]byte(participants.String), &s.ParticipantIDs); err != nil {
			return s, fmt.Errorf("decode participant_ids for session %s: %w", s.ID, err)
		}
	}
	if scope.Valid && scope.String != "" {
		if err := json.Unmarshal([]byte(scope.String), &s.ScopeReviewIDs); err != nil {
			return s, fmt.Errorf("decode scope_review_ids for session %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func encodeIDs(ids []string) (any, error) {
	if ids == nil {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.CalibrationSession) error {
	participants, err := encodeIDs(s.ParticipantIDs)
	if err != nil {
		return err
	}
	scope, err := encodeIDs(s.ScopeReviewIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO calibration_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.CycleID, s.Status, nullablePtr(s.FacilitatorID), participants,
		nullablePtr(s.ParticipantSnapshot), scope, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, tenantID, id string) (domain.CalibrationSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM calibration_sessions WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.CalibrationSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM calibration_sessions WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanSession(row.Scan)
}

func (r Repo) ListSessions(ctx context.Context, tenantID, cycleID string) ([]domain.CalibrationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM calibration_sessions WHERE tenant_id=?`
	args := []any{tenantID}
	if cycleID != "" {
		query += ` AND cycle_id=?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalibrationSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.CalibrationSession) error {
	participants, err := encodeIDs(s.ParticipantIDs)
	if err != nil {
		return err
	}
	scope, err := encodeIDs(s.ScopeReviewIDs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE calibration_sessions
SET status=?, facilitator_id=?, participant_ids=?, participant_snapshot=?, scope_review_ids=?, version=version+1, updated_at=?
WHERE tenant_id=? AND id=? AND version=?`,
		s.Status, nullablePtr(s.FacilitatorID), participants, nullablePtr(s.ParticipantSnapshot), scope, s.UpdatedAt,
		s.TenantID, s.ID, s.Version)
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

// UpsertResolutionTx records or replaces the resolution of one review in
// a session. Re-adjusting a review during an open session keeps a single
// resolution row per (session, review) pair.
func (r Repo) UpsertResolutionTx(ctx context.Context, tx *sql.Tx, res domain.CalibrationResolution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO calibration_resolutions(id,tenant_id,session_id,review_id,kind,original_rating,adjusted_rating,resolved_by,rationale,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,review_id) DO UPDATE SET
  kind=excluded.kind, original_rating=excluded.original_rating, adjusted_rating=excluded.adjusted_rating,
  resolved_by=excluded.resolved_by, rationale=excluded.rationale, created_at=excluded.created_at`,
		res.ID, res.TenantID, res.SessionID, res.ReviewID, res.Kind,
		nullablePtr(res.OriginalRating), nullablePtr(res.AdjustedRating), res.ResolvedBy, nullable(res.Rationale), res.CreatedAt)
	return err
}

func (r Repo) ListResolutions(ctx context.Context, tenantID, sessionID string) ([]domain.CalibrationResolution, error) {
	return r.listResolutions(ctx, r.DB.QueryContext, tenantID, sessionID)
}

func (r Repo) ListResolutionsTx(ctx context.Context, tx *sql.Tx, tenantID, sessionID string) ([]domain.CalibrationResolution, error) {
	return r.listResolutions(ctx, tx.QueryContext, tenantID, sessionID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listResolutions(ctx context.Context, query queryFunc, tenantID, sessionID string) ([]domain.CalibrationResolution, error) {
	rows, err := query(ctx, `SELECT id,tenant_id,session_id,review_id,kind,original_rating,adjusted_rating,resolved_by,COALESCE(rationale,''),created_at
FROM calibration_resolutions WHERE tenant_id=? AND session_id=? ORDER BY created_at ASC`, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalibrationResolution
	for rows.Next() {
		var cr domain.CalibrationResolution
		var original, adjusted sql.NullInt64
		if err := rows.Scan(&cr.ID, &cr.TenantID, &cr.SessionID, &cr.ReviewID, &cr.Kind,
			&original, &adjusted, &cr.ResolvedBy, &cr.Rationale, &cr.CreatedAt); err != nil {
			return nil, err
		}
		if original.Valid {
			n := int(original.Int64)
			cr.OriginalRating = &n
		}
		if adjusted.Valid {
			n := int(adjusted.Int64)
			cr.AdjustedRating = &n
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}
