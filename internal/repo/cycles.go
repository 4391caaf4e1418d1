package repo

import (
	"context"
	"database/sql"

	"perfline/internal/domain"
)

const cycleColumns = `id,tenant_id,name,stage,self_review_deadline,manager_review_deadline,calibration_deadline,sharing_deadline,participant_criteria,participant_count,grace_override,version,created_at,updated_at`

func scanCycle(scan func(...any) error) (domain.ReviewCycle, error) {
	var c domain.ReviewCycle
	var criteria sql.NullString
	var count sql.NullInt64
	err := scan(&c.ID, &c.TenantID, &c.Name, &c.Stage,
		&c.SelfReviewDeadline, &c.ManagerReviewDeadline, &c.CalibrationDeadline, &c.SharingDeadline,
		&criteria, &count, &c.GraceOverride, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if criteria.Valid {
		c.ParticipantCriteria = &criteria.String
	}
	if count.Valid {
		n := int(count.Int64)
		c.ParticipantCount = &n
	}
	return c, err
}

func (r Repo) InsertCycleTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_cycles(`+cycleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, c.Stage,
		c.SelfReviewDeadline, c.ManagerReviewDeadline, c.CalibrationDeadline, c.SharingDeadline,
		nullablePtr(c.ParticipantCriteria), nullablePtr(c.ParticipantCount), c.GraceOverride, c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, tenantID, id string) (domain.ReviewCycle, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM review_cycles WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanCycle(row.Scan)
}

func (r Repo) GetCycleTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ReviewCycle, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM review_cycles WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanCycle(row.Scan)
}

func (r Repo) ListCycles(ctx context.Context, tenantID string) ([]domain.ReviewCycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cycleColumns+` FROM review_cycles WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewCycle
	for rows.Next() {
		c, err := scanCycle(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCycleTx writes the full mutable state of a cycle, guarded by the
// version the caller read. Zero rows affected means a concurrent writer
// got there first.
func (r Repo) UpdateCycleTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCycle) error {
	res, err := tx.ExecContext(ctx, `UPDATE review_cycles
SET name=?, stage=?, self_review_deadline=?, manager_review_deadline=?, calibration_deadline=?, sharing_deadline=?,
    participant_criteria=?, participant_count=?, grace_override=?, version=version+1, updated_at=?
WHERE tenant_id=? AND id=? AND version=?`,
		c.Name, c.Stage, c.SelfReviewDeadline, c.ManagerReviewDeadline, c.CalibrationDeadline, c.SharingDeadline,
		nullablePtr(c.ParticipantCriteria), nullablePtr(c.ParticipantCount), c.GraceOverride, c.UpdatedAt,
		c.TenantID, c.ID, c.Version)
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

func (r Repo) AddParticipantTx(ctx context.Context, tx *sql.Tx, cycleID, employeeID, addedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO cycle_participants(cycle_id,employee_id,added_at) VALUES (?,?,?)`,
		cycleID, employeeID, addedAt)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, cycleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT employee_id FROM cycle_participants WHERE cycle_id=? ORDER BY employee_id`, cycleID)
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

func (r Repo) CountParticipantsTx(ctx context.Context, tx *sql.Tx, cycleID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_participants WHERE cycle_id=?`, cycleID).Scan(&n)
	return n, err
}
