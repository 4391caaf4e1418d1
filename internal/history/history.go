package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perfline/internal/domain"
)

// ErrNotFound is returned when no snapshot covers the requested instant.
var ErrNotFound = errors.New("history: no snapshot for instant")

// Store keeps bitemporal snapshots of aggregates. Each change closes the
// open interval and opens a new one, so for any aggregate the validity
// intervals partition time from its creation onward.
type Store struct {
	DB *sql.DB
}

// Change describes one state transition to record.
type Change struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	Snapshot      any
	ChangeType    string
	ChangedBy     string
	// At is the transition instant, both valid_to of the closed row
	// and valid_from of the new one. Zero means now.
	At time.Time
}

// RecordChange appends a snapshot inside the command transaction. The
// previous open row, if any, gets its valid_to set to the new valid_from.
func (s Store) RecordChange(ctx context.Context, tx *sql.Tx, c Change) error {
	if c.TenantID == "" || c.AggregateType == "" || c.AggregateID == "" {
		return errors.New("history: change requires tenant, aggregate type and id")
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	validFrom := at.UTC().Format(time.RFC3339)

	blob, err := json.Marshal(c.Snapshot)
	if err != nil {
		return fmt.Errorf("history: marshal snapshot: %w", err)
	}

	var version int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM aggregate_history
WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=?`, c.TenantID, c.AggregateType, c.AggregateID)
	if err := row.Scan(&version); err != nil {
		return err
	}
	if version == 0 && c.ChangeType != domain.ChangeInsert {
		return fmt.Errorf("history: %s %s has no prior snapshot", c.AggregateType, c.AggregateID)
	}

	if version > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE aggregate_history SET valid_to=?
WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=? AND valid_to IS NULL`,
			validFrom, c.TenantID, c.AggregateType, c.AggregateID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO aggregate_history(tenant_id,aggregate_type,aggregate_id,snapshot,valid_from,valid_to,change_type,changed_by,version)
VALUES (?,?,?,?,?,NULL,?,?,?)`,
		c.TenantID, c.AggregateType, c.AggregateID, string(blob), validFrom, c.ChangeType, c.ChangedBy, version+1)
	return err
}

// ReconstructAsOf returns the snapshot that was valid at the given
// instant. Intervals are half open [valid_from, valid_to), so a state
// replaced at exactly t does not match t. RFC3339 UTC strings compare
// lexicographically, which keeps this a plain string comparison in SQL.
func (s Store) ReconstructAsOf(ctx context.Context, tenantID, aggregateType, aggregateID string, at time.Time) (domain.HistoryRecord, error) {
	instant := at.UTC().Format(time.RFC3339)
	row := s.DB.QueryRowContext(ctx, `SELECT history_id,tenant_id,aggregate_type,aggregate_id,snapshot,valid_from,valid_to,change_type,changed_by,version
FROM aggregate_history
WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=? AND valid_from<=? AND (valid_to IS NULL OR valid_to>?)
ORDER BY version DESC LIMIT 1`, tenantID, aggregateType, aggregateID, instant, instant)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HistoryRecord{}, ErrNotFound
	}
	return rec, err
}

// ListHistory returns every snapshot of an aggregate in version order.
func (s Store) ListHistory(ctx context.Context, tenantID, aggregateType, aggregateID string) ([]domain.HistoryRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT history_id,tenant_id,aggregate_type,aggregate_id,snapshot,valid_from,valid_to,change_type,changed_by,version
FROM aggregate_history
WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=?
ORDER BY version ASC`, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Current returns the open snapshot for an aggregate.
func (s Store) Current(ctx context.Context, tenantID, aggregateType, aggregateID string) (domain.HistoryRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT history_id,tenant_id,aggregate_type,aggregate_id,snapshot,valid_from,valid_to,change_type,changed_by,version
FROM aggregate_history
WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=? AND valid_to IS NULL`,
		tenantID, aggregateType, aggregateID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HistoryRecord{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(scan func(...any) error) (domain.HistoryRecord, error) {
	var rec domain.HistoryRecord
	var validTo sql.NullString
	err := scan(&rec.HistoryID, &rec.TenantID, &rec.AggregateType, &rec.AggregateID, &rec.Snapshot,
		&rec.ValidFrom, &validTo, &rec.ChangeType, &rec.ChangedBy, &rec.Version)
	if err != nil {
		return rec, err
	}
	if validTo.Valid {
		rec.ValidTo = &validTo.String
	}
	return rec, nil
}
