package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"perfline/internal/domain"
	"perfline/internal/event"
)

// Log provides the append-only audit trail. Append runs inside the
// command transaction: this is the durability boundary the in-process
// dispatcher does not have. There is no update or delete API.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record builds an audit row from a validated event plus the before/after
// state of the touched aggregate. Old and New may be nil for inserts and
// deletes respectively.
func Record(e event.Event, aggregateType, aggregateID, action string, old, new map[string]any) (domain.AuditRecord, error) {
	rec := domain.AuditRecord{
		TenantID:      e.Meta.TenantID,
		EventID:       e.Meta.EventID,
		EventType:     string(e.Type),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		ActorID:       e.Meta.UserID,
		Action:        action,
		CorrelationID: e.Meta.CorrelationID,
		OccurredAt:    e.Meta.Timestamp.UTC().Format(time.RFC3339),
	}
	if rec.ActorID == "" {
		rec.ActorID = "system"
	}
	if e.Meta.CausationID != "" {
		c := e.Meta.CausationID
		rec.CausationID = &c
	}
	if old != nil {
		s, err := marshalValues(old)
		if err != nil {
			return rec, err
		}
		rec.OldValues = &s
	}
	if new != nil {
		s, err := marshalValues(new)
		if err != nil {
			return rec, err
		}
		rec.NewValues = &s
	}
	if old != nil || new != nil {
		changed := ChangedFields(old, new)
		if len(changed) > 0 {
			b, err := json.Marshal(changed)
			if err != nil {
				return rec, err
			}
			s := string(b)
			rec.Changes = &s
		}
	}
	return rec, nil
}

func marshalValues(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal audit values: %w", err)
	}
	return string(b), nil
}

// ChangedFields returns the sorted names of fields whose value differs
// between old and new.
func ChangedFields(old, new map[string]any) []string {
	seen := map[string]bool{}
	for k := range old {
		seen[k] = true
	}
	for k := range new {
		seen[k] = true
	}
	var changed []string
	for k := range seen {
		ov, ook := old[k]
		nv, nok := new[k]
		if ook != nok || fmt.Sprint(ov) != fmt.Sprint(nv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Append writes one audit row inside the given transaction.
func (l Log) Append(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord) error {
	if strings.TrimSpace(rec.TenantID) == "" {
		return errors.New("audit record requires tenant_id")
	}
	if strings.TrimSpace(rec.EventID) == "" {
		return errors.New("audit record requires event_id")
	}
	if rec.OccurredAt == "" {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		rec.OccurredAt = now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log(tenant_id,event_id,event_type,aggregate_type,aggregate_id,actor_id,action,old_values,new_values,changes,correlation_id,causation_id,occurred_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.TenantID, rec.EventID, rec.EventType, rec.AggregateType, rec.AggregateID, rec.ActorID, rec.Action,
		nullableStrPtr(rec.OldValues), nullableStrPtr(rec.NewValues), nullableStrPtr(rec.Changes),
		rec.CorrelationID, nullableStrPtr(rec.CausationID), rec.OccurredAt)
	return err
}

// Query filters for reading the audit log. TenantID is mandatory; every
// read is tenant-scoped.
type Query struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	CorrelationID string
	EventType     string
	Limit         int
}

// List returns matching rows, newest first.
func (l Log) List(ctx context.Context, q Query) ([]domain.AuditRecord, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, errors.New("tenant_id required")
	}
	clauses := []string{"tenant_id=?"}
	args := []any{q.TenantID}
	if q.AggregateType != "" {
		clauses = append(clauses, "aggregate_type=?")
		args = append(args, q.AggregateType)
	}
	if q.AggregateID != "" {
		clauses = append(clauses, "aggregate_id=?")
		args = append(args, q.AggregateID)
	}
	if q.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, q.CorrelationID)
	}
	if q.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, q.EventType)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,tenant_id,event_id,event_type,aggregate_type,aggregate_id,actor_id,action,old_values,new_values,changes,correlation_id,causation_id,occurred_at
FROM audit_log WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return l.scanRows(ctx, query, args...)
}

// After returns rows with IDs greater than the cursor in ascending order,
// for consumers that track their own offset (webhook fan-out).
func (l Log) After(ctx context.Context, tenantID string, cursor int64, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,tenant_id,event_id,event_type,aggregate_type,aggregate_id,actor_id,action,old_values,new_values,changes,correlation_id,causation_id,occurred_at
FROM audit_log WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return l.scanRows(ctx, query, args...)
}

// LatestID returns the most recent audit row ID for a tenant.
func (l Log) LatestID(ctx context.Context, tenantID string) (int64, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log WHERE tenant_id=?`, tenantID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountForAggregate returns the number of audit rows for one aggregate.
func (l Log) CountForAggregate(ctx context.Context, tenantID, aggregateType, aggregateID string) (int, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE tenant_id=? AND aggregate_type=? AND aggregate_id=?`,
		tenantID, aggregateType, aggregateID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l Log) scanRows(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var oldV, newV, changes, causation sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EventID, &rec.EventType, &rec.AggregateType, &rec.AggregateID,
			&rec.ActorID, &rec.Action, &oldV, &newV, &changes, &rec.CorrelationID, &causation, &rec.OccurredAt); err != nil {
			return nil, err
		}
		if oldV.Valid {
			rec.OldValues = &oldV.String
		}
		if newV.Valid {
			rec.NewValues = &newV.String
		}
		if changes.Valid {
			rec.Changes = &changes.String
		}
		if causation.Valid {
			rec.CausationID = &causation.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func nullableStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
