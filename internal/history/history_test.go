package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"perfline/internal/db"
	"perfline/internal/domain"
	"perfline/internal/migrate"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Store{DB: conn}
}

func record(t *testing.T, s Store, c Change) {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.RecordChange(context.Background(), tx, c); err != nil {
		tx.Rollback()
		t.Fatalf("record change: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestReconstructAsOf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	record(t, s, Change{
		TenantID: "acme", AggregateType: "review_cycle", AggregateID: "rc-1",
		Snapshot: map[string]any{"stage": "draft"}, ChangeType: domain.ChangeInsert,
		ChangedBy: "u-1", At: t0,
	})
	record(t, s, Change{
		TenantID: "acme", AggregateType: "review_cycle", AggregateID: "rc-1",
		Snapshot: map[string]any{"stage": "scheduled"}, ChangeType: domain.ChangeUpdate,
		ChangedBy: "u-1", At: t1,
	})
	record(t, s, Change{
		TenantID: "acme", AggregateType: "review_cycle", AggregateID: "rc-1",
		Snapshot: map[string]any{"stage": "self_assessment"}, ChangeType: domain.ChangeUpdate,
		ChangedBy: "u-2", At: t2,
	})

	cases := []struct {
		name  string
		at    time.Time
		stage string
	}{
		{"between first and second", t0.Add(30 * time.Minute), "draft"},
		{"exactly at transition sees new state", t1, "scheduled"},
		{"after last change", t2.Add(time.Hour), "self_assessment"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := s.ReconstructAsOf(ctx, "acme", "review_cycle", "rc-1", tc.at)
			if err != nil {
				t.Fatalf("reconstruct: %v", err)
			}
			var snap map[string]string
			if err := json.Unmarshal([]byte(rec.Snapshot), &snap); err != nil {
				t.Fatalf("unmarshal snapshot: %v", err)
			}
			if snap["stage"] != tc.stage {
				t.Errorf("stage = %q, want %q", snap["stage"], tc.stage)
			}
		})
	}
}

func TestReconstructBeforeCreation(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record(t, s, Change{
		TenantID: "acme", AggregateType: "review_cycle", AggregateID: "rc-1",
		Snapshot: map[string]any{"stage": "draft"}, ChangeType: domain.ChangeInsert,
		ChangedBy: "u-1", At: t0,
	})
	_, err := s.ReconstructAsOf(context.Background(), "acme", "review_cycle", "rc-1", t0.Add(-time.Minute))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIntervalsPartitionTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		ct := domain.ChangeUpdate
		if i == 0 {
			ct = domain.ChangeInsert
		}
		record(t, s, Change{
			TenantID: "acme", AggregateType: "review", AggregateID: "rv-1",
			Snapshot: map[string]any{"n": i}, ChangeType: ct,
			ChangedBy: "u-1", At: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	recs, err := s.ListHistory(ctx, "acme", "review", "rv-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("len = %d, want 4", len(recs))
	}
	open := 0
	for i, rec := range recs {
		if rec.Version != i+1 {
			t.Errorf("version[%d] = %d, want %d", i, rec.Version, i+1)
		}
		if rec.ValidTo == nil {
			open++
			continue
		}
		if *rec.ValidTo != recs[i+1].ValidFrom {
			t.Errorf("valid_to[%d] = %q, want %q", i, *rec.ValidTo, recs[i+1].ValidFrom)
		}
	}
	if open != 1 {
		t.Errorf("open intervals = %d, want 1", open)
	}

	cur, err := s.Current(ctx, "acme", "review", "rv-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Version != 4 {
		t.Errorf("current version = %d, want 4", cur.Version)
	}
}

func TestRecordChangeRequiresPriorInsert(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = s.RecordChange(context.Background(), tx, Change{
		TenantID: "acme", AggregateType: "review", AggregateID: "missing",
		Snapshot: map[string]any{}, ChangeType: domain.ChangeUpdate, ChangedBy: "u-1",
	})
	if err == nil {
		t.Fatal("expected error for update without prior snapshot")
	}
}
