package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perfline/internal/audit"
	"perfline/internal/bias"
	"perfline/internal/config"
	"perfline/internal/domain"
	"perfline/internal/event"
	"perfline/internal/history"
	"perfline/internal/repo"
	"perfline/internal/scoring"
)

// Engine executes lifecycle commands. Every command follows the same
// shape: validate and build the event first, then one transaction for
// the business write, the audit row and the history snapshot, then
// publish to in-process subscribers after commit. A command that fails
// validation persists nothing.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Log
	History history.Store
	Events  *event.Dispatcher
	Config  *config.Config
	Bias    bias.Detector
	Scoring scoring.Client
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) *Engine {
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Log{DB: db},
		History: history.Store{DB: db},
		Events:  event.NewDispatcher(log),
		Config:  cfg,
		Bias:    bias.Nop{},
		Log:     log,
		Now:     time.Now,
	}
	// Entering the calibration stage schedules a session for the cycle.
	e.Events.Subscribe(event.TypeCycleStatusChanged, e.onCycleStatusChanged)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// persist writes the audit row and history snapshot for a command event
// inside its transaction.
func (e *Engine) persist(ctx context.Context, tx *sql.Tx, ev event.Event, aggType, aggID, action string, old, new map[string]any, snapshot any, changeType string) error {
	rec, err := audit.Record(ev, aggType, aggID, action, old, new)
	if err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, rec); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return e.History.RecordChange(ctx, tx, history.Change{
		TenantID:      ev.Meta.TenantID,
		AggregateType: aggType,
		AggregateID:   aggID,
		Snapshot:      snapshot,
		ChangeType:    changeType,
		ChangedBy:     rec.ActorID,
		At:            ev.Meta.Timestamp,
	})
}

// CreateTenant registers a tenant and seeds its default config.
func (e *Engine) CreateTenant(ctx context.Context, id, name string) (domain.Tenant, error) {
	if id == "" {
		return domain.Tenant{}, errors.New("tenant id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	t := domain.Tenant{ID: id, Name: name, Status: "active", CreatedAt: e.nowRFC3339()}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)`,
		t.ID, config.GenerateDefault(t.ID), t.CreatedAt, t.CreatedAt); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// CycleCreateOptions are parameters for creating a review cycle.
type CycleCreateOptions struct {
	TenantID            string
	Name                string
	SelfReviewDeadline  string
	ManagerDeadline     string
	CalibrationDeadline string
	SharingDeadline     string
	ParticipantCriteria string
	ActorID             string
}

// CreateCycle creates a cycle in draft. Deadlines must be RFC3339 and
// strictly ordered self < manager < calibration < sharing.
func (e *Engine) CreateCycle(ctx context.Context, opts CycleCreateOptions) (domain.ReviewCycle, error) {
	if opts.Name == "" {
		return domain.ReviewCycle{}, errors.New("name is required")
	}
	deadlines := []struct {
		name, value string
	}{
		{"self_review_deadline", opts.SelfReviewDeadline},
		{"manager_review_deadline", opts.ManagerDeadline},
		{"calibration_deadline", opts.CalibrationDeadline},
		{"sharing_deadline", opts.SharingDeadline},
	}
	var prev time.Time
	for i, d := range deadlines {
		ts, err := time.Parse(time.RFC3339, d.value)
		if err != nil {
			return domain.ReviewCycle{}, fmt.Errorf("%s must be RFC3339: %w", d.name, err)
		}
		if i > 0 && !ts.After(prev) {
			return domain.ReviewCycle{}, fmt.Errorf("%s must be after %s", d.name, deadlines[i-1].name)
		}
		prev = ts
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.ReviewCycle{}, err
	}

	now := e.nowRFC3339()
	c := domain.ReviewCycle{
		ID:                    uuid.NewString(),
		TenantID:              opts.TenantID,
		Name:                  opts.Name,
		Stage:                 domain.StageDraft,
		SelfReviewDeadline:    opts.SelfReviewDeadline,
		ManagerReviewDeadline: opts.ManagerDeadline,
		CalibrationDeadline:   opts.CalibrationDeadline,
		SharingDeadline:       opts.SharingDeadline,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if opts.ParticipantCriteria != "" {
		c.ParticipantCriteria = &opts.ParticipantCriteria
	}

	ev, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{
		CycleID: c.ID,
		Name:    c.Name,
	}, event.Metadata{TenantID: opts.TenantID, UserID: opts.ActorID, Timestamp: e.now()})
	if err != nil {
		return domain.ReviewCycle{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewCycle{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCycleTx(ctx, tx, c); err != nil {
		return domain.ReviewCycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.persist(ctx, tx, ev, "review_cycle", c.ID, "create",
		nil, map[string]any{"stage": c.Stage, "name": c.Name}, c, domain.ChangeInsert); err != nil {
		return domain.ReviewCycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewCycle{}, err
	}
	e.Events.Publish(ctx, ev)
	return c, nil
}

// AddParticipants registers employees in a draft cycle.
func (e *Engine) AddParticipants(ctx context.Context, tenantID, cycleID string, employeeIDs []string, actorID string) (domain.ReviewCycle, error) {
	if len(employeeIDs) == 0 {
		return domain.ReviewCycle{}, errors.New("at least one employee id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewCycle{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCycleTx(ctx, tx, tenantID, cycleID)
	if err != nil {
		return c, err
	}
	if c.Stage != domain.StageDraft {
		return c, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: c.Stage,
			Reason: "participants can only be added in draft"}
	}
	now := e.nowRFC3339()
	for _, id := range employeeIDs {
		if id == "" {
			return c, errors.New("empty employee id")
		}
		if err := e.Repo.AddParticipantTx(ctx, tx, cycleID, id, now); err != nil {
			return c, err
		}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// AdvanceCycle moves a cycle to the next stage, enforcing forward-only
// order and the entry guard of the target stage. Entering self_assessment
// launches the cycle: it requires at least one participant, records the
// participant count, and seeds the self reviews. A draft cycle may launch
// directly, skipping scheduled.
func (e *Engine) AdvanceCycle(ctx context.Context, tenantID, cycleID, toStage, actorID string) (domain.ReviewCycle, error) {
	c, err := e.Repo.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return c, err
	}
	if err := ensureCycleTransition(c.Stage, toStage); err != nil {
		return c, err
	}

	ev, err := event.New(event.TypeCycleStatusChanged, event.CycleStatusChangedPayload{
		CycleID:   c.ID,
		FromStage: c.Stage,
		ToStage:   toStage,
		ActorID:   actorID,
		GraceUsed: c.GraceOverride,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return c, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	var launched *event.Event
	var created []event.Event
	switch toStage {
	case domain.StageSelfAssessment:
		count, err := e.Repo.CountParticipantsTx(ctx, tx, c.ID)
		if err != nil {
			return c, err
		}
		if count == 0 {
			return c, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: toStage,
				Reason: "cycle has no participants"}
		}
		c.ParticipantCount = &count
		lev, err := event.New(event.TypeCycleLaunched, event.CycleLaunchedPayload{
			CycleID:          c.ID,
			ParticipantCount: count,
		}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now(),
			CorrelationID: ev.Meta.CorrelationID, CausationID: ev.Meta.EventID})
		if err != nil {
			return c, err
		}
		launched = &lev
		created, err = e.createSelfReviewsTx(ctx, tx, c, ev)
		if err != nil {
			return c, err
		}
	case domain.StageManagerReview:
		if err := e.ensureReviewsSubmittedTx(ctx, tx, c, domain.ReviewTypeSelf, toStage); err != nil {
			return c, err
		}
	case domain.StageCalibration:
		if err := e.ensureReviewsSubmittedTx(ctx, tx, c, domain.ReviewTypeManager, toStage); err != nil {
			return c, err
		}
	case domain.StageFinalization:
		if err := e.ensureCalibrationSettledTx(ctx, tx, c, toStage); err != nil {
			return c, err
		}
	}

	old := c.Stage
	c.Stage = toStage
	c.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return c, err
	}
	cycleAfter := c
	cycleAfter.Version++
	if err := e.persist(ctx, tx, ev, "review_cycle", c.ID, "advance",
		map[string]any{"stage": old}, map[string]any{"stage": toStage}, cycleAfter, domain.ChangeUpdate); err != nil {
		return c, err
	}
	if launched != nil {
		rec, err := audit.Record(*launched, "review_cycle", c.ID, "launch",
			nil, map[string]any{"participant_count": *c.ParticipantCount})
		if err != nil {
			return c, err
		}
		if err := e.Audit.Append(ctx, tx, rec); err != nil {
			return c, err
		}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c = cycleAfter

	e.Events.Publish(ctx, ev)
	if launched != nil {
		e.Events.Publish(ctx, *launched)
	}
	e.Events.PublishBatch(ctx, created)
	return c, nil
}

// SetGraceOverride toggles the grace flag that lets a cycle advance past
// unmet submission guards.
func (e *Engine) SetGraceOverride(ctx context.Context, tenantID, cycleID string, grace bool, actorID string) (domain.ReviewCycle, error) {
	c, err := e.Repo.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return c, err
	}
	if c.Terminal() {
		return c, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: c.Stage,
			Reason: "cycle is terminal"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	old := c.GraceOverride
	c.GraceOverride = grace
	c.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return c, err
	}
	ev, err := event.New(event.TypeGraceOverrideSet, event.GraceOverrideSetPayload{
		CycleID: c.ID,
		Enabled: grace,
		ActorID: actorID,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return c, err
	}
	cycleAfter := c
	cycleAfter.Version++
	if err := e.persist(ctx, tx, ev, "review_cycle", c.ID, "grace_override",
		map[string]any{"grace_override": old}, map[string]any{"grace_override": grace}, cycleAfter, domain.ChangeUpdate); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.Events.Publish(ctx, ev)
	return cycleAfter, nil
}

// CancelCycle moves a cycle to cancelled from any non-terminal stage.
// Completed cycles cannot be cancelled.
func (e *Engine) CancelCycle(ctx context.Context, tenantID, cycleID, note, actorID string) (domain.ReviewCycle, error) {
	c, err := e.Repo.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return c, err
	}
	if c.Stage == domain.StageCompleted {
		return c, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: domain.StageCancelled,
			Reason: "completed cycles cannot be cancelled"}
	}
	if c.Stage == domain.StageCancelled {
		return c, InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: domain.StageCancelled,
			Reason: "already cancelled"}
	}

	ev, err := event.New(event.TypeCycleStatusChanged, event.CycleStatusChangedPayload{
		CycleID:    c.ID,
		FromStage:  c.Stage,
		ToStage:    domain.StageCancelled,
		ActorID:    actorID,
		CancelNote: note,
	}, event.Metadata{TenantID: tenantID, UserID: actorID, Timestamp: e.now()})
	if err != nil {
		return c, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	old := c.Stage
	c.Stage = domain.StageCancelled
	c.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return c, err
	}
	cycleAfter := c
	cycleAfter.Version++
	if err := e.persist(ctx, tx, ev, "review_cycle", c.ID, "cancel",
		map[string]any{"stage": old}, map[string]any{"stage": domain.StageCancelled}, cycleAfter, domain.ChangeUpdate); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.Events.Publish(ctx, ev)
	return cycleAfter, nil
}

// CycleScores fetches composite scores for a cycle's participants from
// the configured scoring service. Available once the cycle reached
// finalization.
func (e *Engine) CycleScores(ctx context.Context, tenantID, cycleID string) ([]scoring.Score, error) {
	if e.Scoring == nil {
		return nil, errors.New("no scoring service configured")
	}
	c, err := e.Repo.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if idx := domain.StageIndex(c.Stage); idx != -1 && idx < domain.StageIndex(domain.StageFinalization) {
		return nil, fmt.Errorf("cycle %s has not reached finalization", cycleID)
	}
	participants, err := e.Repo.ListParticipants(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	return e.Scoring.CompositeScores(ctx, tenantID, cycleID, participants)
}

// ensureCycleTransition allows only the next forward stage, except that
// launch may skip the optional scheduled stage.
func ensureCycleTransition(from, to string) error {
	fi := domain.StageIndex(from)
	ti := domain.StageIndex(to)
	if fi == -1 || ti == -1 {
		return InvalidTransitionError{Entity: "review_cycle", From: from, To: to}
	}
	if from == domain.StageDraft && to == domain.StageSelfAssessment {
		return nil
	}
	if ti != fi+1 {
		return InvalidTransitionError{Entity: "review_cycle", From: from, To: to,
			Reason: "stages advance one step at a time"}
	}
	return nil
}

// ensureReviewsSubmittedTx gates a stage entry on every review of the
// given type being submitted, unless grace override is set.
func (e *Engine) ensureReviewsSubmittedTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCycle, reviewType, toStage string) error {
	if c.GraceOverride {
		return nil
	}
	total, submitted, err := e.Repo.CountReviewsTx(ctx, tx, c.ID, reviewType)
	if err != nil {
		return err
	}
	if submitted < total {
		return InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: toStage,
			Reason: fmt.Sprintf("%d of %d %s reviews submitted", submitted, total, reviewType)}
	}
	return nil
}

// ensureCalibrationSettledTx gates finalization on every session of the
// cycle being completed or cancelled.
func (e *Engine) ensureCalibrationSettledTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCycle, toStage string) error {
	var open int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM calibration_sessions WHERE cycle_id=? AND status IN ('scheduled','in_progress')`, c.ID).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return InvalidTransitionError{Entity: "review_cycle", From: c.Stage, To: toStage,
			Reason: fmt.Sprintf("%d calibration sessions still open", open)}
	}
	return nil
}
