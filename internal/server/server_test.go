package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"perfline/internal/config"
	"perfline/internal/db"
	"perfline/internal/domain"
	"perfline/internal/engine"
	"perfline/internal/migrate"
	"perfline/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, cfg, zerolog.Nop())
	if _, err := e.CreateTenant(context.Background(), "acme", "Acme Corp"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 zerolog.Nop(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "hr-admin", "X-Tenant-Id": "acme"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createCycleHTTP(t *testing.T, srv *testServer) domain.ReviewCycle {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles", map[string]any{
		"name":                    "H1 2026",
		"self_review_deadline":    "2026-04-01T00:00:00Z",
		"manager_review_deadline": "2026-04-15T00:00:00Z",
		"calibration_deadline":    "2026-05-01T00:00:00Z",
		"sharing_deadline":        "2026-05-15T00:00:00Z",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle status %d: %s", res.StatusCode, string(data))
	}
	var c domain.ReviewCycle
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal cycle: %v", err)
	}
	return c
}

func TestCycleLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	c := createCycleHTTP(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/"+c.ID+"/participants", map[string]any{
		"employee_ids": []string{"emp-01", "emp-02"},
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add participants status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/"+c.ID+"/advance", map[string]any{
		"to_stage": domain.StageSelfAssessment,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	var advanced domain.ReviewCycle
	if err := json.Unmarshal(data, &advanced); err != nil {
		t.Fatalf("unmarshal advanced: %v", err)
	}
	if advanced.Stage != domain.StageSelfAssessment {
		t.Fatalf("expected stage self_assessment, got %s", advanced.Stage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?aggregate_id="+c.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var records []domain.AuditRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("expected create and launch audit rows, got %d", len(records))
	}
}

func TestAdvanceSkippingStageConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCycleHTTP(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/"+c.ID+"/advance", map[string]any{
		"to_stage": domain.StageManagerReview,
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected code invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestDuplicateReviewConflictsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCycleHTTP(t, srv)

	body := map[string]any{
		"cycle_id":    c.ID,
		"reviewee_id": "emp-01",
		"reviewer_id": "mgr-1",
		"type":        domain.ReviewTypeManager,
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews", body, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews", body, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second create status %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "duplicate" {
		t.Fatalf("expected code duplicate, got %q", envelope.Error.Code)
	}
}

func TestAdjustWithoutRationaleReturnsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	e := srv.Engine

	c, err := e.CreateCycle(ctx, engine.CycleCreateOptions{
		TenantID:            "acme",
		Name:                "Calibration over HTTP",
		SelfReviewDeadline:  "2026-04-01T00:00:00Z",
		ManagerDeadline:     "2026-04-15T00:00:00Z",
		CalibrationDeadline: "2026-05-01T00:00:00Z",
		SharingDeadline:     "2026-05-15T00:00:00Z",
		ActorID:             "hr-admin",
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if _, err := e.AddParticipants(ctx, "acme", c.ID, []string{"emp-01"}, "hr-admin"); err != nil {
		t.Fatalf("add participants: %v", err)
	}
	for _, stage := range []string{domain.StageScheduled, domain.StageSelfAssessment} {
		if _, err := e.AdvanceCycle(ctx, "acme", c.ID, stage, "hr-admin"); err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
	}
	selfReviews, err := e.Repo.ListReviews(ctx, "acme", repo.ReviewFilter{CycleID: c.ID, Type: domain.ReviewTypeSelf})
	if err != nil {
		t.Fatalf("list self reviews: %v", err)
	}
	for _, rv := range selfReviews {
		if _, err := e.SubmitReview(ctx, "acme", rv.ID, 3, rv.ReviewerID); err != nil {
			t.Fatalf("submit self review: %v", err)
		}
	}
	if _, err := e.AdvanceCycle(ctx, "acme", c.ID, domain.StageManagerReview, "hr-admin"); err != nil {
		t.Fatalf("advance to manager_review: %v", err)
	}
	mgr, err := e.CreateReview(ctx, engine.ReviewCreateOptions{
		TenantID:   "acme",
		CycleID:    c.ID,
		RevieweeID: "emp-01",
		ReviewerID: "mgr-1",
		Type:       domain.ReviewTypeManager,
		ActorID:    "hr-admin",
	})
	if err != nil {
		t.Fatalf("create manager review: %v", err)
	}
	if _, err := e.SubmitReview(ctx, "acme", mgr.ID, 3, "mgr-1"); err != nil {
		t.Fatalf("submit manager review: %v", err)
	}
	if _, err := e.AdvanceCycle(ctx, "acme", c.ID, domain.StageCalibration, "hr-admin"); err != nil {
		t.Fatalf("advance to calibration: %v", err)
	}
	sessions, err := e.Repo.ListSessions(ctx, "acme", c.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one auto-scheduled session, got %d (err %v)", len(sessions), err)
	}
	if _, err := e.StartSession(ctx, "acme", sessions[0].ID, "facilitator-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+sessions[0].ID+"/adjust", map[string]any{
		"review_id":       mgr.ID,
		"adjusted_rating": 4,
		"rationale":       "   ",
	}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_payload" {
		t.Fatalf("expected code invalid_payload, got %q", envelope.Error.Code)
	}
	if _, ok := envelope.Error.Details["rationale"]; !ok {
		t.Fatalf("expected rationale detail, got %v", envelope.Error.Details)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthenticatedRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "hr-admin",
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
}
