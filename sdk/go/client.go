package perflinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Perfline HTTP API client. The tenant is derived
// server-side from the credential, so the client only carries auth.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Cycle represents the API review-cycle model (partial).
type Cycle struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name"`
	Stage         string `json:"stage"`
	GraceOverride bool   `json:"grace_override"`
	Version       int    `json:"version"`
}

// Review represents the API review model (partial).
type Review struct {
	ID               string `json:"id"`
	CycleID          string `json:"cycle_id"`
	RevieweeID       string `json:"reviewee_id"`
	ReviewerID       string `json:"reviewer_id"`
	Type             string `json:"type"`
	Status           string `json:"status"`
	Rating           *int   `json:"rating,omitempty"`
	CalibratedRating *int   `json:"calibrated_rating,omitempty"`
}

// Session represents a calibration session.
type Session struct {
	ID                  string   `json:"id"`
	CycleID             string   `json:"cycle_id"`
	FacilitatorID       string   `json:"facilitator_id"`
	Status              string   `json:"status"`
	ParticipantSnapshot int      `json:"participant_snapshot"`
	ScopeReviewIDs      []string `json:"scope_review_ids,omitempty"`
}

// AuditEntry is one audit-log row.
type AuditEntry struct {
	ID            int64          `json:"id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	ActorID       string         `json:"actor_id"`
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlation_id"`
	OccurredAt    string         `json:"occurred_at"`
	NewValues     map[string]any `json:"new_values,omitempty"`
}

// HistoryEntry is one bitemporal snapshot.
type HistoryEntry struct {
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	Version       int    `json:"version"`
	Snapshot      any    `json:"snapshot"`
	ValidFrom     string `json:"valid_from"`
	ValidTo       string `json:"valid_to,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCycle creates a review cycle in draft.
func (c *Client) CreateCycle(ctx context.Context, name, selfDeadline, managerDeadline, calibrationDeadline, sharingDeadline string) (Cycle, error) {
	body := map[string]any{
		"name":                 name,
		"self_review_deadline": selfDeadline,
		"manager_deadline":     managerDeadline,
		"calibration_deadline": calibrationDeadline,
		"sharing_deadline":     sharingDeadline,
	}
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "v0/cycles", body, &resp)
	return resp, err
}

// AddParticipants adds employees to a draft cycle.
func (c *Client) AddParticipants(ctx context.Context, cycleID string, employeeIDs []string) (Cycle, error) {
	var resp Cycle
	endpoint := fmt.Sprintf("v0/cycles/%s/participants", url.PathEscape(cycleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"employee_ids": employeeIDs}, &resp)
	return resp, err
}

// AdvanceCycle moves a cycle to the next stage.
func (c *Client) AdvanceCycle(ctx context.Context, cycleID, toStage string) (Cycle, error) {
	var resp Cycle
	endpoint := fmt.Sprintf("v0/cycles/%s/advance", url.PathEscape(cycleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"to_stage": toStage}, &resp)
	return resp, err
}

// SubmitReview records a rating and submits the review.
func (c *Client) SubmitReview(ctx context.Context, reviewID string, rating int) (Review, error) {
	var resp Review
	endpoint := fmt.Sprintf("v0/reviews/%s/submit", url.PathEscape(reviewID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"rating": rating}, &resp)
	return resp, err
}

// ListReviews lists reviews, optionally filtered by cycle.
func (c *Client) ListReviews(ctx context.Context, cycleID string) ([]Review, error) {
	endpoint := "v0/reviews"
	if cycleID != "" {
		endpoint = fmt.Sprintf("%s?cycle_id=%s", endpoint, url.QueryEscape(cycleID))
	}
	var resp []Review
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdjustRating adjusts a rating inside a calibration session. The
// rationale is mandatory.
func (c *Client) AdjustRating(ctx context.Context, sessionID, reviewID string, rating int, rationale string) (Review, error) {
	body := map[string]any{
		"review_id":       reviewID,
		"adjusted_rating": rating,
		"rationale":       rationale,
	}
	var resp Review
	endpoint := fmt.Sprintf("v0/sessions/%s/adjust", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteSession completes a calibration session.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/complete", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Audit queries the audit log, newest first.
func (c *Client) Audit(ctx context.Context, aggregateType, aggregateID string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if aggregateType != "" {
		q.Set("aggregate_type", aggregateType)
	}
	if aggregateID != "" {
		q.Set("aggregate_id", aggregateID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/audit"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AsOf reconstructs an aggregate's state at an RFC3339 instant.
func (c *Client) AsOf(ctx context.Context, aggregateType, aggregateID, at string) (HistoryEntry, error) {
	var resp HistoryEntry
	endpoint := fmt.Sprintf("v0/history/%s/%s/as-of?at=%s",
		url.PathEscape(aggregateType), url.PathEscape(aggregateID), url.QueryEscape(at))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
