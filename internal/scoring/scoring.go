// Package scoring defines the contract for the external composite
// scoring service consulted during finalization. Scores live outside the
// lifecycle engine; this client only reads them.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Score is a composite score for one employee in one cycle.
type Score struct {
	EmployeeID string  `json:"employee_id"`
	Composite  float64 `json:"composite"`
	Confidence float64 `json:"confidence"`
}

// Client fetches composite scores.
type Client interface {
	CompositeScores(ctx context.Context, tenantID, cycleID string, employeeIDs []string) ([]Score, error)
}

// HTTPClient talks to a scoring service over HTTP.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient returns a client with the given timeout. Zero timeout
// means 5 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	TenantID    string   `json:"tenant_id"`
	CycleID     string   `json:"cycle_id"`
	EmployeeIDs []string `json:"employee_ids"`
}

type scoreResponse struct {
	Scores []Score `json:"scores"`
}

func (c *HTTPClient) CompositeScores(ctx context.Context, tenantID, cycleID string, employeeIDs []string) ([]Score, error) {
	body, err := json.Marshal(scoreRequest{TenantID: tenantID, CycleID: cycleID, EmployeeIDs: employeeIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/scores", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}
	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	return out.Scores, nil
}
