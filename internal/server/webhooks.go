package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"perfline/internal/config"
	"perfline/internal/domain"
	"perfline/internal/engine"
	"perfline/internal/event"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls the audit log and posts new records to the
// configured endpoints. Each hook keeps its own cursor so a slow or
// failing endpoint never blocks the others.
type webhookDispatcher struct {
	engine   *engine.Engine
	tenant   string
	webhooks []config.Webhook
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e *engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	tenantID := e.Config.Tenant.ID
	if strings.TrimSpace(tenantID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		tenant:   tenantID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if !hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.Webhook) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	records, err := d.engine.Audit.After(ctx, d.tenant, cursor, defaultWebhookBatch)
	if err != nil {
		d.engine.Log.Error().Err(err).Msg("webhook: fetch audit records failed")
		return
	}
	for _, rec := range records {
		if !hook.Subscribed(event.Type(rec.EventType)) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.postRecord(ctx, hook, rec); err != nil {
			d.engine.Log.Error().Err(err).Str("url", hook.URL).Msg("webhook: delivery failed")
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// Start at the tail so a fresh dispatcher does not replay history.
	cur, err := d.engine.Audit.LatestID(context.Background(), d.tenant)
	if err != nil {
		d.engine.Log.Error().Err(err).Msg("webhook: init cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookPayload struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	ActorID       string          `json:"actor_id"`
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	OccurredAt    string          `json:"occurred_at"`
	NewValues     json.RawMessage `json:"new_values,omitempty"`
	OldValues     json.RawMessage `json:"old_values,omitempty"`
}

func (d *webhookDispatcher) postRecord(ctx context.Context, hook config.Webhook, rec domain.AuditRecord) error {
	body := webhookPayload{
		ID:            rec.ID,
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		TenantID:      rec.TenantID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		ActorID:       rec.ActorID,
		Action:        rec.Action,
		CorrelationID: rec.CorrelationID,
		OccurredAt:    rec.OccurredAt,
	}
	if rec.CausationID != nil {
		body.CausationID = *rec.CausationID
	}
	if rec.NewValues != nil && json.Valid([]byte(*rec.NewValues)) {
		body.NewValues = json.RawMessage(*rec.NewValues)
	}
	if rec.OldValues != nil && json.Valid([]byte(*rec.OldValues)) {
		body.OldValues = json.RawMessage(*rec.OldValues)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Perfline-Event", rec.EventType)
	req.Header.Set("X-Perfline-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Perfline-Tenant", d.tenant)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Perfline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
