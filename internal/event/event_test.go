package event_test

import (
	"strings"
	"testing"
	"time"

	"perfline/internal/event"
)

func baseMeta() event.Metadata {
	return event.Metadata{
		TenantID: "acme",
		UserID:   "mgr-1",
	}
}

func TestNewDefaultsMetadata(t *testing.T) {
	e, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{
		CycleID: "c1",
		Name:    "FY26 H1",
	}, baseMeta())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if e.Meta.EventID == "" {
		t.Fatalf("expected event id to be generated")
	}
	if e.Meta.CorrelationID == "" {
		t.Fatalf("expected correlation id to be generated")
	}
	if e.Meta.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if e.Meta.SchemaVersion != 1 {
		t.Fatalf("expected schema version 1, got %d", e.Meta.SchemaVersion)
	}
}

func TestNewDistinctCorrelationIDs(t *testing.T) {
	a, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}, baseMeta())
	if err != nil {
		t.Fatal(err)
	}
	b, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c2", Name: "b"}, baseMeta())
	if err != nil {
		t.Fatal(err)
	}
	if a.Meta.CorrelationID == b.Meta.CorrelationID {
		t.Fatalf("unrelated events must not share a correlation id")
	}
}

func TestNewKeepsSuppliedCorrelationID(t *testing.T) {
	meta := baseMeta()
	meta.CorrelationID = "corr-7"
	e, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}, meta)
	if err != nil {
		t.Fatal(err)
	}
	if e.Meta.CorrelationID != "corr-7" {
		t.Fatalf("expected supplied correlation id, got %s", e.Meta.CorrelationID)
	}
}

func TestNewFailsClosed(t *testing.T) {
	_, err := event.New(event.TypeRatingAdjusted, event.RatingAdjustedPayload{
		SessionID:      "s1",
		OriginalRating: 3,
		AdjustedRating: 9,
	}, baseMeta())
	if err == nil {
		t.Fatalf("expected validation error")
	}
	verr, ok := err.(*event.ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	for _, field := range []string{"review_id", "adjusted_by", "adjusted_rating", "rationale"} {
		if _, found := verr.Fields[field]; !found {
			t.Fatalf("expected field %s in validation error, got %v", field, verr.Fields)
		}
	}
}

func TestNewRejectsWhitespaceRationale(t *testing.T) {
	_, err := event.New(event.TypeRatingAdjusted, event.RatingAdjustedPayload{
		ReviewID:       "r1",
		SessionID:      "s1",
		OriginalRating: 3,
		AdjustedRating: 4,
		AdjustedBy:     "mgr-1",
		Rationale:      "   \t ",
	}, baseMeta())
	if err == nil {
		t.Fatalf("expected whitespace rationale to be rejected")
	}
	if !strings.Contains(err.Error(), "rationale") {
		t.Fatalf("expected rationale in error, got %v", err)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := event.New(event.Type("review_cycle.renamed"), nil, baseMeta())
	if err == nil {
		t.Fatalf("expected unregistered type to be rejected")
	}
}

func TestNewRequiresTenant(t *testing.T) {
	_, err := event.New(event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}, event.Metadata{})
	if err == nil {
		t.Fatalf("expected missing tenant to be rejected")
	}
}

func TestNewRejectsBiasAlertSeverity(t *testing.T) {
	_, err := event.New(event.TypeBiasAlert, event.BiasAlertPayload{
		SessionID:   "s1",
		Severity:    "critical",
		Description: "pattern",
	}, baseMeta())
	if err == nil {
		t.Fatalf("expected severity outside low/medium/high to be rejected")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	meta := baseMeta()
	meta.EventID = "evt-1"
	meta.CorrelationID = "corr-1"
	meta.CausationID = "evt-0"
	meta.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orig, err := event.New(event.TypeRatingAdjusted, event.RatingAdjustedPayload{
		ReviewID:       "r1",
		SessionID:      "s1",
		OriginalRating: 3,
		AdjustedRating: 4,
		AdjustedBy:     "mgr-1",
		Rationale:      "peer calibration consensus",
	}, meta)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := event.Encode(orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := event.Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Type != orig.Type {
		t.Fatalf("type mismatch: %s != %s", back.Type, orig.Type)
	}
	if back.Payload != orig.Payload {
		t.Fatalf("payload mismatch: %#v != %#v", back.Payload, orig.Payload)
	}
	if back.Meta.EventID != orig.Meta.EventID ||
		back.Meta.CorrelationID != orig.Meta.CorrelationID ||
		back.Meta.CausationID != orig.Meta.CausationID ||
		back.Meta.SchemaVersion != orig.Meta.SchemaVersion ||
		!back.Meta.Timestamp.Equal(orig.Meta.Timestamp) {
		t.Fatalf("metadata mismatch: %#v != %#v", back.Meta, orig.Meta)
	}
}

func TestDecodeRejectsInvalidPayload(t *testing.T) {
	wire := []byte(`{"type":"calibration.rating_adjusted","payload":{"review_id":"r1","session_id":"s1","original_rating":3,"adjusted_rating":4,"adjusted_by":"mgr-1","rationale":""},"metadata":{"tenant_id":"acme"}}`)
	if _, err := event.Decode(wire); err == nil {
		t.Fatalf("expected decode to re-validate payload")
	}
}

func TestTypeDomain(t *testing.T) {
	if got := event.TypeRatingAdjusted.Domain(); got != "calibration" {
		t.Fatalf("expected calibration, got %s", got)
	}
	if got := event.TypeCycleLaunched.Domain(); got != "review_cycle" {
		t.Fatalf("expected review_cycle, got %s", got)
	}
}
