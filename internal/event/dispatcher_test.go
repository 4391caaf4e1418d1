package event_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"perfline/internal/event"
)

func mustEvent(t *testing.T, typ event.Type, payload any) event.Event {
	t.Helper()
	e, err := event.New(typ, payload, event.Metadata{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return e
}

func TestPublishFanOutExactType(t *testing.T) {
	d := event.NewDispatcher(zerolog.Nop())
	var created, launched int
	d.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		created++
		return nil
	})
	d.Subscribe(event.TypeCycleLaunched, func(ctx context.Context, e event.Event) error {
		launched++
		return nil
	})
	d.Publish(context.Background(), mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}))
	if created != 1 {
		t.Fatalf("expected created handler to run once, got %d", created)
	}
	if launched != 0 {
		t.Fatalf("expected launched handler untouched, got %d", launched)
	}
}

func TestPublishIsolatesHandlerFailures(t *testing.T) {
	d := event.NewDispatcher(zerolog.Nop())
	var order []string
	d.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	d.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		order = append(order, "second")
		panic("much worse")
	})
	d.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		order = append(order, "third")
		return nil
	})
	d.Publish(context.Background(), mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}))
	if len(order) != 3 || order[2] != "third" {
		t.Fatalf("expected all handlers to run despite failures, got %v", order)
	}
}

func TestPublishBatchPreservesOrder(t *testing.T) {
	d := event.NewDispatcher(zerolog.Nop())
	var seen []string
	d.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		seen = append(seen, e.Payload.(event.CycleCreatedPayload).CycleID)
		return nil
	})
	batch := []event.Event{
		mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}),
		mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c2", Name: "b"}),
		mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c3", Name: "c"}),
	}
	d.PublishBatch(context.Background(), batch)
	if len(seen) != 3 || seen[0] != "c1" || seen[1] != "c2" || seen[2] != "c3" {
		t.Fatalf("expected batch order preserved, got %v", seen)
	}
}

func TestIsolatedDispatcherInstances(t *testing.T) {
	a := event.NewDispatcher(zerolog.Nop())
	b := event.NewDispatcher(zerolog.Nop())
	var hits int
	a.Subscribe(event.TypeCycleCreated, func(ctx context.Context, e event.Event) error {
		hits++
		return nil
	})
	b.Publish(context.Background(), mustEvent(t, event.TypeCycleCreated, event.CycleCreatedPayload{CycleID: "c1", Name: "a"}))
	if hits != 0 {
		t.Fatalf("expected no cross-instance delivery, got %d", hits)
	}
}
