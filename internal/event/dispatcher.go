package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes a single event. Returning an error marks the delivery
// failed for this handler only.
type Handler func(ctx context.Context, e Event) error

// Dispatcher is an in-process publish/subscribe router. It is the only
// place producers and consumers meet. Delivery is best-effort and
// non-durable: durability belongs to the audit append inside the command
// transaction, not to dispatch. Construct one per process (or per test)
// and inject it; there is no package-level instance.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	log      zerolog.Logger
}

// NewDispatcher returns an empty dispatcher logging handler failures to
// the given logger.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Type][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for the exact event type. Handlers run in
// registration order on the publisher's goroutine.
func (d *Dispatcher) Subscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

// Publish invokes every handler registered for the event's exact type.
// Handler errors and panics are logged individually and do not prevent
// sibling handlers from running or Publish from returning. Events for a
// single aggregate are delivered in publish order because dispatch runs
// synchronously on the caller.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	d.mu.RLock()
	hs := make([]Handler, len(d.handlers[e.Type]))
	copy(hs, d.handlers[e.Type])
	d.mu.RUnlock()
	for _, h := range hs {
		if err := d.invoke(ctx, h, e); err != nil {
			d.log.Error().
				Err(err).
				Str("event_type", string(e.Type)).
				Str("event_id", e.Meta.EventID).
				Str("tenant_id", e.Meta.TenantID).
				Str("correlation_id", e.Meta.CorrelationID).
				Msg("event handler failed")
		}
	}
}

// PublishBatch publishes events sequentially, preserving input order.
func (d *Dispatcher) PublishBatch(ctx context.Context, events []Event) {
	for _, e := range events {
		d.Publish(ctx, e)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
