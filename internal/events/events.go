// Package events carries domain events out of the sales pipeline: to Kafka
// for downstream consumers (notifications, refunds, reporting) and to the
// realtime hub for connected clients.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/estatepay/internal/idgen"
)

// Type names a domain event.
type Type string

const (
	PaymentCompleted      Type = "payment.completed"
	PaymentFailed         Type = "payment.failed"
	InvoicePaid           Type = "invoice.paid"
	UnitReserved          Type = "unit.reserved"
	UnitReleased          Type = "unit.released"
	RefundRequested       Type = "refund.requested"
	NotificationRequested Type = "notification.requested"
)

// Event is one domain event. InvoiceID is the partition key so consumers see
// the events of one sale in order.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	InvoiceID  string         `json:"invoiceId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(typ Type, invoiceID string, data map[string]any) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       typ,
		InvoiceID:  invoiceID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events. Publishing happens after the state change is
// committed; a publish failure never rolls it back.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }

// Multi fans events out to several publishers. Every publisher is tried;
// failures are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used by tests and by the
// development server when no broker is configured.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(typ Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
