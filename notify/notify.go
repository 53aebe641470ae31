// Package notify fans timecard lifecycle events out to external sinks.
//
// Every notifier implements settlement.Notifier. Notification is
// best-effort: the engine logs a failed Notify and carries on.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/warp/shift-settlement/settlement"
)

// Payload is the wire form of an event shared by the webhook and NATS sinks.
type Payload struct {
	ID         string    `json:"id"`
	TimecardID string    `json:"timecard_id"`
	Type       string    `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// NewPayload converts an event to its wire form.
func NewPayload(e settlement.Event) Payload {
	return Payload{
		ID:         e.ID,
		TimecardID: string(e.TimecardID),
		Type:       string(e.Type),
		Reason:     e.Reason,
		Actor:      e.Actor,
		At:         e.At.UTC(),
	}
}

// =============================================================================
// LOG
// =============================================================================

// Log writes every event to the standard logger.
type Log struct{}

func (Log) Notify(_ context.Context, e settlement.Event) error {
	if e.Reason != "" {
		log.Printf("[Event] %s timecard=%s actor=%s reason=%q", e.Type, e.TimecardID, e.Actor, e.Reason)
		return nil
	}
	log.Printf("[Event] %s timecard=%s actor=%s", e.Type, e.TimecardID, e.Actor)
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi dispatches events to several notifiers. Every notifier is tried;
// failures are joined.
type Multi struct {
	notifiers []settlement.Notifier
}

// NewMulti constructs a Multi, skipping nil notifiers.
func NewMulti(notifiers ...settlement.Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Notify(ctx context.Context, e settlement.Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// FILTER
// =============================================================================

// Only forwards events of the given types to next.
func Only(next settlement.Notifier, types ...settlement.EventType) settlement.Notifier {
	allowed := make(map[settlement.EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return filtered{next: next, allowed: allowed}
}

type filtered struct {
	next    settlement.Notifier
	allowed map[settlement.EventType]bool
}

func (f filtered) Notify(ctx context.Context, e settlement.Event) error {
	if !f.allowed[e.Type] {
		return nil
	}
	return f.next.Notify(ctx, e)
}
