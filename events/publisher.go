/*
Package events defines the best-effort event sink notified after successful
ledger writes. Publishing is fire-and-forget: a failed publish is logged by
the caller and never fails the write that triggered it.
*/
package events

import (
	"context"
	"time"
)

// Event types emitted by the ledger.
const (
	PaymentCreated  = "payment.created"
	PaymentAmended  = "payment.amended"
	PaymentReversed = "payment.reversed"
)

// Event is one ledger notification.
type Event struct {
	Type       string    `json:"type"`
	PaymentID  string    `json:"payment_id"`
	ContractID string    `json:"contract_id"`
	Amount     string    `json:"amount"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards all events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
