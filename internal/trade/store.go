package trade

import (
	"context"
)

// Tx is the view a transition operates on. Every read and write inside one
// Transition call is atomic: state, inbox, and outbox commit together or not
// at all.
type Tx interface {
	GetIntent(intentID string) (*Intent, bool, error)
	PutIntent(intent *Intent) error

	GetInbox(intentID string) (*InboxRecord, bool, error)
	PutInbox(record *InboxRecord) error

	GetOrderByIntent(intentID string) (*Order, bool, error)
	GetOrderByBrokerID(brokerOrderID string) (*Order, bool, error)
	PutOrder(order *Order) error

	GetFill(naturalKey string) (*Fill, bool, error)
	PutFill(fill *Fill) error
	FillsForOrder(orderID string) ([]*Fill, error)

	AppendOutbox(stream string, body []byte) error
}

// Store persists the trade domain. Transition runs fn atomically; a returned
// error rolls everything back.
type Store interface {
	Transition(ctx context.Context, fn func(tx Tx) error) error

	// PendingOutbox returns unsent outbox records in sequence order.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)
	// MarkOutboxSent records the outbox entry as published.
	MarkOutboxSent(ctx context.Context, seq int64) error

	// IntentsInState lists intents currently in the given state.
	IntentsInState(ctx context.Context, state State) ([]*Intent, error)

	Close() error
}
