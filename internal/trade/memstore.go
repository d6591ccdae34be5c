package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Victor-dw/Blackjack/errs"
)

// MemStore is the in-memory Store used by unit tests and the simulated
// execution mode. Transitions run under a single mutex with copy-on-write
// buffers, so a failed transition leaves no trace.
type MemStore struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	inbox     map[string]*InboxRecord
	orders    map[string]*Order // by order_id
	byIntent  map[string]string // intent_id -> order_id
	byBroker  map[string]string // broker_order_id -> order_id
	fills     map[string]*Fill
	outbox    []OutboxRecord
	outboxSeq int64
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		intents:  make(map[string]*Intent),
		inbox:    make(map[string]*InboxRecord),
		orders:   make(map[string]*Order),
		byIntent: make(map[string]string),
		byBroker: make(map[string]string),
		fills:    make(map[string]*Fill),
	}
}

type memTx struct {
	store *MemStore

	intents map[string]*Intent
	inbox   map[string]*InboxRecord
	orders  map[string]*Order
	fills   map[string]*Fill
	outbox  []OutboxRecord
}

func (s *MemStore) Transition(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{
		store:   s,
		intents: make(map[string]*Intent),
		inbox:   make(map[string]*InboxRecord),
		orders:  make(map[string]*Order),
		fills:   make(map[string]*Fill),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// commit must be called with store.mu held.
func (tx *memTx) commit() {
	s := tx.store
	for id, intent := range tx.intents {
		s.intents[id] = intent
	}
	for id, record := range tx.inbox {
		s.inbox[id] = record
	}
	for id, order := range tx.orders {
		s.orders[id] = order
		s.byIntent[order.IntentID] = id
		if order.BrokerOrderID != "" {
			s.byBroker[order.BrokerOrderID] = id
		}
	}
	for key, fill := range tx.fills {
		s.fills[key] = fill
	}
	for _, record := range tx.outbox {
		s.outboxSeq++
		record.Seq = s.outboxSeq
		s.outbox = append(s.outbox, record)
	}
}

func (tx *memTx) GetIntent(intentID string) (*Intent, bool, error) {
	if intent, ok := tx.intents[intentID]; ok {
		return cloneIntent(intent), true, nil
	}
	if intent, ok := tx.store.intents[intentID]; ok {
		return cloneIntent(intent), true, nil
	}
	return nil, false, nil
}

func (tx *memTx) PutIntent(intent *Intent) error {
	copied := cloneIntent(intent)
	copied.UpdatedAt = time.Now()
	tx.intents[intent.IntentID] = copied
	return nil
}

func (tx *memTx) GetInbox(intentID string) (*InboxRecord, bool, error) {
	if record, ok := tx.inbox[intentID]; ok {
		r := *record
		return &r, true, nil
	}
	if record, ok := tx.store.inbox[intentID]; ok {
		r := *record
		return &r, true, nil
	}
	return nil, false, nil
}

func (tx *memTx) PutInbox(record *InboxRecord) error {
	r := *record
	tx.inbox[record.IntentID] = &r
	return nil
}

func (tx *memTx) GetOrderByIntent(intentID string) (*Order, bool, error) {
	for _, order := range tx.orders {
		if order.IntentID == intentID {
			return cloneOrder(order), true, nil
		}
	}
	if id, ok := tx.store.byIntent[intentID]; ok {
		return cloneOrder(tx.store.orders[id]), true, nil
	}
	return nil, false, nil
}

func (tx *memTx) GetOrderByBrokerID(brokerOrderID string) (*Order, bool, error) {
	for _, order := range tx.orders {
		if order.BrokerOrderID == brokerOrderID {
			return cloneOrder(order), true, nil
		}
	}
	if id, ok := tx.store.byBroker[brokerOrderID]; ok {
		return cloneOrder(tx.store.orders[id]), true, nil
	}
	return nil, false, nil
}

func (tx *memTx) PutOrder(order *Order) error {
	// Unique indexes: one order per intent, one order per broker order id.
	if existingID, ok := tx.store.byIntent[order.IntentID]; ok && existingID != order.OrderID {
		return errs.New("trade/store", errs.CodeConflict,
			errs.WithMessage("intent already has an order"), errs.WithDetail(order.IntentID))
	}
	if order.BrokerOrderID != "" {
		if existingID, ok := tx.store.byBroker[order.BrokerOrderID]; ok && existingID != order.OrderID {
			return errs.New("trade/store", errs.CodeConflict,
				errs.WithMessage("broker order id already mapped"), errs.WithDetail(order.BrokerOrderID))
		}
	}
	tx.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (tx *memTx) GetFill(naturalKey string) (*Fill, bool, error) {
	if fill, ok := tx.fills[naturalKey]; ok {
		f := *fill
		return &f, true, nil
	}
	if fill, ok := tx.store.fills[naturalKey]; ok {
		f := *fill
		return &f, true, nil
	}
	return nil, false, nil
}

func (tx *memTx) PutFill(fill *Fill) error {
	f := *fill
	tx.fills[fill.NaturalKey] = &f
	return nil
}

func (tx *memTx) FillsForOrder(orderID string) ([]*Fill, error) {
	seen := make(map[string]*Fill)
	for key, fill := range tx.store.fills {
		if fill.OrderID == orderID {
			f := *fill
			seen[key] = &f
		}
	}
	for key, fill := range tx.fills {
		if fill.OrderID == orderID {
			f := *fill
			seen[key] = &f
		}
	}
	out := make([]*Fill, 0, len(seen))
	for _, fill := range seen {
		out = append(out, fill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (tx *memTx) AppendOutbox(stream string, body []byte) error {
	copied := make([]byte, len(body))
	copy(copied, body)
	tx.outbox = append(tx.outbox, OutboxRecord{Stream: stream, Body: copied})
	return nil
}

func (s *MemStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxRecord
	for _, record := range s.outbox {
		if !record.SentAt.IsZero() {
			continue
		}
		out = append(out, record)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkOutboxSent(ctx context.Context, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].Seq == seq {
			s.outbox[i].SentAt = time.Now()
			return nil
		}
	}
	return errs.New("trade/store", errs.CodeNotFound,
		errs.WithMessage("unknown outbox seq"))
}

func (s *MemStore) IntentsInState(ctx context.Context, state State) ([]*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Intent
	for _, intent := range s.intents {
		if intent.State == state {
			out = append(out, cloneIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntentID < out[j].IntentID })
	return out, nil
}

func (s *MemStore) Close() error { return nil }

func cloneIntent(intent *Intent) *Intent {
	copied := *intent
	if intent.Approval.Snapshot != nil {
		snapshot := make(map[string]any, len(intent.Approval.Snapshot))
		for k, v := range intent.Approval.Snapshot {
			snapshot[k] = v
		}
		copied.Approval.Snapshot = snapshot
	}
	return &copied
}

func cloneOrder(order *Order) *Order {
	copied := *order
	return &copied
}

var _ Store = (*MemStore)(nil)
