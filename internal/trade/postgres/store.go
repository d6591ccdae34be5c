// Package postgres persists the trade domain in PostgreSQL. State, inbox,
// and outbox writes for one transition share a single transaction, and the
// unique indexes on intent, order, and broker order ids back the same
// conflict guarantees the in-memory store enforces.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/trade"
)

const op = "trade/postgres"

const (
	intentSelectSQL = `
SELECT intent_id, trace_id, symbol, side, qty::text, price::text, approved, reason, snapshot,
       state, attempt_counter, submit_attempt_id, lease_owner, lease_expires_at,
       cancel_request_id, halted, updated_at
FROM trade_intents
WHERE intent_id = $1
FOR UPDATE`

	intentUpsertSQL = `
INSERT INTO trade_intents (
    intent_id, trace_id, symbol, side, qty, price, approved, reason, snapshot,
    state, attempt_counter, submit_attempt_id, lease_owner, lease_expires_at,
    cancel_request_id, halted, updated_at
) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (intent_id) DO UPDATE SET
    state = EXCLUDED.state,
    attempt_counter = EXCLUDED.attempt_counter,
    submit_attempt_id = EXCLUDED.submit_attempt_id,
    lease_owner = EXCLUDED.lease_owner,
    lease_expires_at = EXCLUDED.lease_expires_at,
    cancel_request_id = EXCLUDED.cancel_request_id,
    halted = EXCLUDED.halted,
    updated_at = EXCLUDED.updated_at`

	intentsInStateSQL = `
SELECT intent_id, trace_id, symbol, side, qty::text, price::text, approved, reason, snapshot,
       state, attempt_counter, submit_attempt_id, lease_owner, lease_expires_at,
       cancel_request_id, halted, updated_at
FROM trade_intents
WHERE state = $1
ORDER BY intent_id`

	inboxSelectSQL = `
SELECT intent_id, status, result_digest FROM trade_inbox WHERE intent_id = $1`

	inboxUpsertSQL = `
INSERT INTO trade_inbox (intent_id, status, result_digest)
VALUES ($1, $2, $3)
ON CONFLICT (intent_id) DO UPDATE SET status = EXCLUDED.status, result_digest = EXCLUDED.result_digest`

	orderColumnsSQL = `
SELECT order_id, intent_id, broker_order_id, request_hash, state,
       cum_qty::text, target_qty::text, raw_request, raw_response
FROM trade_orders`

	orderByIntentSQL   = orderColumnsSQL + ` WHERE intent_id = $1 FOR UPDATE`
	orderByBrokerIDSQL = orderColumnsSQL + ` WHERE broker_order_id = $1 FOR UPDATE`

	orderUpsertSQL = `
INSERT INTO trade_orders (
    order_id, intent_id, broker_order_id, request_hash, state,
    cum_qty, target_qty, raw_request, raw_response
) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)
ON CONFLICT (order_id) DO UPDATE SET
    broker_order_id = EXCLUDED.broker_order_id,
    state = EXCLUDED.state,
    cum_qty = EXCLUDED.cum_qty,
    raw_request = EXCLUDED.raw_request,
    raw_response = EXCLUDED.raw_response`

	fillSelectSQL = `
SELECT natural_key, order_id, qty::text, price::text, ts FROM trade_fills WHERE natural_key = $1`

	fillInsertSQL = `
INSERT INTO trade_fills (natural_key, order_id, qty, price, ts)
VALUES ($1, $2, $3::numeric, $4::numeric, $5)
ON CONFLICT (natural_key) DO NOTHING`

	fillsForOrderSQL = `
SELECT natural_key, order_id, qty::text, price::text, ts FROM trade_fills WHERE order_id = $1 ORDER BY ts`

	outboxInsertSQL = `
INSERT INTO trade_outbox (stream, body) VALUES ($1, $2)`

	outboxPendingSQL = `
SELECT seq, stream, body FROM trade_outbox WHERE sent_at IS NULL ORDER BY seq LIMIT $1`

	outboxMarkSentSQL = `
UPDATE trade_outbox SET sent_at = now() WHERE seq = $1 AND sent_at IS NULL`
)

// Store is the pgx-backed trade.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("open pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("ping"), errs.WithCause(err))
	}
	return &Store{pool: pool}, nil
}

// Transition runs fn inside one database transaction.
func (s *Store) Transition(ctx context.Context, fn func(tx trade.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("begin"), errs.WithCause(err))
	}
	wrapped := &sqlTx{ctx: ctx, tx: pgtx}
	if err := fn(wrapped); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("commit"), errs.WithCause(err))
	}
	return nil
}

// PendingOutbox lists unsent outbox records in sequence order.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]trade.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, outboxPendingSQL, limit)
	if err != nil {
		return nil, errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("list outbox"), errs.WithCause(err))
	}
	defer rows.Close()
	var records []trade.OutboxRecord
	for rows.Next() {
		var record trade.OutboxRecord
		if err := rows.Scan(&record.Seq, &record.Stream, &record.Body); err != nil {
			return nil, errs.New(op, errs.CodeStoreUnavailable,
				errs.WithMessage("scan outbox"), errs.WithCause(err))
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkOutboxSent stamps the record as published.
func (s *Store) MarkOutboxSent(ctx context.Context, seq int64) error {
	_, err := s.pool.Exec(ctx, outboxMarkSentSQL, seq)
	if err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("mark outbox"), errs.WithCause(err))
	}
	return nil
}

// IntentsInState lists intents currently in the given state.
func (s *Store) IntentsInState(ctx context.Context, state trade.State) ([]*trade.Intent, error) {
	rows, err := s.pool.Query(ctx, intentsInStateSQL, string(state))
	if err != nil {
		return nil, errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("list intents"), errs.WithCause(err))
	}
	defer rows.Close()
	var intents []*trade.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// sqlTx adapts one pgx transaction to the trade.Tx contract.
type sqlTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *sqlTx) GetIntent(intentID string) (*trade.Intent, bool, error) {
	row := t.tx.QueryRow(t.ctx, intentSelectSQL, intentID)
	intent, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return intent, true, nil
}

func (t *sqlTx) PutIntent(intent *trade.Intent) error {
	snapshot, err := json.Marshal(intent.Approval.Snapshot)
	if err != nil {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("encode snapshot"), errs.WithCause(err))
	}
	var leaseExpires *time.Time
	if !intent.LeaseExpiresAt.IsZero() {
		leaseExpires = &intent.LeaseExpiresAt
	}
	_, err = t.tx.Exec(t.ctx, intentUpsertSQL,
		intent.IntentID, intent.TraceID,
		intent.Approval.Symbol, intent.Approval.Side,
		intent.Approval.Qty.String(), intent.Approval.Price.String(),
		intent.Approval.Approved, intent.Approval.Reason, snapshot,
		string(intent.State), intent.AttemptCounter, intent.SubmitAttemptID,
		intent.LeaseOwner, leaseExpires, intent.CancelRequestID,
		intent.Halted, intent.UpdatedAt)
	if err != nil {
		return storeErr("put intent", err)
	}
	return nil
}

func (t *sqlTx) GetInbox(intentID string) (*trade.InboxRecord, bool, error) {
	var record trade.InboxRecord
	var status string
	err := t.tx.QueryRow(t.ctx, inboxSelectSQL, intentID).
		Scan(&record.IntentID, &status, &record.ResultDigest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeErr("get inbox", err)
	}
	record.Status = trade.State(status)
	return &record, true, nil
}

func (t *sqlTx) PutInbox(record *trade.InboxRecord) error {
	_, err := t.tx.Exec(t.ctx, inboxUpsertSQL,
		record.IntentID, string(record.Status), record.ResultDigest)
	if err != nil {
		return storeErr("put inbox", err)
	}
	return nil
}

func (t *sqlTx) GetOrderByIntent(intentID string) (*trade.Order, bool, error) {
	return t.scanOrderRow(orderByIntentSQL, intentID)
}

func (t *sqlTx) GetOrderByBrokerID(brokerOrderID string) (*trade.Order, bool, error) {
	return t.scanOrderRow(orderByBrokerIDSQL, brokerOrderID)
}

func (t *sqlTx) scanOrderRow(query, arg string) (*trade.Order, bool, error) {
	row := t.tx.QueryRow(t.ctx, query, arg)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return order, true, nil
}

func (t *sqlTx) PutOrder(order *trade.Order) error {
	var brokerOrderID *string
	if order.BrokerOrderID != "" {
		brokerOrderID = &order.BrokerOrderID
	}
	_, err := t.tx.Exec(t.ctx, orderUpsertSQL,
		order.OrderID, order.IntentID, brokerOrderID, order.RequestHash,
		string(order.State), order.CumQty.String(), order.TargetQty.String(),
		order.RawRequest, order.RawResponse)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.CodeConflict,
				errs.WithMessage("order identity already claimed"), errs.WithCause(err))
		}
		return storeErr("put order", err)
	}
	return nil
}

func (t *sqlTx) GetFill(naturalKey string) (*trade.Fill, bool, error) {
	fill, err := scanFill(t.tx.QueryRow(t.ctx, fillSelectSQL, naturalKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return fill, true, nil
}

func (t *sqlTx) PutFill(fill *trade.Fill) error {
	_, err := t.tx.Exec(t.ctx, fillInsertSQL,
		fill.NaturalKey, fill.OrderID, fill.Qty.String(), fill.Price.String(), fill.TS)
	if err != nil {
		return storeErr("put fill", err)
	}
	return nil
}

func (t *sqlTx) FillsForOrder(orderID string) ([]*trade.Fill, error) {
	rows, err := t.tx.Query(t.ctx, fillsForOrderSQL, orderID)
	if err != nil {
		return nil, storeErr("list fills", err)
	}
	defer rows.Close()
	var fills []*trade.Fill
	for rows.Next() {
		fill, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

func (t *sqlTx) AppendOutbox(stream string, body []byte) error {
	_, err := t.tx.Exec(t.ctx, outboxInsertSQL, stream, body)
	if err != nil {
		return storeErr("append outbox", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*trade.Intent, error) {
	var (
		intent       trade.Intent
		qty, price   string
		snapshot     []byte
		state        string
		leaseExpires *time.Time
	)
	err := row.Scan(
		&intent.IntentID, &intent.TraceID,
		&intent.Approval.Symbol, &intent.Approval.Side,
		&qty, &price,
		&intent.Approval.Approved, &intent.Approval.Reason, &snapshot,
		&state, &intent.AttemptCounter, &intent.SubmitAttemptID,
		&intent.LeaseOwner, &leaseExpires, &intent.CancelRequestID,
		&intent.Halted, &intent.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan intent", err)
	}
	intent.Approval.IntentID = intent.IntentID
	intent.Approval.TraceID = intent.TraceID
	intent.State = trade.State(state)
	if leaseExpires != nil {
		intent.LeaseExpiresAt = *leaseExpires
	}
	if intent.Approval.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, storeErr("decode qty", err)
	}
	if intent.Approval.Price, err = decimal.NewFromString(price); err != nil {
		return nil, storeErr("decode price", err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &intent.Approval.Snapshot); err != nil {
			return nil, storeErr("decode snapshot", err)
		}
	}
	return &intent, nil
}

func scanOrder(row rowScanner) (*trade.Order, error) {
	var (
		order             trade.Order
		brokerOrderID     *string
		state             string
		cumQty, targetQty string
	)
	err := row.Scan(
		&order.OrderID, &order.IntentID, &brokerOrderID, &order.RequestHash,
		&state, &cumQty, &targetQty, &order.RawRequest, &order.RawResponse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan order", err)
	}
	if brokerOrderID != nil {
		order.BrokerOrderID = *brokerOrderID
	}
	order.State = trade.State(state)
	if order.CumQty, err = decimal.NewFromString(cumQty); err != nil {
		return nil, storeErr("decode cum_qty", err)
	}
	if order.TargetQty, err = decimal.NewFromString(targetQty); err != nil {
		return nil, storeErr("decode target_qty", err)
	}
	return &order, nil
}

func scanFill(row rowScanner) (*trade.Fill, error) {
	var (
		fill       trade.Fill
		qty, price string
	)
	err := row.Scan(&fill.NaturalKey, &fill.OrderID, &qty, &price, &fill.TS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan fill", err)
	}
	if fill.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, storeErr("decode qty", err)
	}
	if fill.Price, err = decimal.NewFromString(price); err != nil {
		return nil, storeErr("decode price", err)
	}
	return &fill, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func storeErr(msg string, cause error) error {
	return errs.New(op, errs.CodeStoreUnavailable,
		errs.WithMessage(msg), errs.WithCause(cause))
}
