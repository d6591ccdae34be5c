package streamlog

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Victor-dw/Blackjack/errs"
)

// bodyField is the single hash field each stream entry is stored under,
// matching the wire format the replay tooling expects.
const bodyField = "event"

// RedisLog implements Log on Redis Streams. One RedisLog represents one
// plane; the compute and trade planes are distinct instances pointed at
// physically isolated servers.
type RedisLog struct {
	client *redis.Client
}

// NewRedisLog connects to the store at url (a redis:// connection string).
func NewRedisLog(url string) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.New("streamlog/redis", errs.CodeInvalid,
			errs.WithMessage("parse store url"), errs.WithCause(err))
	}
	return &RedisLog{client: redis.NewClient(opts)}, nil
}

// NewRedisLogFromClient wraps an existing client; used by tests.
func NewRedisLogFromClient(client *redis.Client) *RedisLog {
	return &RedisLog{client: client}
}

// Ping verifies the store is reachable.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return errs.New("streamlog/redis", errs.CodeStoreUnavailable,
			errs.WithMessage("store unreachable"), errs.WithCause(err))
	}
	return nil
}

func (l *RedisLog) Append(ctx context.Context, stream string, body []byte) (Offset, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", storeErr("append", stream, err)
	}
	return Offset(id), nil
}

func (l *RedisLog) ReadRange(ctx context.Context, stream string, from Offset, limit int) ([]Entry, error) {
	start := "-"
	if from != "" {
		start = string(from)
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := l.client.XRangeN(ctx, stream, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, storeErr("read range", stream, err)
	}
	return toEntries(msgs), nil
}

func (l *RedisLog) GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, storeErr("group read", stream, err)
	}
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, offset Offset) error {
	if err := l.client.XAck(ctx, stream, group, string(offset)).Err(); err != nil {
		return storeErr("ack", stream, err)
	}
	return nil
}

func (l *RedisLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 16
	}
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, storeErr("claim stale", stream, err)
	}
	return toEntries(msgs), nil
}

func (l *RedisLog) CreateGroup(ctx context.Context, stream, group string, start StartPosition) error {
	pos := "$"
	if start == StartBeginning {
		pos = "0"
	}
	err := l.client.XGroupCreateMkStream(ctx, stream, group, pos).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return storeErr("create group", stream, err)
	}
	return nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		body, _ := msg.Values[bodyField].(string)
		entries = append(entries, Entry{Offset: Offset(msg.ID), Body: []byte(body)})
	}
	return entries
}

func storeErr(op, stream string, err error) error {
	return errs.New("streamlog/redis", errs.CodeStoreUnavailable,
		errs.WithMessage(op+" failed"), errs.WithStream(stream), errs.WithCause(err))
}

var _ Log = (*RedisLog)(nil)
