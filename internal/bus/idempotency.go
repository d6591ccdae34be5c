package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Victor-dw/Blackjack/errs"
)

// DefaultIdempotencyTTL keeps cache entries for seven days; it must outlive
// max_attempts x visibility_timeout x the backoff ceiling.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// IdempotencyStore tracks which (group, event_id) pairs have been seen and
// how many delivery attempts they accumulated. FirstSight is an atomic
// compare-and-set: two concurrent deliveries of the same event to the same
// group observe at most one true result.
type IdempotencyStore interface {
	// FirstSight reserves the key on first observation. Returns true when
	// the caller won the reservation and should invoke the handler.
	FirstSight(ctx context.Context, group, eventID string, ttl time.Duration) (bool, error)

	// Release drops a reservation so a retryable failure can be
	// redelivered and reprocessed.
	Release(ctx context.Context, group, eventID string) error

	// Complete freezes the key with a result digest. A completed key is
	// never overwritten with a different digest.
	Complete(ctx context.Context, group, eventID, digest string, ttl time.Duration) error

	// IncrAttempts bumps and returns the delivery attempt counter for the
	// key.
	IncrAttempts(ctx context.Context, group, eventID string, ttl time.Duration) (int, error)
}

func idempotencyKey(group, eventID string) string {
	return group + ":" + eventID
}

const reservationMarker = "pending"

// MemoryIdempotency is the in-process store used by tests and single-node
// deployments.
type MemoryIdempotency struct {
	mu       sync.Mutex
	entries  map[string]memIdemEntry
	attempts map[string]int
	clock    func() time.Time
}

type memIdemEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryIdempotency constructs an empty in-memory idempotency store.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{
		entries:  make(map[string]memIdemEntry),
		attempts: make(map[string]int),
		clock:    time.Now,
	}
}

func (s *MemoryIdempotency) FirstSight(_ context.Context, group, eventID string, ttl time.Duration) (bool, error) {
	key := idempotencyKey(group, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key)
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = memIdemEntry{value: reservationMarker, expiresAt: s.clock().Add(ttl)}
	return true, nil
}

func (s *MemoryIdempotency) Release(_ context.Context, group, eventID string) error {
	key := idempotencyKey(group, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.value == reservationMarker {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryIdempotency) Complete(_ context.Context, group, eventID, digest string, ttl time.Duration) error {
	key := idempotencyKey(group, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.value != reservationMarker && entry.value != digest {
		return errs.New("bus/idempotency", errs.CodeConflict,
			errs.WithMessage("completed key cannot change digest"), errs.WithEventID(eventID))
	}
	s.entries[key] = memIdemEntry{value: digest, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryIdempotency) IncrAttempts(_ context.Context, group, eventID string, _ time.Duration) (int, error) {
	key := idempotencyKey(group, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[key]++
	return s.attempts[key], nil
}

// expire must be called with s.mu held.
func (s *MemoryIdempotency) expire(key string) {
	if entry, ok := s.entries[key]; ok && s.clock().After(entry.expiresAt) {
		delete(s.entries, key)
		delete(s.attempts, key)
	}
}

var _ IdempotencyStore = (*MemoryIdempotency)(nil)

// completeScript freezes a reservation without ever overwriting a different
// completed digest.
var completeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[1] and current ~= "pending" then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return 1
`)

// RedisIdempotency persists the idempotency cache in Redis so restarts and
// rebalances keep the at-most-one-effect guarantee.
type RedisIdempotency struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotency builds a store with keys under the given prefix.
func NewRedisIdempotency(client *redis.Client, prefix string) *RedisIdempotency {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisIdempotency{client: client, prefix: prefix}
}

func (s *RedisIdempotency) key(group, eventID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, idempotencyKey(group, eventID))
}

func (s *RedisIdempotency) attemptKey(group, eventID string) string {
	return fmt.Sprintf("%s:attempts:%s", s.prefix, idempotencyKey(group, eventID))
}

func (s *RedisIdempotency) FirstSight(ctx context.Context, group, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(group, eventID), reservationMarker, ttl).Result()
	if err != nil {
		return false, idemErr("first sight", eventID, err)
	}
	return ok, nil
}

func (s *RedisIdempotency) Release(ctx context.Context, group, eventID string) error {
	// Only a pending reservation may be dropped; completed digests stay.
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == "pending" then
    return redis.call("DEL", KEYS[1])
end
return 0
`)
	if err := script.Run(ctx, s.client, []string{s.key(group, eventID)}).Err(); err != nil && err != redis.Nil {
		return idemErr("release", eventID, err)
	}
	return nil
}

func (s *RedisIdempotency) Complete(ctx context.Context, group, eventID, digest string, ttl time.Duration) error {
	res, err := completeScript.Run(ctx, s.client, []string{s.key(group, eventID)}, digest, int(ttl.Seconds())).Int()
	if err != nil {
		return idemErr("complete", eventID, err)
	}
	if res == 0 {
		return errs.New("bus/idempotency", errs.CodeConflict,
			errs.WithMessage("completed key cannot change digest"), errs.WithEventID(eventID))
	}
	return nil
}

func (s *RedisIdempotency) IncrAttempts(ctx context.Context, group, eventID string, ttl time.Duration) (int, error) {
	key := s.attemptKey(group, eventID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, idemErr("incr attempts", eventID, err)
	}
	if n == 1 {
		_ = s.client.Expire(ctx, key, ttl).Err()
	}
	return int(n), nil
}

func idemErr(op, eventID string, err error) error {
	return errs.New("bus/idempotency", errs.CodeStoreUnavailable,
		errs.WithMessage(op+" failed"), errs.WithEventID(eventID), errs.WithCause(err))
}

var _ IdempotencyStore = (*RedisIdempotency)(nil)
