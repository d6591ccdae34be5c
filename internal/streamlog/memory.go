package streamlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log used by unit tests, the replay harness dry
// mode, and backtests. Semantics mirror the Redis implementation: per-stream
// monotonic offsets, per-group cursors, and pending-entry claim by idle time.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	clock   func() time.Time
}

type memStream struct {
	entries []Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int
	pending map[Offset]*pendingEntry
}

type pendingEntry struct {
	index       int
	consumer    string
	deliveredAt time.Time
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		clock:   time.Now,
	}
}

// SetClock overrides the idle-time clock; used by claim tests.
func (l *MemoryLog) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

func (l *MemoryLog) Append(ctx context.Context, stream string, body []byte) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	s := l.stream(stream)
	offset := Offset(fmt.Sprintf("%020d-0", len(s.entries)+1))
	copied := make([]byte, len(body))
	copy(copied, body)
	s.entries = append(s.entries, Entry{Offset: offset, Body: copied})
	waiters := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(waiters)
	return offset, nil
}

func (l *MemoryLog) ReadRange(ctx context.Context, stream string, from Offset, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	var out []Entry
	for _, entry := range s.entries {
		if from != "" && entry.Offset < from {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		s := l.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			g = &memGroup{pending: make(map[Offset]*pendingEntry)}
			s.groups[group] = g
		}
		var out []Entry
		now := l.clock()
		for g.cursor < len(s.entries) && len(out) < count {
			entry := s.entries[g.cursor]
			g.pending[entry.Offset] = &pendingEntry{index: g.cursor, consumer: consumer, deliveredAt: now}
			g.cursor++
			out = append(out, entry)
		}
		waiters := l.notify
		l.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-waiters:
			timer.Stop()
		}
	}
}

func (l *MemoryLog) Ack(ctx context.Context, stream, group string, offset Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	if g, ok := s.groups[group]; ok {
		delete(g.pending, offset)
	}
	return nil
}

func (l *MemoryLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 16
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	now := l.clock()
	var offsets []Offset
	for offset, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			offsets = append(offsets, offset)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	if len(offsets) > count {
		offsets = offsets[:count]
	}
	var out []Entry
	for _, offset := range offsets {
		p := g.pending[offset]
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, s.entries[p.index])
	}
	return out, nil
}

func (l *MemoryLog) CreateGroup(ctx context.Context, stream, group string, start StartPosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[Offset]*pendingEntry)}
	if start == StartEnd {
		g.cursor = len(s.entries)
	}
	s.groups[group] = g
	return nil
}

func (l *MemoryLog) Close() error { return nil }

// Streams lists stream names with at least one entry; used by tests asserting
// plane isolation.
func (l *MemoryLog) Streams() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for name, s := range l.streams {
		if len(s.entries) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len reports the number of entries appended to the stream.
func (l *MemoryLog) Len(stream string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stream(stream).entries)
}

// stream must be called with l.mu held.
func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

var _ Log = (*MemoryLog)(nil)
