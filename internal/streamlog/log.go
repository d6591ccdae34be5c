// Package streamlog is the narrow port over the log-structured event store:
// append-only streams with monotonic offsets and consumer-group delivery
// tracking. The abstraction hides the concrete backing store.
package streamlog

import (
	"context"
	"time"
)

// Offset identifies an entry within a single stream. Offsets are opaque but
// lexicographically orderable per stream.
type Offset string

// Entry is one appended record.
type Entry struct {
	Offset Offset
	Body   []byte
}

// StartPosition selects where a newly created consumer group begins reading.
type StartPosition string

const (
	// StartBeginning delivers the full stream history to the group.
	StartBeginning StartPosition = "beginning"
	// StartEnd delivers only entries appended after group creation.
	StartEnd StartPosition = "end"
)

// Log is the port every component reads and writes streams through.
type Log interface {
	// Append durably appends a single entry and returns its assigned offset.
	Append(ctx context.Context, stream string, body []byte) (Offset, error)

	// ReadRange reads up to limit entries starting at from (inclusive);
	// an empty from starts at the beginning. Consumer-group state is
	// untouched.
	ReadRange(ctx context.Context, stream string, from Offset, limit int) ([]Entry, error)

	// GroupRead delivers new entries to the consumer within the group;
	// delivered entries become pending for that consumer until acked.
	// Blocks up to block when no entries are available.
	GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Ack removes the entry from the consumer group's pending list.
	Ack(ctx context.Context, stream, group string, offset Offset) error

	// ClaimStale transfers pending entries idle beyond minIdle to the
	// calling consumer and returns them for redelivery.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// CreateGroup creates the consumer group if absent. Idempotent.
	CreateGroup(ctx context.Context, stream, group string, start StartPosition) error

	// Close releases the underlying store connection.
	Close() error
}
