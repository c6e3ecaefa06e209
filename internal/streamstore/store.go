// Package streamstore defines the port over a log-structured stream store
// with consumer groups, and its Redis Streams implementation.
package streamstore

import (
	"context"
	"time"
)

// Entry is one stream record: an id assigned by the store and a flat
// string field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingSummary describes the delivered-but-unacked entries of a group.
type PendingSummary struct {
	Count     int64
	OldestID  string
	Consumers int
}

// PendingDetail describes one pending entry, including how many times it
// has been delivered.
type PendingDetail struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Store is the port the orchestrator and processor clients depend on.
// Implementations must preserve FIFO within a stream, per-group exclusive
// delivery, and durable appends.
type Store interface {
	// Append appends an entry and returns its id. Ids are monotonically
	// non-decreasing within a stream.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadGroup blocks up to block for entries not yet delivered to the
	// group, recording them as pending for consumer. A nil slice with nil
	// error means the block timed out with nothing to deliver.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks ids as processed for the group. Unknown ids are a no-op.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// CreateGroup creates a consumer group at start ("0" to replay, "$"
	// to start at the tail). Idempotent: an existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// Pending summarizes the group's pending entries.
	Pending(ctx context.Context, stream, group string) (PendingSummary, error)

	// PendingDetails lists up to count pending entries with delivery counts.
	PendingDetails(ctx context.Context, stream, group string, count int64) ([]PendingDetail, error)

	// Length returns the number of entries in the stream.
	Length(ctx context.Context, stream string) (int64, error)

	// OldestEntry returns the first entry of the stream, or nil if empty.
	OldestEntry(ctx context.Context, stream string) (*Entry, error)

	// TrimMaxLen drops the oldest entries beyond maxLen, returning the
	// number removed.
	TrimMaxLen(ctx context.Context, stream string, maxLen int64) (int64, error)

	// TrimMinID drops entries with ids below minID.
	TrimMinID(ctx context.Context, stream, minID string) (int64, error)

	// ScanKeys returns stream names matching the glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// SetNX sets key to value with a TTL if the key does not exist.
	// Returns true when the key was set. Used for frame-id dedup marks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Unknown keys are a no-op.
	Delete(ctx context.Context, key string) error

	// PutBlob and GetBlob store opaque snapshots (registry persistence).
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
