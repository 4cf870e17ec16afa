package events

import (
	"context"
	"time"
)

// Record is one entry of a stream, identified by the id the log assigned on append.
type Record struct {
	ID     string
	Values map[string]interface{}
}

// Log is an append-only stream store with consumer groups. Records delivered
// to a group member stay pending until acknowledged.
type Log interface {
	Append(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup delivers up to count new records, waiting at most block. A
	// non-positive block returns immediately.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Record, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// ClaimStale moves records pending for longer than minIdle to consumer.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error)
}
