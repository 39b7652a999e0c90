// Package streambus wraps Redis Streams as the durable transport between the
// flow collector and the learning engine. Delivery is ordered and
// at-least-once per producer; the log is approximately capped so the oldest
// entries are evicted once the cap is exceeded. Entries are addressed by a
// monotonic cursor (the Redis stream entry ID); Origin reads from the
// beginning of the log.
package streambus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Origin is the cursor addressing the start of a stream.
const Origin = "0-0"

// Stream names shared by every producer and consumer.
const (
	FlowStream     = "nids:flows:stream"
	FeedbackStream = "nids:feedback:stream"
)

// DefaultMaxLen caps each stream at roughly this many entries.
const DefaultMaxLen = 100000

// Entry is one delivered stream record.
type Entry struct {
	ID     string
	Values map[string]any
}

// Bus is a thin client over a Redis connection. It is safe for concurrent use.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
}

// Options configures the Redis connection behind a Bus.
type Options struct {
	Addr     string
	Password string
	MaxLen   int64 // per-stream approximate cap; DefaultMaxLen when zero
}

// New dials Redis with a short connect timeout. The connection is verified
// lazily; call Ping at startup to fail fast on an unreachable broker.
func New(opts Options) *Bus {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DialTimeout: 5 * time.Second,
	})
	return &Bus{rdb: rdb, maxLen: maxLen}
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(rdb *redis.Client, maxLen int64) *Bus {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Bus{rdb: rdb, maxLen: maxLen}
}

// Ping verifies connectivity. Startup code treats a failure here as fatal;
// per-record operations never do.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Append adds one entry to the stream, trimming it to the approximate cap.
func (b *Bus) Append(ctx context.Context, stream string, values map[string]any) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Read returns up to count entries after cursor, blocking up to block for new
// data. The returned cursor addresses the last delivered entry and only moves
// forward; passing it back in never re-delivers consumed entries within a
// run. An empty read (timeout) returns the cursor unchanged and no error.
func (b *Bus) Read(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]Entry, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cursor, nil
		}
		return nil, cursor, fmt.Errorf("xread %s: %w", stream, err)
	}
	var entries []Entry
	next := cursor
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
			next = m.ID
		}
	}
	return entries, next, nil
}

// Len returns the current number of entries in the stream.
func (b *Bus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
