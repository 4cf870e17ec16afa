package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLog implements Log on Redis Streams.
type RedisLog struct {
	client redis.UniversalClient
	maxLen int64
}

// NewRedisLog returns a log over client. Streams are trimmed to roughly
// maxLen entries on append; zero disables trimming.
func NewRedisLog(client redis.UniversalClient, maxLen int64) *RedisLog {
	return &RedisLog{client: client, maxLen: maxLen}
}

func (l *RedisLog) Append(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (l *RedisLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Record, error) {
	if block <= 0 {
		// go-redis sends BLOCK for any non-negative value and BLOCK 0 waits forever.
		block = -1
	}
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var out []Record
	for _, s := range streams {
		out = append(out, toRecords(s.Messages)...)
	}
	return out, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

func (l *RedisLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Record, error) {
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	return toRecords(msgs), nil
}

func toRecords(msgs []redis.XMessage) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Record{ID: m.ID, Values: m.Values})
	}
	return out
}
