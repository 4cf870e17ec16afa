package tenantlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired holder never frees a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every process talking to the same Redis.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedis creates a distributed locker. ttl bounds how long a crashed holder
// keeps the lock and must exceed the longest critical section.
func NewRedis(client redis.UniversalClient, ttl, timeout time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{
		client:  client,
		prefix:  "invoicechain:tenant-lock:",
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "tenantlock")),
	}
}

func (r *Redis) key(tenantID uint) string {
	return fmt.Sprintf("%s%d", r.prefix, tenantID)
}

func (r *Redis) Lock(ctx context.Context, tenantID uint) (func(), error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	key := r.key(tenantID)
	token := uuid.NewString()
	backoff := 10 * time.Millisecond
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: tenant %d: %w", ErrNotAcquired, tenantID, ctx.Err())
			}
			return nil, fmt.Errorf("acquire tenant %d lock: %w", tenantID, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: tenant %d: %w", ErrNotAcquired, tenantID, ctx.Err())
		case <-timer.C:
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is already done.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(relCtx, r.client, []string{key}, token).Int()
			if err != nil {
				r.logger.Error("release tenant lock", zap.Uint("tenant_id", tenantID), zap.Error(err))
				return
			}
			if n == 0 {
				r.logger.Warn("tenant lock expired before release", zap.Uint("tenant_id", tenantID))
			}
		})
	}, nil
}
