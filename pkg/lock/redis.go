package lock

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker provides locks shared by every process using the same Redis.
type RedisLocker struct {
	rdb       *redis.Client
	keyPrefix string
	logger    ectologger.Logger
}

type redisHandle struct {
	locker *RedisLocker
	key    string
	value  string
}

// NewRedisLocker creates a new RedisLocker
func NewRedisLocker(rdb *redis.Client, keyPrefix string, logger ectologger.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "clover:lock:"
	}
	return &RedisLocker{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (l *RedisLocker) acquire(ctx context.Context, key string, ttl time.Duration) (*redisHandle, error) {
	lockKey := l.keyPrefix + key
	value := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return &redisHandle{locker: l, key: lockKey, value: value}, nil
}

// TryAcquire retries SET NX with capped exponential backoff until timeout.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Handle, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for {
		h, err := l.acquire(ctx, key, ttl)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		wait := backoff
		if remaining := time.Until(deadline); remaining <= 0 {
			return nil, ErrLockNotAcquired
		} else if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

// Release deletes the key only if this handle still owns it.
func (h *redisHandle) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, h.locker.rdb, []string{h.key}, h.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	h.locker.logger.WithContext(ctx).Debugf("Released lock: %s", h.key)
	return nil
}
