package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	// Lua script for lock extension
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// DistributedLock represents a distributed lock using Redis
type DistributedLock struct {
	client   redis.UniversalClient
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    fmt.Sprintf("checkout:lock:%s", key),
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to acquire the lock
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	// SET NX PX: set only if absent, with expiry
	success, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.acquired = success
	return success, nil
}

// AcquireWithRetry attempts to acquire the lock with retries
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	for i := 0; i < maxRetries; i++ {
		acquired, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		// Wait before retrying
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domainErrors.ErrLockAcquisitionFailed, ctx.Err())
		case <-time.After(retryDelay):
			continue
		}
	}

	return fmt.Errorf("%w: %s held after %d attempts", domainErrors.ErrLockAcquisitionFailed, l.key, maxRetries)
}

// Extend resets the lock TTL to ttl.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return domainErrors.ErrLockNotHeld
	}

	result, err := extendLockScript.Run(
		ctx,
		l.client,
		[]string{l.key},
		l.value,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	val, ok := result.(int64)
	if !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}

	return nil
}

// Release releases the lock
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	result, err := releaseLockScript.Run(
		ctx,
		l.client,
		[]string{l.key},
		l.value,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.acquired = false
	val, ok := result.(int64)
	if !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}

	return nil
}

// IsAcquired returns whether the lock is acquired
func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// Locker hands out distributed locks by key. While a lock is held it is
// extended every ttl/3, so a slow provider call cannot outlive it.
type Locker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	logger     zerolog.Logger
}

func NewLocker(client redis.UniversalClient, ttl time.Duration, retries int, retryDelay time.Duration, logger zerolog.Logger) *Locker {
	if retries <= 0 {
		retries = 1
	}
	return &Locker{
		client:     client,
		ttl:        ttl,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     observability.Component(logger, "locker"),
	}
}

// Lock blocks until key is held or the retries run out. The returned func
// releases the lock and is safe to call once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock := NewDistributedLock(l.client, key, l.ttl)
	if err := lock.AcquireWithRetry(ctx, l.retries, l.retryDelay); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				extendCtx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				err := lock.Extend(extendCtx, l.ttl)
				cancel()
				if err != nil {
					l.logger.Warn().Err(err).Str("key", key).Msg("lock extension failed")
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("lock release failed")
		}
	}, nil
}
