package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// ITEM LOCK - Short critical sections only, never across an approval wait
// =============================================================================

// Locker serializes checkpoint creation and rollback per item.
// TryLock never blocks: a held key returns generic.ErrTransitionInFlight.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

func itemLockKey(itemID generic.ItemID) string {
	return "sale-transition:item:" + string(itemID)
}

// MutexLocker is an in-process Locker.
type MutexLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{held: make(map[string]bool)}
}

func (l *MutexLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%w: lock %s is held", generic.ErrTransitionInFlight, key)
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker is a Locker shared between processes. The TTL bounds how
// long a crashed holder can block the item.
type RedisLocker struct {
	Client *redislock.Client
	TTL    time.Duration
	Logger logrus.FieldLogger
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{Client: client, TTL: ttl, Logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: lock %s is held", generic.ErrTransitionInFlight, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() { l.release(key, lock.Release) }, nil
}

// release uses a fresh context: the caller's may already be done. A failed
// release leaves the key held until its TTL runs out.
func (l *RedisLocker) release(key string, release func(context.Context) error) {
	if err := release(context.Background()); err != nil {
		l.logger().WithFields(logrus.Fields{
			"key":   key,
			"ttl":   l.TTL.String(),
			"error": err.Error(),
		}).Warn("failed to release item lock")
	}
}

func (l *RedisLocker) logger() logrus.FieldLogger {
	if l.Logger == nil {
		return logrus.StandardLogger()
	}
	return l.Logger
}
