package config

import (
	"context"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/failsafe"
)

// NewLocker returns the item locker for this configuration: a Redis lock
// shared between server processes when redis.addr is set, an in-process
// lock otherwise. The returned close func releases the Redis client.
func NewLocker(ctx context.Context, c *Config, logger logrus.FieldLogger) (failsafe.Locker, func() error, error) {
	if c.Redis.Addr == "" {
		return failsafe.NewMutexLocker(), func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", c.Redis.Addr, err)
	}
	return failsafe.NewRedisLocker(redislock.New(rdb), c.Failsafe.LockTTL, logger), rdb.Close, nil
}
