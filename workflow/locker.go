package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Locker serialises work on one CAR across instances. Locks are best effort:
// correctness rests on the version check, the lock only avoids wasted work.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisLocker implements Locker with bsm/redislock. A nil client means no locking.
type RedisLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{Client: client, Logger: logger}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.Client == nil {
		return func() {}, nil
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		// Release on a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && l.Logger != nil {
			l.Logger.WithFields(logrus.Fields{
				"field": "RedisLocker",
				"key":   key,
			}).Warn("failed to release redis lock: " + err.Error())
		}
	}, nil
}

func carLockKey(id string) string {
	return "lock:car:" + id
}
