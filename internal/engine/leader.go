package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// LeaderLock lets exactly one instance run a periodic task at a time.
type LeaderLock struct {
	rs     *redsync.Redsync
	name   string
	expiry time.Duration
	logger *slog.Logger
}

func NewLeaderLock(client *redis.Client, name string, expiry time.Duration, logger *slog.Logger) *LeaderLock {
	return &LeaderLock{
		rs:     redsync.New(goredis.NewPool(client)),
		name:   name,
		expiry: expiry,
		logger: logger,
	}
}

// RunExclusive runs fn while holding the lock. It returns false without
// calling fn when another instance holds the lock.
func (l *LeaderLock) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	mutex := l.rs.NewMutex(l.name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			l.logger.Debug("lock held by another instance", "lock", l.name)
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock %s: %w", l.name, err)
	}

	defer func() {
		// Unlock with a fresh context so a cancelled tick still releases the lock.
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("failed to release lock", "lock", l.name, "error", err)
		}
	}()

	return true, fn(ctx)
}

func isLockContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
